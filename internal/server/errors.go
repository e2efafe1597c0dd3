package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kertaslab/papergate/internal/provider"
)

// Error codes surfaced to callers.
const (
	codeBadRequest        = "bad_request"
	codeTooLarge          = "too_large"
	codeRateLimited       = "rate_limited"
	codeInsufficient      = "insufficient_rupiah"
	codeUpstreamError     = "upstream_error"
	codeTimeout           = "timeout"
	codeStructuredInvalid = "structured_output_invalid"
	codeInternalError     = "internal_error"
)

// Termination reasons recorded in audit rows.
const (
	terminationSuccess           = "success"
	terminationClientAbort       = "client_abort"
	terminationValidationError   = "validation_error"
	terminationRateLimited       = "rate_limited"
	terminationInsufficient      = "insufficient_rupiah"
	terminationUpstreamError     = "upstream_error"
	terminationTimeout           = "timeout"
	terminationStructuredInvalid = "structured_output_invalid"
	terminationInternalError     = "internal_error"
)

// errStructuredInvalid marks a structured response that failed schema
// validation even after the corrective retry.
var errStructuredInvalid = errors.New("structured output failed validation")

// writeError emits the JSON error body every failure shares.
func writeError(c *gin.Context, reqID string, status int, code, message string) {
	c.JSON(status, gin.H{
		"ok":         false,
		"request_id": reqID,
		"code":       code,
		"error":      message,
	})
}

// classifyCallError folds a provider-call failure into (status, code,
// termination). Client disconnects are recognized first; they have no status
// because nothing can be written.
func classifyCallError(c *gin.Context, err error) (status int, code, termination string) {
	if errors.Is(err, context.Canceled) || c.Request.Context().Err() == context.Canceled {
		return 0, "", terminationClientAbort
	}
	if errors.Is(err, errStructuredInvalid) {
		return http.StatusBadGateway, codeStructuredInvalid, terminationStructuredInvalid
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		if perr.Code == provider.CodeTimeout {
			return http.StatusGatewayTimeout, codeTimeout, terminationTimeout
		}
		// All other upstream failures, including auth and parse problems,
		// are the gateway's to own; callers see one upstream_error.
		return http.StatusBadGateway, codeUpstreamError, terminationUpstreamError
	}
	return http.StatusBadGateway, codeUpstreamError, terminationUpstreamError
}
