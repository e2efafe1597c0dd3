// Package provider adapts the two upstream LLM APIs to one surface. Usage
// numbers are normalized into a single field shape at this boundary; callers
// never see provider-specific spellings.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kertaslab/papergate/internal/usage"
)

// Upstream error codes.
const (
	CodeBadRequest    = "bad_request"
	CodeUnauthorized  = "unauthorized"
	CodeRateLimited   = "rate_limited"
	CodeUpstreamError = "upstream_error"
	CodeTimeout       = "timeout"
	CodeParseError    = "parse_error"
)

// Error is a classified upstream failure.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider: %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
}

// Message is one conversational turn sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextRequest asks for a free-form completion of model over messages. Model
// is the provider's own model ID, already resolved from the logical name.
type TextRequest struct {
	Model    string
	Messages []Message
}

// StructuredRequest asks for a completion constrained to a JSON schema.
type StructuredRequest struct {
	Model    string
	Messages []Message
	Schema   json.RawMessage
}

// TextResult is a complete non-streamed response.
type TextResult struct {
	Text  string
	Usage *usage.Counts
}

// StructuredResult is a schema-constrained response, parsed far enough to
// know it is valid JSON.
type StructuredResult struct {
	JSON  json.RawMessage
	Usage *usage.Counts
}

// StreamResult is what remains of a stream after the deltas were handed to
// the caller. Usage is nil when the provider never reported counts.
type StreamResult struct {
	Usage *usage.Counts
}

// Client is one upstream LLM endpoint.
type Client interface {
	Name() string
	GenerateText(ctx context.Context, req TextRequest) (*TextResult, error)
	GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error)
	// StreamText relays deltas to onDelta as they arrive. An onDelta error
	// aborts the stream and is returned unwrapped, so client disconnects
	// propagate to the caller.
	StreamText(ctx context.Context, req TextRequest, onDelta func(delta string) error) (*StreamResult, error)
}

// codeForStatus classifies an upstream HTTP status.
func codeForStatus(status int) string {
	switch {
	case status == 400:
		return CodeBadRequest
	case status == 429:
		return CodeRateLimited
	case status == 401 || status == 403:
		return CodeUnauthorized
	default:
		return CodeUpstreamError
	}
}

// classifyTransport folds transport failures into the error taxonomy. A
// deadline hit becomes timeout; a caller-initiated cancellation is passed
// through so the pipeline can tell an abort from an upstream failure;
// everything else is upstream_error.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &Error{Code: CodeTimeout, Message: "timeout"}
	}
	return &Error{Code: CodeUpstreamError, Message: "request failed"}
}
