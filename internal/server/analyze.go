package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kertaslab/papergate/internal/models"
	"github.com/kertaslab/papergate/internal/provider"
	"github.com/kertaslab/papergate/internal/usage"
)

// skeletonNode is one concept node of an analysis result.
type skeletonNode struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Summary string `json:"summary"`
}

type skeleton struct {
	Nodes []skeletonNode `json:"nodes"`
}

// analyzeSchema is the strict schema sent to the provider for structured
// analysis output.
func analyzeSchema(maxNodes int) json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"nodes": map[string]any{
				"type":     "array",
				"minItems": 1,
				"maxItems": maxNodes,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":      map[string]any{"type": "string"},
						"label":   map[string]any{"type": "string"},
						"summary": map[string]any{"type": "string"},
					},
					"required":             []string{"id", "label", "summary"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"nodes"},
		"additionalProperties": false,
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// validateSkeleton checks the provider's structured output against what the
// schema promised. Providers without a strict schema mode can return shapes
// the prompt alone failed to pin down.
func validateSkeleton(raw json.RawMessage, maxNodes int) error {
	var parsed skeleton
	if errParse := json.Unmarshal(raw, &parsed); errParse != nil {
		return fmt.Errorf("not a skeleton object: %w", errParse)
	}
	if len(parsed.Nodes) == 0 {
		return fmt.Errorf("no nodes returned")
	}
	if len(parsed.Nodes) > maxNodes {
		return fmt.Errorf("%d nodes exceeds requested maximum %d", len(parsed.Nodes), maxNodes)
	}
	for i, node := range parsed.Nodes {
		if node.ID == "" || node.Label == "" {
			return fmt.Errorf("node %d missing id or label", i)
		}
	}
	return nil
}

func analyzePrompt(text string, nodeCount int) []usage.Message {
	system := fmt.Sprintf(
		"You are a document analyst. Extract a knowledge skeleton of at most %d concept nodes from the document. "+
			"Each node has a short stable id, a concise label and a one-sentence summary.", nodeCount)
	return []usage.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}
}

// handleAnalyze serves structured document analysis. A structured response
// failing validation gets exactly one corrective retry with the failure baked
// into the next prompt; usage from both attempts is billed.
func (s *Server) handleAnalyze(c *gin.Context) {
	reqID := requestID(c)

	var body analyzeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		s.rejectValidation(c, "analyze", invalidField("body"))
		return
	}
	if errValidate := s.validateAnalyze(&body); errValidate != nil {
		s.rejectValidation(c, "analyze", errValidate)
		return
	}

	messages := analyzePrompt(body.Text, body.NodeCount)
	schema := analyzeSchema(body.NodeCount)

	var resultJSON json.RawMessage
	ok := s.runMetered(c, meteredCall{
		kind:         "analyze",
		logicalModel: body.Model,
		messages:     messages,
		// Prompt-emulated schema output is not trusted with the subsidy.
		forceSecondary: s.cfg.Policy.StructuredTrust,
		invoke: func(ctx context.Context, client provider.Client, providerModel string, tracker *usage.Tracker) (*usage.Counts, error) {
			req := provider.StructuredRequest{
				Model:    providerModel,
				Messages: toProviderMessages(messages),
				Schema:   schema,
			}
			res, errCall := client.GenerateStructured(ctx, req)
			if errCall != nil {
				return nil, errCall
			}
			tracker.RecordOutputComplete(string(res.JSON))
			total := res.Usage

			errShape := validateSkeleton(res.JSON, body.NodeCount)
			if errShape == nil {
				resultJSON = res.JSON
				return total, nil
			}

			retryReq := req
			retryReq.Messages = append(toProviderMessages(messages), provider.Message{
				Role: "user",
				Content: fmt.Sprintf(
					"The previous response was invalid: %v. Return corrected JSON matching the schema exactly.", errShape),
			})
			retry, errRetry := client.GenerateStructured(ctx, retryReq)
			if errRetry != nil {
				return total, errRetry
			}
			tracker.RecordOutputComplete(string(retry.JSON))
			total = addCounts(total, retry.Usage)

			if errShape = validateSkeleton(retry.JSON, body.NodeCount); errShape != nil {
				return total, errStructuredInvalid
			}
			resultJSON = retry.JSON
			return total, nil
		},
	})
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"request_id": reqID,
		"json":       resultJSON,
	})
}

// rejectValidation answers a validation failure and records it; these
// requests never reach admission or billing.
func (s *Server) rejectValidation(c *gin.Context, kind string, verr *validationError) {
	reqID := requestID(c)
	writeError(c, reqID, verr.status, verr.code, verr.message)
	s.auditOutcome(&models.RequestAudit{
		RequestID:         reqID,
		UserID:            userID(c),
		EndpointKind:      kind,
		HTTPStatus:        verr.status,
		TerminationReason: terminationValidationError,
	})
}

// toProviderMessages converts counting messages to wire messages.
func toProviderMessages(in []usage.Message) []provider.Message {
	out := make([]provider.Message, 0, len(in))
	for _, m := range in {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
