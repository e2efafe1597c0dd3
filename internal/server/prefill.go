package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kertaslab/papergate/internal/provider"
	"github.com/kertaslab/papergate/internal/usage"
)

// buildPrefillMessages asks for a suggested opening question about a node,
// seeded with whatever content and mini-chat history the client has.
func buildPrefillMessages(req *prefillRequest) []usage.Message {
	messages := []usage.Message{{
		Role: "system",
		Content: "Suggest one short, specific question a reader would ask next about the given concept. " +
			"Reply with the question only.",
	}}

	var parts []string
	parts = append(parts, fmt.Sprintf("Concept: %s", req.NodeLabel))
	if req.Content != nil {
		if req.Content.Title != "" {
			parts = append(parts, fmt.Sprintf("Title: %s", req.Content.Title))
		}
		if req.Content.Summary != "" {
			parts = append(parts, fmt.Sprintf("Summary: %s", req.Content.Summary))
		}
	}
	for _, entry := range req.MiniChatMessages {
		parts = append(parts, fmt.Sprintf("%s: %s", entry.Role, entry.Text))
	}
	return append(messages, usage.Message{Role: "user", Content: strings.Join(parts, "\n")})
}

// handlePrefill returns a single suggested question for a concept node.
func (s *Server) handlePrefill(c *gin.Context) {
	reqID := requestID(c)

	var body prefillRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		s.rejectValidation(c, "prefill", invalidField("body"))
		return
	}
	if errValidate := s.validatePrefill(&body); errValidate != nil {
		s.rejectValidation(c, "prefill", errValidate)
		return
	}

	messages := buildPrefillMessages(&body)

	var prompt string
	ok := s.runMetered(c, meteredCall{
		kind:         "prefill",
		logicalModel: body.Model,
		messages:     messages,
		invoke: func(ctx context.Context, client provider.Client, providerModel string, tracker *usage.Tracker) (*usage.Counts, error) {
			res, errCall := client.GenerateText(ctx, provider.TextRequest{
				Model:    providerModel,
				Messages: toProviderMessages(messages),
			})
			if errCall != nil {
				return nil, errCall
			}
			tracker.RecordOutputComplete(res.Text)
			prompt = strings.TrimSpace(res.Text)
			return res.Usage, nil
		},
	})
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"request_id": reqID,
		"prompt":     prompt,
	})
}
