package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kertaslab/papergate/internal/metrics"
	"github.com/kertaslab/papergate/internal/provider"
	"github.com/kertaslab/papergate/internal/usage"
)

const defaultChatSystem = "You are a helpful research assistant answering questions about a document."

// buildChatMessages assembles the upstream conversation: system prompt,
// document context, recent history, then the user's prompt.
func buildChatMessages(req *chatRequest) []usage.Message {
	system := strings.TrimSpace(req.SystemPrompt)
	if system == "" {
		system = defaultChatSystem
	}
	messages := []usage.Message{{Role: "system", Content: system}}

	var ctxParts []string
	if req.Context.NodeLabel != "" {
		ctxParts = append(ctxParts, fmt.Sprintf("The user is focused on the concept %q.", req.Context.NodeLabel))
	}
	if req.Context.DocumentText != "" {
		title := req.Context.DocumentTitle
		if title == "" {
			title = "the document"
		}
		ctxParts = append(ctxParts, fmt.Sprintf("Document (%s):\n%s", title, req.Context.DocumentText))
	}
	if len(ctxParts) > 0 {
		messages = append(messages, usage.Message{
			Role:    "system",
			Content: strings.Join(ctxParts, "\n\n"),
		})
	}

	for _, entry := range req.Context.RecentHistory {
		role := "user"
		if entry.Role == "ai" {
			role = "assistant"
		}
		messages = append(messages, usage.Message{Role: role, Content: entry.Text})
	}

	return append(messages, usage.Message{Role: "user", Content: req.UserPrompt})
}

// handleChat streams the completion to the caller as plain text. Headers are
// committed on the first delta, so failures before any output still return
// the standard JSON error body.
func (s *Server) handleChat(c *gin.Context) {
	var body chatRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		s.rejectValidation(c, "chat", invalidField("body"))
		return
	}
	if errValidate := s.validateChat(&body); errValidate != nil {
		s.rejectValidation(c, "chat", errValidate)
		return
	}

	messages := buildChatMessages(&body)

	s.runMetered(c, meteredCall{
		kind:         "chat",
		logicalModel: body.Model,
		messages:     messages,
		invoke: func(ctx context.Context, client provider.Client, providerModel string, tracker *usage.Tracker) (*usage.Counts, error) {
			metrics.StreamsInFlight.Inc()
			defer metrics.StreamsInFlight.Dec()
			req := provider.TextRequest{
				Model:    providerModel,
				Messages: toProviderMessages(messages),
			}
			res, errStream := client.StreamText(ctx, req, func(delta string) error {
				if errClient := c.Request.Context().Err(); errClient != nil {
					return errClient
				}
				tracker.RecordOutputChunk(delta)
				if !c.Writer.Written() {
					c.Header("Content-Type", "text/plain; charset=utf-8")
					c.Writer.WriteHeader(200)
				}
				if _, errWrite := c.Writer.WriteString(delta); errWrite != nil {
					return errWrite
				}
				c.Writer.Flush()
				return nil
			})
			if errStream != nil {
				return nil, errStream
			}
			return res.Usage, nil
		},
	})
	// Stream output is the success body; nothing more to write.
}
