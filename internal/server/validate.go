package server

import (
	"net/http"
	"strings"
)

// Default logical model per endpoint when the request omits one.
const defaultModel = "gpt-5-nano"

// validationError carries the status and code validation failures map to:
// 400 bad_request for malformed input, 413 too_large for oversized input.
type validationError struct {
	status  int
	code    string
	message string
}

func (e *validationError) Error() string { return e.message }

func invalidField(field string) *validationError {
	return &validationError{status: http.StatusBadRequest, code: codeBadRequest, message: "invalid " + field}
}

func tooLarge(field string) *validationError {
	return &validationError{status: http.StatusRequestEntityTooLarge, code: codeTooLarge, message: field + " too large"}
}

type historyEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type analyzeRequest struct {
	Text      string `json:"text"`
	NodeCount int    `json:"nodeCount"`
	Model     string `json:"model"`
}

type chatContext struct {
	NodeLabel     string         `json:"nodeLabel"`
	DocumentText  string         `json:"documentText"`
	DocumentTitle string         `json:"documentTitle"`
	RecentHistory []historyEntry `json:"recentHistory"`
}

type chatRequest struct {
	UserPrompt   string      `json:"userPrompt"`
	SystemPrompt string      `json:"systemPrompt"`
	Model        string      `json:"model"`
	Context      chatContext `json:"context"`
}

type prefillContent struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type prefillRequest struct {
	NodeLabel        string          `json:"nodeLabel"`
	Model            string          `json:"model"`
	MiniChatMessages []historyEntry  `json:"miniChatMessages"`
	Content          *prefillContent `json:"content"`
}

// resolveModel falls back to the endpoint default and rejects models with no
// price entry, before any cost is incurred.
func (s *Server) resolveModel(requested string) (string, *validationError) {
	model := strings.TrimSpace(requested)
	if model == "" {
		model = defaultModel
	}
	if !s.estimator.Known(model) {
		return "", invalidField("model")
	}
	return model, nil
}

func (s *Server) validateAnalyze(req *analyzeRequest) *validationError {
	if req.Text == "" {
		return invalidField("text")
	}
	if len(req.Text) > s.cfg.Limits.AnalyzeTextMax {
		return tooLarge("text")
	}
	if req.NodeCount == 0 {
		req.NodeCount = s.cfg.Limits.AnalyzeNodesMin
	}
	if req.NodeCount < s.cfg.Limits.AnalyzeNodesMin || req.NodeCount > s.cfg.Limits.AnalyzeNodesMax {
		return &validationError{status: http.StatusBadRequest, code: codeBadRequest, message: "nodeCount out of range"}
	}
	model, errModel := s.resolveModel(req.Model)
	if errModel != nil {
		return errModel
	}
	req.Model = model
	return nil
}

func (s *Server) validateChat(req *chatRequest) *validationError {
	if req.UserPrompt == "" {
		return invalidField("userPrompt")
	}
	if len(req.UserPrompt) > s.cfg.Limits.ChatPromptMax {
		return tooLarge("userPrompt")
	}
	if len(req.SystemPrompt) > s.cfg.Limits.ChatPromptMax {
		return tooLarge("systemPrompt")
	}
	if len(req.Context.DocumentText) > s.cfg.Limits.ChatDocumentMax {
		return tooLarge("documentText")
	}
	if len(req.Context.RecentHistory) > s.cfg.Limits.ChatHistoryMax {
		return tooLarge("recentHistory")
	}
	for _, entry := range req.Context.RecentHistory {
		if entry.Role != "user" && entry.Role != "ai" {
			return invalidField("recentHistory.role")
		}
		if len(entry.Text) > s.cfg.Limits.ChatMessageMax {
			return tooLarge("recentHistory text")
		}
	}
	model, errModel := s.resolveModel(req.Model)
	if errModel != nil {
		return errModel
	}
	req.Model = model
	return nil
}

func (s *Server) validatePrefill(req *prefillRequest) *validationError {
	if req.NodeLabel == "" {
		return invalidField("nodeLabel")
	}
	if len(req.NodeLabel) > s.cfg.Limits.PrefillLabelMax {
		return tooLarge("nodeLabel")
	}
	if req.Content != nil && len(req.Content.Summary) > s.cfg.Limits.PrefillContentMax {
		return tooLarge("content")
	}
	if len(req.MiniChatMessages) > s.cfg.Limits.ChatHistoryMax {
		return tooLarge("miniChatMessages")
	}
	for _, entry := range req.MiniChatMessages {
		if entry.Role != "user" && entry.Role != "ai" {
			return invalidField("miniChatMessages.role")
		}
		if len(entry.Text) > s.cfg.Limits.ChatMessageMax {
			return tooLarge("miniChatMessages text")
		}
	}
	model, errModel := s.resolveModel(req.Model)
	if errModel != nil {
		return errModel
	}
	req.Model = model
	return nil
}
