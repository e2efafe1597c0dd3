package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kertaslab/papergate/internal/usage"
)

// OpenRouter talks to the OpenRouter chat completions API.
type OpenRouter struct {
	apiKey        string
	baseURL       string
	referer       string
	title         string
	client        *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
}

// NewOpenRouter constructs the adapter. baseURL is the API root, e.g.
// https://openrouter.ai/api/v1. referer and title are the optional
// attribution headers OpenRouter recognizes.
func NewOpenRouter(apiKey, baseURL, referer, title string, timeout, streamTimeout time.Duration) *OpenRouter {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if streamTimeout <= 0 {
		streamTimeout = 90 * time.Second
	}
	return &OpenRouter{
		apiKey:        apiKey,
		baseURL:       strings.TrimRight(baseURL, "/"),
		referer:       referer,
		title:         title,
		client:        &http.Client{},
		timeout:       timeout,
		streamTimeout: streamTimeout,
	}
}

// Name identifies the adapter in audit records.
func (o *OpenRouter) Name() string { return "openrouter" }

type chatCompletionBody struct {
	Error   json.RawMessage `json:"error"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

func (b *chatCompletionBody) text() string {
	if len(b.Choices) == 0 {
		return ""
	}
	return b.Choices[0].Message.Content
}

// GenerateText runs a non-streamed completion.
func (o *OpenRouter) GenerateText(ctx context.Context, req TextRequest) (*TextResult, error) {
	decoded, err := o.post(ctx, map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   false,
	})
	if err != nil {
		return nil, err
	}
	text := decoded.text()
	if text == "" {
		return nil, &Error{Code: CodeParseError, Message: "empty response"}
	}
	return &TextResult{Text: text, Usage: usage.NormalizeCounts(decoded.Usage)}, nil
}

// GenerateStructured emulates schema-constrained output with prompting;
// OpenRouter has no strict schema mode across its model catalog. The caller
// validates the JSON against its schema and decides on retries.
func (o *OpenRouter) GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error) {
	system := strings.Join([]string{
		"Return ONLY valid JSON that matches the provided JSON Schema.",
		"Do not include backticks or markdown.",
		"If you are unsure, return an empty JSON object {}.",
	}, "\n")
	user := "JSON Schema:\n" + string(req.Schema) + "\n\nInput:\n" + CanonicalUserText(req.Messages)

	decoded, err := o.post(ctx, map[string]any{
		"model": req.Model,
		"messages": []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"stream": false,
	})
	if err != nil {
		return nil, err
	}
	text := decoded.text()
	if text == "" {
		return nil, &Error{Code: CodeParseError, Message: "empty structured response"}
	}
	if !json.Valid([]byte(text)) {
		return nil, &Error{Code: CodeParseError, Message: "failed to parse structured response"}
	}
	return &StructuredResult{JSON: json.RawMessage(text), Usage: usage.NormalizeCounts(decoded.Usage)}, nil
}

type chatCompletionChunk struct {
	Error   json.RawMessage `json:"error"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// StreamText relays content deltas. An upstream error event before any delta
// fails the call; after output started the stream just ends.
func (o *OpenRouter) StreamText(ctx context.Context, req TextRequest, onDelta func(string) error) (*StreamResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.streamTimeout)
	defer cancel()

	resp, err := o.send(ctx, "/chat/completions", map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var counts *usage.Counts
	sawOutput := false
	var callbackErr error

	errRead := readSSE(resp.Body, func(data string) error {
		var chunk chatCompletionChunk
		if errDecode := json.Unmarshal([]byte(data), &chunk); errDecode != nil {
			return nil
		}
		if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
			if !sawOutput {
				return &Error{Code: CodeUpstreamError, Message: "upstream error"}
			}
			return errStreamDone
		}
		if chunk.Usage != nil {
			if normalized := usage.NormalizeCounts(chunk.Usage); normalized.Any() {
				counts = normalized
			}
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			return nil
		}
		sawOutput = true
		if errCb := onDelta(delta); errCb != nil {
			callbackErr = errCb
			return errCb
		}
		return nil
	})
	if errRead != nil {
		if callbackErr != nil {
			return nil, callbackErr
		}
		if perr, ok := errRead.(*Error); ok {
			return nil, perr
		}
		return nil, classifyTransport(ctx, errRead)
	}
	return &StreamResult{Usage: counts}, nil
}

func (o *OpenRouter) post(ctx context.Context, body map[string]any) (*chatCompletionBody, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.send(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded chatCompletionBody
	if errDecode := json.NewDecoder(resp.Body).Decode(&decoded); errDecode != nil {
		return nil, &Error{Code: CodeParseError, Message: "failed to decode response"}
	}
	if len(decoded.Error) > 0 && string(decoded.Error) != "null" {
		return nil, &Error{Code: CodeUpstreamError, Message: "upstream error"}
	}
	return &decoded, nil
}

func (o *OpenRouter) send(ctx context.Context, path string, body map[string]any) (*http.Response, error) {
	if o.apiKey == "" {
		return nil, &Error{Code: CodeUnauthorized, Message: "missing api key"}
	}
	payload, errMarshal := json.Marshal(body)
	if errMarshal != nil {
		return nil, fmt.Errorf("openrouter: marshal request: %w", errMarshal)
	}
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if errReq != nil {
		return nil, fmt.Errorf("openrouter: build request: %w", errReq)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if o.referer != "" {
		req.Header.Set("HTTP-Referer", o.referer)
	}
	if o.title != "" {
		req.Header.Set("X-Title", o.title)
	}

	resp, errDo := o.client.Do(req)
	if errDo != nil {
		return nil, classifyTransport(ctx, errDo)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &Error{
			Code:    codeForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("upstream error %d", resp.StatusCode),
		}
	}
	return resp, nil
}

// CanonicalUserText flattens messages into one prompt body for adapters that
// need a single user turn.
func CanonicalUserText(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}
