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

// OpenAI talks to the OpenAI Responses API.
type OpenAI struct {
	apiKey        string
	baseURL       string
	client        *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
}

// NewOpenAI constructs the adapter. baseURL points at the responses endpoint
// itself, e.g. https://api.openai.com/v1/responses.
func NewOpenAI(apiKey, baseURL string, timeout, streamTimeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1/responses"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if streamTimeout <= 0 {
		streamTimeout = 90 * time.Second
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		// Deadlines come from the request context so streams are not cut
		// off by a whole-body client timeout.
		client:        &http.Client{},
		timeout:       timeout,
		streamTimeout: streamTimeout,
	}
}

// Name identifies the adapter in audit records.
func (o *OpenAI) Name() string { return "openai" }

type responsesContent struct {
	Text string `json:"text"`
}

type responsesItem struct {
	Content []responsesContent `json:"content"`
}

type responsesBody struct {
	OutputText string          `json:"output_text"`
	Output     []responsesItem `json:"output"`
	Usage      map[string]any  `json:"usage"`
}

func (b *responsesBody) text() string {
	if b.OutputText != "" {
		return b.OutputText
	}
	var sb strings.Builder
	for _, item := range b.Output {
		for _, c := range item.Content {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// GenerateText runs a non-streamed completion.
func (o *OpenAI) GenerateText(ctx context.Context, req TextRequest) (*TextResult, error) {
	body := map[string]any{
		"model": req.Model,
		"input": req.Messages,
		"store": false,
	}
	decoded, err := o.post(ctx, body, o.timeout)
	if err != nil {
		return nil, err
	}
	text := decoded.text()
	if text == "" {
		return nil, &Error{Code: CodeParseError, Message: "empty response"}
	}
	return &TextResult{Text: text, Usage: usage.NormalizeCounts(decoded.Usage)}, nil
}

// GenerateStructured runs a completion constrained by a strict JSON schema.
func (o *OpenAI) GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error) {
	body := map[string]any{
		"model": req.Model,
		"input": req.Messages,
		"text": map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   "structured_response",
				"schema": req.Schema,
				"strict": true,
			},
		},
		"store": false,
	}
	decoded, err := o.post(ctx, body, o.timeout)
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

type responsesEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response struct {
		Usage map[string]any `json:"usage"`
	} `json:"response"`
}

// StreamText relays output deltas. An upstream error event before any delta
// fails the call; after output started the stream just ends, leaving the
// partial text with the caller.
func (o *OpenAI) StreamText(ctx context.Context, req TextRequest, onDelta func(string) error) (*StreamResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.streamTimeout)
	defer cancel()

	body := map[string]any{
		"model":  req.Model,
		"input":  req.Messages,
		"stream": true,
		"store":  false,
	}
	resp, err := o.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var counts *usage.Counts
	sawOutput := false
	var callbackErr error

	errRead := readSSE(resp.Body, func(data string) error {
		var event responsesEvent
		if errDecode := json.Unmarshal([]byte(data), &event); errDecode != nil {
			return nil
		}
		switch event.Type {
		case "response.output_text.delta":
			if event.Delta == "" {
				return nil
			}
			sawOutput = true
			if errCb := onDelta(event.Delta); errCb != nil {
				callbackErr = errCb
				return errCb
			}
		case "response.completed":
			if event.Response.Usage != nil {
				counts = usage.NormalizeCounts(event.Response.Usage)
			}
		case "response.failed", "error":
			if !sawOutput {
				return &Error{Code: CodeUpstreamError, Message: "upstream error"}
			}
			return errStreamDone
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

// post issues a request with a call deadline and decodes the response body.
func (o *OpenAI) post(ctx context.Context, body map[string]any, timeout time.Duration) (*responsesBody, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := o.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded responsesBody
	if errDecode := json.NewDecoder(resp.Body).Decode(&decoded); errDecode != nil {
		return nil, &Error{Code: CodeParseError, Message: "failed to decode response"}
	}
	return &decoded, nil
}

func (o *OpenAI) send(ctx context.Context, body map[string]any) (*http.Response, error) {
	if o.apiKey == "" {
		return nil, &Error{Code: CodeUnauthorized, Message: "missing api key"}
	}
	payload, errMarshal := json.Marshal(body)
	if errMarshal != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", errMarshal)
	}
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(payload))
	if errReq != nil {
		return nil, fmt.Errorf("openai: build request: %w", errReq)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

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
