package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestReadSSEConcatenatesFrameData(t *testing.T) {
	raw := strings.Join([]string{
		"event: message",
		"data: {\"a\":",
		"data: 1}",
		"",
		"data: [DONE]",
		"",
	}, "\n")

	var events []string
	err := readSSE(strings.NewReader(raw), func(data string) error {
		events = append(events, data)
		return nil
	})
	if err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	if len(events) != 1 || events[0] != `{"a":1}` {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestReadSSEStopsAtDone(t *testing.T) {
	raw := "data: one\n\ndata: [DONE]\n\ndata: after\n\n"
	var events []string
	if err := readSSE(strings.NewReader(raw), func(data string) error {
		events = append(events, data)
		return nil
	}); err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	if len(events) != 1 || events[0] != "one" {
		t.Fatalf("events past [DONE] must not surface: %v", events)
	}
}

func TestOpenAIGenerateTextNormalizesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header: %q", got)
		}
		w.Write([]byte(`{"output_text":"hello there","usage":{"input_tokens":9,"output_tokens":2,"total_tokens":11}}`))
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, 5*time.Second, 5*time.Second)
	res, err := c.GenerateText(context.Background(), TextRequest{
		Model:    "gpt-5.1-prov",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if !res.Usage.Any() || *res.Usage.Input != 9 || *res.Usage.Output != 2 || *res.Usage.Total != 11 {
		t.Fatalf("usage not normalized: %+v", res.Usage)
	}
}

func TestOpenAIStreamTextDeltasAndUsage(t *testing.T) {
	frames := []string{
		`data: {"type":"response.output_text.delta","delta":"hel"}`,
		"",
		`data: {"type":"response.output_text.delta","delta":"lo world"}`,
		"",
		`data: {"type":"response.completed","response":{"usage":{"input_tokens":4,"output_tokens":3,"total_tokens":7}}}`,
		"",
		"data: [DONE]",
		"",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(strings.Join(frames, "\n")))
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, 5*time.Second, 5*time.Second)
	var got strings.Builder
	res, err := c.StreamText(context.Background(), TextRequest{Model: "m", Messages: []Message{{Role: "user", Content: "q"}}},
		func(delta string) error {
			got.WriteString(delta)
			return nil
		})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "hello world" {
		t.Fatalf("unexpected stream text: %q", got.String())
	}
	if !res.Usage.Any() || *res.Usage.Total != 7 {
		t.Fatalf("stream usage not captured: %+v", res.Usage)
	}
}

func TestOpenAIStreamErrorBeforeOutputFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"type\":\"error\"}\n\n"))
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, 5*time.Second, 5*time.Second)
	_, err := c.StreamText(context.Background(), TextRequest{Model: "m"}, func(string) error { return nil })
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeUpstreamError {
		t.Fatalf("expected upstream_error before output, got %v", err)
	}
}

func TestOpenAIStreamErrorAfterOutputEndsSilently(t *testing.T) {
	frames := []string{
		`data: {"type":"response.output_text.delta","delta":"partial"}`,
		"",
		`data: {"type":"error"}`,
		"",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Join(frames, "\n")))
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, 5*time.Second, 5*time.Second)
	var got strings.Builder
	res, err := c.StreamText(context.Background(), TextRequest{Model: "m"}, func(d string) error {
		got.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("error after output must end silently, got %v", err)
	}
	if got.String() != "partial" {
		t.Fatalf("partial output lost: %q", got.String())
	}
	if res.Usage.Any() {
		t.Fatalf("no usage was reported, got %+v", res.Usage)
	}
}

func TestOpenAIStreamCallbackErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"type\":\"response.output_text.delta\",\"delta\":\"x\"}\n\n"))
	}))
	defer srv.Close()

	abort := errors.New("client gone")
	c := NewOpenAI("test-key", srv.URL, 5*time.Second, 5*time.Second)
	_, err := c.StreamText(context.Background(), TextRequest{Model: "m"}, func(string) error { return abort })
	if !errors.Is(err, abort) {
		t.Fatalf("callback error must propagate unwrapped, got %v", err)
	}
}

func TestOpenAIStatusMapping(t *testing.T) {
	for status, code := range map[int]string{
		400: CodeBadRequest,
		401: CodeUnauthorized,
		429: CodeRateLimited,
		500: CodeUpstreamError,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := NewOpenAI("test-key", srv.URL, 5*time.Second, 5*time.Second)
		_, err := c.GenerateText(context.Background(), TextRequest{Model: "m"})
		srv.Close()
		var perr *Error
		if !errors.As(err, &perr) || perr.Code != code || perr.Status != status {
			t.Fatalf("status %d: expected %s, got %v", status, code, err)
		}
	}
}

func TestOpenAIMissingKey(t *testing.T) {
	c := NewOpenAI("", "http://127.0.0.1:1", 5*time.Second, 5*time.Second)
	_, err := c.GenerateText(context.Background(), TextRequest{Model: "m"})
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeUnauthorized {
		t.Fatalf("expected unauthorized for missing key, got %v", err)
	}
}

func TestOpenRouterGenerateTextNormalizesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"answer"}}],"usage":{"prompt_tokens":6,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewOpenRouter("test-key", srv.URL, "", "", 5*time.Second, 5*time.Second)
	res, err := c.GenerateText(context.Background(), TextRequest{Model: "m", Messages: []Message{{Role: "user", Content: "q"}}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "answer" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if !res.Usage.Any() || *res.Usage.Input != 6 || *res.Usage.Output != 1 || *res.Usage.Total != 7 {
		t.Fatalf("openrouter usage not normalized: %+v", res.Usage)
	}
}

func TestOpenRouterStreamDeltasAndFinalUsage(t *testing.T) {
	frames := []string{
		`data: {"choices":[{"delta":{"content":"a b"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":" c"}}],"usage":{"prompt_tokens":2,"completion_tokens":3}}`,
		"",
		"data: [DONE]",
		"",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Join(frames, "\n")))
	}))
	defer srv.Close()

	c := NewOpenRouter("test-key", srv.URL, "", "", 5*time.Second, 5*time.Second)
	var got strings.Builder
	res, err := c.StreamText(context.Background(), TextRequest{Model: "m"}, func(d string) error {
		got.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "a b c" {
		t.Fatalf("unexpected stream text: %q", got.String())
	}
	if !res.Usage.Any() || *res.Usage.Total != 5 {
		t.Fatalf("final chunk usage not captured: %+v", res.Usage)
	}
}

func TestOpenRouterStreamErrorEventBeforeOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`data: {"error":{"message":"boom"}}` + "\n\n"))
	}))
	defer srv.Close()

	c := NewOpenRouter("test-key", srv.URL, "", "", 5*time.Second, 5*time.Second)
	_, err := c.StreamText(context.Background(), TextRequest{Model: "m"}, func(string) error { return nil })
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeUpstreamError {
		t.Fatalf("expected upstream_error, got %v", err)
	}
}

func TestOpenRouterStructuredInvalidJSONIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"not json at all"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenRouter("test-key", srv.URL, "", "", 5*time.Second, 5*time.Second)
	_, err := c.GenerateStructured(context.Background(), StructuredRequest{
		Model:    "m",
		Messages: []Message{{Role: "user", Content: "q"}},
		Schema:   []byte(`{"type":"object"}`),
	})
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeParseError {
		t.Fatalf("expected parse_error, got %v", err)
	}
}

func TestOpenAITimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, 20*time.Millisecond, 20*time.Millisecond)
	_, err := c.GenerateText(context.Background(), TextRequest{Model: "m"})
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}
