package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kertaslab/papergate/internal/admission"
	"github.com/kertaslab/papergate/internal/audit"
	"github.com/kertaslab/papergate/internal/config"
	"github.com/kertaslab/papergate/internal/db"
	"github.com/kertaslab/papergate/internal/freepool"
	"github.com/kertaslab/papergate/internal/fx"
	"github.com/kertaslab/papergate/internal/ledger"
	"github.com/kertaslab/papergate/internal/models"
	"github.com/kertaslab/papergate/internal/pricing"
	"github.com/kertaslab/papergate/internal/provider"
	"github.com/kertaslab/papergate/internal/security"
	"github.com/kertaslab/papergate/internal/selector"
	"github.com/kertaslab/papergate/internal/usage"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testFxRate = 16500.0

// fixedRate satisfies RateSource with a constant rate.
type fixedRate float64

func (r fixedRate) Current(context.Context) fx.Rate {
	return fx.Rate{Rate: float64(r), AsOf: time.Now(), Source: fx.SourcePlaceholder}
}

// fakeClient scripts provider behavior per test.
type fakeClient struct {
	name         string
	textFn       func(ctx context.Context, req provider.TextRequest) (*provider.TextResult, error)
	structuredFn func(ctx context.Context, req provider.StructuredRequest) (*provider.StructuredResult, error)
	streamFn     func(ctx context.Context, req provider.TextRequest, onDelta func(string) error) (*provider.StreamResult, error)
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) GenerateText(ctx context.Context, req provider.TextRequest) (*provider.TextResult, error) {
	if f.textFn == nil {
		return nil, &provider.Error{Code: provider.CodeUpstreamError, Message: "text not scripted"}
	}
	return f.textFn(ctx, req)
}

func (f *fakeClient) GenerateStructured(ctx context.Context, req provider.StructuredRequest) (*provider.StructuredResult, error) {
	if f.structuredFn == nil {
		return nil, &provider.Error{Code: provider.CodeUpstreamError, Message: "structured not scripted"}
	}
	return f.structuredFn(ctx, req)
}

func (f *fakeClient) StreamText(ctx context.Context, req provider.TextRequest, onDelta func(string) error) (*provider.StreamResult, error) {
	if f.streamFn == nil {
		return nil, &provider.Error{Code: provider.CodeUpstreamError, Message: "stream not scripted"}
	}
	return f.streamFn(ctx, req, onDelta)
}

func counts(input, output, total int64) *usage.Counts {
	return &usage.Counts{Input: &input, Output: &output, Total: &total}
}

type env struct {
	t      *testing.T
	cfg    config.Config
	conn   *gorm.DB
	ledger *ledger.Ledger
	pool   *freepool.Accountant
	audit  *audit.Recorder
	est    *pricing.Estimator
	router *gin.Engine
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	// Every user is a cohort member unless a test narrows this.
	cfg.Policy.FreeUsersPerDay = 100_000
	return cfg
}

func newEnv(t *testing.T, cfg config.Config, primary, secondary provider.Client) *env {
	t.Helper()

	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	pool := freepool.New(conn, cfg.Policy.DailyPoolTokens)
	led := ledger.New(conn)
	aud := audit.New(conn)
	est := pricing.New(cfg.Pricing.ModelsUSDPerMTok, cfg.Pricing.Markup)

	srv := New(Deps{
		Config:    cfg,
		Admission: admission.New(cfg.Policy.MaxConcurrent),
		Selector:  selector.New(pool, cfg.Policy.FreeUsersPerDay, cfg.Policy.UserDailyCap),
		Estimator: est,
		Rates:     fixedRate(testFxRate),
		Ledger:    led,
		Pool:      pool,
		Audit:     aud,
		Primary:   primary,
		Secondary: secondary,
		Tokenizer: nil,
	})

	return &env{
		t:      t,
		cfg:    cfg,
		conn:   conn,
		ledger: led,
		pool:   pool,
		audit:  aud,
		est:    est,
		router: srv.Router(),
	}
}

func (e *env) token(uid string) string {
	tok, errToken := security.GenerateToken(e.cfg.Auth.JWTSecret, uid, "", time.Hour)
	if errToken != nil {
		e.t.Fatalf("generate token: %v", errToken)
	}
	return tok
}

func (e *env) do(method, path, uid string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, errMarshal := json.Marshal(body)
		if errMarshal != nil {
			e.t.Fatalf("marshal body: %v", errMarshal)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(uid))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) credit(uid string, amount int64) {
	e.t.Helper()
	if _, errCredit := e.ledger.Credit(context.Background(), uid, "seed-"+uid, amount); errCredit != nil {
		e.t.Fatalf("seed credit: %v", errCredit)
	}
}

func (e *env) balance(uid string) int64 {
	e.t.Helper()
	bal, errBalance := e.ledger.Balance(context.Background(), uid)
	if errBalance != nil {
		e.t.Fatalf("read balance: %v", errBalance)
	}
	return bal
}

func (e *env) ledgerEntries(uid string) int64 {
	e.t.Helper()
	var n int64
	if errCount := e.conn.Model(&models.LedgerEntry{}).Where("user_id = ?", uid).Count(&n).Error; errCount != nil {
		e.t.Fatalf("count ledger entries: %v", errCount)
	}
	return n
}

func (e *env) auditRow(reqID string) *models.RequestAudit {
	e.t.Helper()
	row, errGet := e.audit.Get(context.Background(), reqID)
	if errGet != nil {
		e.t.Fatalf("audit row %s: %v", reqID, errGet)
	}
	return row
}

// waitAudit polls for the audit row; settlement of aborted requests finishes
// after the response does.
func (e *env) waitAudit(reqID, wantTermination string) *models.RequestAudit {
	e.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		row, errGet := e.audit.Get(context.Background(), reqID)
		if errGet == nil && row.TerminationReason == wantTermination {
			return row
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatalf("audit row %s never reached termination %s", reqID, wantTermination)
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), errDecode)
	}
	return body
}

func TestPrefillChargesAndAudits(t *testing.T) {
	primary := &fakeClient{
		name: selector.ProviderPrimary,
		textFn: func(_ context.Context, _ provider.TextRequest) (*provider.TextResult, error) {
			c := counts(7000, 3000, 10000)
			return &provider.TextResult{Text: "What limits the daily pool?", Usage: c}, nil
		},
	}
	e := newEnv(t, testConfig(), primary, &fakeClient{name: selector.ProviderSecondary})
	e.credit("user-1", 10_000)

	rec := e.do("POST", "/api/llm/prefill", "user-1", map[string]any{
		"nodeLabel": "daily pool",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["prompt"] != "What limits the daily pool?" {
		t.Fatalf("prompt = %v", body["prompt"])
	}

	est, _ := e.est.Estimate(defaultModel, 10000, 0, testFxRate)
	wantBalance := 10_000 - est.CostIDR
	if got := e.balance("user-1"); got != wantBalance {
		t.Fatalf("balance = %d, want %d", got, wantBalance)
	}
	// Seed credit plus one usage debit.
	if got := e.ledgerEntries("user-1"); got != 2 {
		t.Fatalf("ledger entries = %d, want 2", got)
	}

	row := e.auditRow(rec.Header().Get("X-Request-Id"))
	if row.TerminationReason != terminationSuccess {
		t.Fatalf("termination = %s", row.TerminationReason)
	}
	if row.ChargeStatus != "charged" {
		t.Fatalf("charge status = %s", row.ChargeStatus)
	}
	if row.UsageSource != "provider_reported" || row.TotalTokens != 10000 {
		t.Fatalf("usage = %s/%d", row.UsageSource, row.TotalTokens)
	}
	if !row.FreePoolApplied || row.FreePoolDecrementTokens != 10000 {
		t.Fatalf("pool: applied=%v decrement=%d", row.FreePoolApplied, row.FreePoolDecrementTokens)
	}
	if row.ActualProvider != selector.ProviderPrimary {
		t.Fatalf("actual provider = %s", row.ActualProvider)
	}

	remaining, errPool := e.pool.Remaining(context.Background(), freepool.DateKey(time.Now()))
	if errPool != nil {
		t.Fatalf("pool remaining: %v", errPool)
	}
	if remaining != e.cfg.Policy.DailyPoolTokens-10000 {
		t.Fatalf("pool remaining = %d", remaining)
	}
}

func TestInsufficientBalanceBlocksProviderCall(t *testing.T) {
	called := false
	primary := &fakeClient{
		name: selector.ProviderPrimary,
		textFn: func(_ context.Context, _ provider.TextRequest) (*provider.TextResult, error) {
			called = true
			return &provider.TextResult{Text: "x"}, nil
		},
	}
	e := newEnv(t, testConfig(), primary, &fakeClient{name: selector.ProviderSecondary})

	rec := e.do("POST", "/api/llm/prefill", "user-2", map[string]any{
		"nodeLabel": strings.Repeat("token ", 40),
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if called {
		t.Fatal("provider called despite insufficient balance")
	}
	body := decode(t, rec)
	if body["code"] != codeInsufficient {
		t.Fatalf("code = %v", body["code"])
	}
	needed, balance := body["needed"].(float64), body["balance"].(float64)
	shortfall := body["shortfall"].(float64)
	if balance != 0 || needed <= 0 || shortfall != needed {
		t.Fatalf("needed=%v balance=%v shortfall=%v", needed, balance, shortfall)
	}
	// Only the lazily created balance row; no ledger entries.
	if got := e.ledgerEntries("user-2"); got != 0 {
		t.Fatalf("ledger entries = %d, want 0", got)
	}

	row := e.auditRow(rec.Header().Get("X-Request-Id"))
	if row.TerminationReason != terminationInsufficient || row.ChargeStatus != "insufficient" {
		t.Fatalf("audit: %s/%s", row.TerminationReason, row.ChargeStatus)
	}
}

func TestAdmissionRejectsConcurrentRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	primary := &fakeClient{
		name: selector.ProviderPrimary,
		textFn: func(ctx context.Context, _ provider.TextRequest) (*provider.TextResult, error) {
			close(started)
			<-release
			return &provider.TextResult{Text: "done"}, nil
		},
	}
	cfg := testConfig()
	cfg.Policy.MaxConcurrent = 1
	e := newEnv(t, cfg, primary, &fakeClient{name: selector.ProviderSecondary})
	e.credit("user-3", 100_000)

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		firstDone <- e.do("POST", "/api/llm/prefill", "user-3", map[string]any{"nodeLabel": "a"})
	}()
	<-started

	rec := e.do("POST", "/api/llm/prefill", "user-3", map[string]any{"nodeLabel": "b"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	body := decode(t, rec)
	if body["code"] != codeRateLimited {
		t.Fatalf("code = %v", body["code"])
	}
	row := e.auditRow(rec.Header().Get("X-Request-Id"))
	if row.TerminationReason != terminationRateLimited {
		t.Fatalf("termination = %s", row.TerminationReason)
	}

	close(release)
	if first := <-firstDone; first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
}

func TestChatStreamsAndChargesWordEstimate(t *testing.T) {
	primary := &fakeClient{
		name: selector.ProviderPrimary,
		streamFn: func(_ context.Context, _ provider.TextRequest, onDelta func(string) error) (*provider.StreamResult, error) {
			for _, chunk := range []string{"hello ", "wor", "ld again"} {
				if errDelta := onDelta(chunk); errDelta != nil {
					return nil, errDelta
				}
			}
			return &provider.StreamResult{}, nil
		},
	}
	e := newEnv(t, testConfig(), primary, &fakeClient{name: selector.ProviderSecondary})
	e.credit("user-4", 10_000)

	rec := e.do("POST", "/api/llm/chat", "user-4", map[string]any{
		"userPrompt": "what is this about",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "hello world again" {
		t.Fatalf("stream body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %s", ct)
	}

	row := e.auditRow(rec.Header().Get("X-Request-Id"))
	if row.UsageSource != "word_estimate" {
		t.Fatalf("usage source = %s", row.UsageSource)
	}
	if row.OutputTokens != 3 {
		t.Fatalf("output tokens = %d, want 3", row.OutputTokens)
	}
	if row.ChargeStatus != "charged" {
		t.Fatalf("charge status = %s", row.ChargeStatus)
	}
	if e.balance("user-4") >= 10_000 {
		t.Fatal("balance not debited")
	}
}

func TestChatClientAbortStillSettles(t *testing.T) {
	delivered := make(chan struct{})
	primary := &fakeClient{
		name: selector.ProviderPrimary,
		streamFn: func(ctx context.Context, _ provider.TextRequest, onDelta func(string) error) (*provider.StreamResult, error) {
			if errDelta := onDelta("partial output here "); errDelta != nil {
				return nil, errDelta
			}
			close(delivered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := newEnv(t, testConfig(), primary, &fakeClient{name: selector.ProviderSecondary})
	e.credit("user-5", 10_000)

	ts := httptest.NewServer(e.router)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	payload := bytes.NewReader([]byte(`{"userPrompt":"stream please"}`))
	req, errReq := http.NewRequestWithContext(ctx, "POST", ts.URL+"/api/llm/chat", payload)
	if errReq != nil {
		t.Fatalf("build request: %v", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token("user-5"))

	resp, errDo := http.DefaultClient.Do(req)
	if errDo != nil {
		t.Fatalf("request: %v", errDo)
	}
	reqID := resp.Header.Get("X-Request-Id")

	buf := make([]byte, 8)
	if _, errRead := resp.Body.Read(buf); errRead != nil {
		t.Fatalf("read first chunk: %v", errRead)
	}
	<-delivered
	cancel()
	resp.Body.Close()

	row := e.waitAudit(reqID, terminationClientAbort)
	if row.HTTPStatus != 499 {
		t.Fatalf("http status = %d, want 499", row.HTTPStatus)
	}
	if row.ChargeStatus != "charged" {
		t.Fatalf("charge status = %s; aborted clients still pay for delivered output", row.ChargeStatus)
	}
	if row.OutputTokens == 0 {
		t.Fatal("output tokens not recorded")
	}
	if e.balance("user-5") >= 10_000 {
		t.Fatal("balance not debited after abort")
	}
}

func TestAnalyzeRetriesInvalidSkeletonOnce(t *testing.T) {
	calls := 0
	valid := `{"nodes":[{"id":"n1","label":"Topic","summary":"A summary."}]}`
	primary := &fakeClient{
		name: selector.ProviderPrimary,
		structuredFn: func(_ context.Context, req provider.StructuredRequest) (*provider.StructuredResult, error) {
			calls++
			c := counts(100, 50, 150)
			if calls == 1 {
				return &provider.StructuredResult{JSON: json.RawMessage(`{"nodes":[]}`), Usage: c}, nil
			}
			// The retry prompt carries the validation feedback.
			last := req.Messages[len(req.Messages)-1]
			if !strings.Contains(last.Content, "invalid") {
				t.Errorf("retry prompt missing feedback: %q", last.Content)
			}
			return &provider.StructuredResult{JSON: json.RawMessage(valid), Usage: c}, nil
		},
	}
	e := newEnv(t, testConfig(), primary, &fakeClient{name: selector.ProviderSecondary})
	e.credit("user-6", 10_000)

	rec := e.do("POST", "/api/llm/paper-analyze", "user-6", map[string]any{
		"text": "The quick brown fox jumps over the lazy dog.",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2", calls)
	}
	body := decode(t, rec)
	result, errMarshal := json.Marshal(body["json"])
	if errMarshal != nil {
		t.Fatalf("re-marshal: %v", errMarshal)
	}
	if !jsonEqual(string(result), valid) {
		t.Fatalf("json = %s, want %s", result, valid)
	}

	// Usage from both attempts is billed.
	row := e.auditRow(rec.Header().Get("X-Request-Id"))
	if row.TotalTokens != 300 {
		t.Fatalf("total tokens = %d, want 300", row.TotalTokens)
	}
	if row.UsageSource != "provider_reported" {
		t.Fatalf("usage source = %s", row.UsageSource)
	}
}

func TestAnalyzeFailsAfterSecondInvalidSkeleton(t *testing.T) {
	calls := 0
	primary := &fakeClient{
		name: selector.ProviderPrimary,
		structuredFn: func(_ context.Context, _ provider.StructuredRequest) (*provider.StructuredResult, error) {
			calls++
			return &provider.StructuredResult{JSON: json.RawMessage(`{"nodes":[]}`), Usage: counts(100, 50, 150)}, nil
		},
	}
	e := newEnv(t, testConfig(), primary, &fakeClient{name: selector.ProviderSecondary})
	e.credit("user-7", 10_000)

	rec := e.do("POST", "/api/llm/paper-analyze", "user-7", map[string]any{
		"text": "Some document text to analyze.",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2", calls)
	}
	body := decode(t, rec)
	if body["code"] != codeStructuredInvalid {
		t.Fatalf("code = %v", body["code"])
	}
	// Both failed attempts are still billed: output was produced.
	row := e.auditRow(rec.Header().Get("X-Request-Id"))
	if row.TerminationReason != terminationStructuredInvalid {
		t.Fatalf("termination = %s", row.TerminationReason)
	}
	if row.ChargeStatus != "charged" || row.TotalTokens != 300 {
		t.Fatalf("charge=%s tokens=%d", row.ChargeStatus, row.TotalTokens)
	}
}

func TestStructuredTrustForcesSecondary(t *testing.T) {
	var secondaryCalled bool
	secondary := &fakeClient{
		name: selector.ProviderSecondary,
		structuredFn: func(_ context.Context, _ provider.StructuredRequest) (*provider.StructuredResult, error) {
			secondaryCalled = true
			return &provider.StructuredResult{
				JSON:  json.RawMessage(`{"nodes":[{"id":"n1","label":"L","summary":"S"}]}`),
				Usage: counts(100, 50, 150),
			}, nil
		},
	}
	cfg := testConfig()
	cfg.Policy.StructuredTrust = true
	e := newEnv(t, cfg, &fakeClient{name: selector.ProviderPrimary}, secondary)
	e.credit("user-8", 10_000)

	rec := e.do("POST", "/api/llm/paper-analyze", "user-8", map[string]any{
		"text": "Another document.",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !secondaryCalled {
		t.Fatal("secondary provider not called")
	}
	row := e.auditRow(rec.Header().Get("X-Request-Id"))
	if row.ActualProvider != selector.ProviderSecondary {
		t.Fatalf("actual provider = %s", row.ActualProvider)
	}
	// The subsidy never applies off the primary provider.
	if row.FreePoolApplied {
		t.Fatal("free pool applied on forced secondary route")
	}
}

func TestValidationRejects(t *testing.T) {
	e := newEnv(t, testConfig(), &fakeClient{name: selector.ProviderPrimary}, &fakeClient{name: selector.ProviderSecondary})

	cases := []struct {
		name string
		path string
		body map[string]any
		code int
	}{
		{"analyze missing text", "/api/llm/paper-analyze", map[string]any{}, http.StatusBadRequest},
		{"analyze oversized text", "/api/llm/paper-analyze",
			map[string]any{"text": strings.Repeat("x", e.cfg.Limits.AnalyzeTextMax+1)}, http.StatusRequestEntityTooLarge},
		{"analyze unknown model", "/api/llm/paper-analyze",
			map[string]any{"text": "hi", "model": "gpt-unknown"}, http.StatusBadRequest},
		{"analyze nodeCount out of range", "/api/llm/paper-analyze",
			map[string]any{"text": "hi", "nodeCount": 999}, http.StatusBadRequest},
		{"chat missing prompt", "/api/llm/chat", map[string]any{}, http.StatusBadRequest},
		{"chat bad history role", "/api/llm/chat",
			map[string]any{"userPrompt": "hi", "context": map[string]any{
				"recentHistory": []map[string]any{{"role": "system", "text": "x"}},
			}}, http.StatusBadRequest},
		{"prefill missing label", "/api/llm/prefill", map[string]any{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := e.do("POST", tc.path, "user-9", tc.body)
		if rec.Code != tc.code {
			t.Errorf("%s: status = %d, want %d (body %s)", tc.name, rec.Code, tc.code, rec.Body.String())
			continue
		}
		row := e.auditRow(rec.Header().Get("X-Request-Id"))
		if row.TerminationReason != terminationValidationError {
			t.Errorf("%s: termination = %s", tc.name, row.TerminationReason)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t, testConfig(), &fakeClient{name: selector.ProviderPrimary}, &fakeClient{name: selector.ProviderSecondary})

	rec := e.do("GET", "/api/rupiah/balance", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/rupiah/balance", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	out := httptest.NewRecorder()
	e.router.ServeHTTP(out, req)
	if out.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", out.Code)
	}
}

func TestTopupIsIdempotentPerOrder(t *testing.T) {
	e := newEnv(t, testConfig(), &fakeClient{name: selector.ProviderPrimary}, &fakeClient{name: selector.ProviderSecondary})

	first := e.do("POST", "/api/rupiah/topup", "user-10", map[string]any{"order_id": "ord-1", "amount": 50_000})
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body %s", first.Code, first.Body.String())
	}
	body := decode(t, first)
	if body["applied"] != true || body["balance"].(float64) != 50_000 {
		t.Fatalf("first topup: %v", body)
	}

	second := e.do("POST", "/api/rupiah/topup", "user-10", map[string]any{"order_id": "ord-1", "amount": 50_000})
	body = decode(t, second)
	if body["applied"] != false || body["balance"].(float64) != 50_000 {
		t.Fatalf("replayed topup: %v", body)
	}

	rec := e.do("GET", "/api/rupiah/balance", "user-10", nil)
	body = decode(t, rec)
	if body["balance"].(float64) != 50_000 {
		t.Fatalf("balance: %v", body)
	}
}

func TestUpstreamErrorSkipsChargeWithoutOutput(t *testing.T) {
	primary := &fakeClient{
		name: selector.ProviderPrimary,
		textFn: func(_ context.Context, _ provider.TextRequest) (*provider.TextResult, error) {
			return nil, &provider.Error{Code: provider.CodeUpstreamError, Status: 500, Message: "boom"}
		},
	}
	e := newEnv(t, testConfig(), primary, &fakeClient{name: selector.ProviderSecondary})
	e.credit("user-11", 10_000)

	rec := e.do("POST", "/api/llm/prefill", "user-11", map[string]any{"nodeLabel": "x"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["code"] != codeUpstreamError {
		t.Fatalf("code = %v", body["code"])
	}

	row := e.auditRow(rec.Header().Get("X-Request-Id"))
	if row.TerminationReason != terminationUpstreamError {
		t.Fatalf("termination = %s", row.TerminationReason)
	}
	if row.ChargeStatus != "skipped" {
		t.Fatalf("charge status = %s; failed calls with no output are free", row.ChargeStatus)
	}
	if got := e.balance("user-11"); got != 10_000 {
		t.Fatalf("balance = %d, want untouched 10000", got)
	}
}

func TestHealthAndMetricsOpen(t *testing.T) {
	e := newEnv(t, testConfig(), &fakeClient{name: selector.ProviderPrimary}, &fakeClient{name: selector.ProviderSecondary})

	if rec := e.do("GET", "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if rec := e.do("GET", "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func jsonEqual(a, b string) bool {
	var av, bv any
	if json.Unmarshal([]byte(a), &av) != nil || json.Unmarshal([]byte(b), &bv) != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return bytes.Equal(ab, bb)
}
