// Package server carries the HTTP surface: gin router, middleware and the
// generic metered pipeline every LLM endpoint runs through.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kertaslab/papergate/internal/admission"
	"github.com/kertaslab/papergate/internal/audit"
	"github.com/kertaslab/papergate/internal/config"
	"github.com/kertaslab/papergate/internal/fx"
	"github.com/kertaslab/papergate/internal/ledger"
	"github.com/kertaslab/papergate/internal/freepool"
	"github.com/kertaslab/papergate/internal/pricing"
	"github.com/kertaslab/papergate/internal/provider"
	"github.com/kertaslab/papergate/internal/selector"
	"github.com/kertaslab/papergate/internal/usage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// RateSource supplies the USD to IDR rate for pricing.
type RateSource interface {
	Current(ctx context.Context) fx.Rate
}

// Deps bundles everything the server needs. All services are long-lived and
// shared across requests; per-request state lives in the pipeline.
type Deps struct {
	Config    config.Config
	Admission *admission.Controller
	Selector  *selector.Selector
	Estimator *pricing.Estimator
	Rates     RateSource
	Ledger    *ledger.Ledger
	Pool      *freepool.Accountant
	Audit     *audit.Recorder
	Primary   provider.Client
	Secondary provider.Client
	// Tokenizer supplies the exact-count tier per logical model. Nil means
	// the usage waterfall skips straight to word estimates.
	Tokenizer func(logicalModel string) usage.Tokenizer
}

// Server owns the HTTP layer.
type Server struct {
	cfg       config.Config
	admission *admission.Controller
	selector  *selector.Selector
	estimator *pricing.Estimator
	rates     RateSource
	ledger    *ledger.Ledger
	pool      *freepool.Accountant
	audit     *audit.Recorder
	primary   provider.Client
	secondary provider.Client
	tokenizer func(logicalModel string) usage.Tokenizer
}

// New constructs a Server from its dependencies.
func New(deps Deps) *Server {
	return &Server{
		cfg:       deps.Config,
		admission: deps.Admission,
		selector:  deps.Selector,
		estimator: deps.Estimator,
		rates:     deps.Rates,
		ledger:    deps.Ledger,
		pool:      deps.Pool,
		audit:     deps.Audit,
		primary:   deps.Primary,
		secondary: deps.Secondary,
		tokenizer: deps.Tokenizer,
	}
}

// DefaultTokenizer builds tiktoken counters keyed by model family encoding,
// shared across requests.
func DefaultTokenizer() func(logicalModel string) usage.Tokenizer {
	var mu sync.Mutex
	counters := make(map[string]*usage.TiktokenCounter)
	return func(logicalModel string) usage.Tokenizer {
		enc := usage.EncodingForModel(logicalModel)
		mu.Lock()
		defer mu.Unlock()
		counter, ok := counters[enc]
		if !ok {
			counter = usage.NewTiktokenCounter(enc)
			counters[enc] = counter
		}
		return counter
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(s.authMiddleware())

	api.POST("/llm/paper-analyze", s.handleAnalyze)
	api.POST("/llm/chat", s.handleChat)
	api.POST("/llm/prefill", s.handlePrefill)

	api.GET("/rupiah/balance", s.handleBalance)
	api.POST("/rupiah/topup", s.handleTopup)

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.cfg.Server.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// newTracker builds the per-request usage accumulator.
func (s *Server) newTracker(logicalModel string) *usage.Tracker {
	var tok usage.Tokenizer
	if s.tokenizer != nil {
		tok = s.tokenizer(logicalModel)
	}
	return usage.NewTracker(tok, s.cfg.Limits.TokenizeCharsMax)
}

// clientFor resolves the provider adapter by selector name.
func (s *Server) clientFor(name string) provider.Client {
	if name == selector.ProviderPrimary {
		return s.primary
	}
	return s.secondary
}

// providerModelID maps a logical model onto the provider's own model ID.
func (s *Server) providerModelID(providerName, logicalModel string) (string, bool) {
	var m map[string]string
	if providerName == selector.ProviderPrimary {
		m = s.cfg.Providers.Primary.ModelMap
	} else {
		m = s.cfg.Providers.Secondary.ModelMap
	}
	id, ok := m[logicalModel]
	return id, ok
}
