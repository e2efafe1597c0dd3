// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts finished metered requests by endpoint, provider
	// and termination reason.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "papergate",
		Name:      "requests_total",
		Help:      "Finished metered requests.",
	}, []string{"endpoint", "provider", "termination"})

	// RequestsInFlight tracks admitted requests currently holding a slot.
	RequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "papergate",
		Name:      "requests_in_flight",
		Help:      "Requests holding an admission slot.",
	})

	// StreamsInFlight tracks chat streams currently relaying deltas.
	StreamsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "papergate",
		Name:      "streams_in_flight",
		Help:      "Chat completions currently streaming.",
	})

	// AdmissionRejects counts requests refused at the admission gate.
	AdmissionRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "papergate",
		Name:      "admission_rejects_total",
		Help:      "Requests rejected by the per-user concurrency limit.",
	})

	// TokensCharged accumulates billed tokens by usage source.
	TokensCharged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "papergate",
		Name:      "tokens_charged_total",
		Help:      "Tokens billed, by how the count was obtained.",
	}, []string{"source"})

	// RupiahCharged accumulates the rupiah actually debited.
	RupiahCharged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "papergate",
		Name:      "rupiah_charged_total",
		Help:      "Rupiah debited from user balances.",
	})

	// FreePoolSpends counts post-hoc subsidy applications.
	FreePoolSpends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "papergate",
		Name:      "free_pool_spends_total",
		Help:      "Requests whose tokens were drawn from the daily free pool.",
	})
)
