// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookbot_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_events_total",
			Help: "Inbound events by channel and final pipeline state",
		},
		[]string{"channel", "state"},
	)

	ResponderOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_responder_outcomes_total",
			Help: "Responder invocations by outcome",
		},
		[]string{"status"}, // "success" or "fallback"
	)

	ResponderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookbot_responder_duration_seconds",
			Help:    "Responder latency including retries",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
		},
	)

	DeliveryChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_delivery_chunks_total",
			Help: "Outbound chunks by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	CatalogLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_catalog_lookups_total",
			Help: "Catalog lookups by outcome",
		},
		[]string{"outcome"}, // "hit", "empty", "error"
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"reason"}, // "window" or "burst"
	)

	ConversationsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_conversations_swept_total",
			Help: "Conversations moved by the idle sweeper",
		},
		[]string{"to"},
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookbot_workers_busy",
			Help: "Background completions in flight",
		},
	)
)
