package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_provider_calls_total",
			Help: "Total number of provider calls, partitioned by outcome.",
		},
		[]string{"provider", "model", "outcome"},
	)
	providerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reel_provider_call_duration_seconds",
			Help:    "Histogram of provider call durations.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"provider"},
	)
	providerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_provider_retries_total",
			Help: "Total number of provider call retries, partitioned by error kind.",
		},
		[]string{"provider", "kind"},
	)
	providerCostMicros = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_provider_cost_micros_total",
			Help: "Billed provider cost in micros of the billing currency.",
		},
		[]string{"provider", "model"},
	)
)
