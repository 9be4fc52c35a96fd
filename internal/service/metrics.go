package service

import (
	"errors"

	"reel-server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_pipeline_stage_transitions_total",
			Help: "Total number of story stage changes, partitioned by source and target stage.",
		},
		[]string{"from", "to"},
	)
	staleResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_pipeline_stale_results_total",
			Help: "Total number of provider results discarded because their attempt was superseded.",
		},
		[]string{"kind"},
	)
	generationResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_pipeline_generation_results_total",
			Help: "Total number of applied artifact generation results, partitioned by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
