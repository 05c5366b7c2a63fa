package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// unitsTotal counts finished units by pool and outcome
	unitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_units_total",
			Help: "Total number of finished units by pool and outcome",
		},
		[]string{"pool", "outcome"}, // "succeeded", "failed"
	)

	unitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_unit_duration_seconds",
			Help:    "Unit execution time in seconds by pool",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
		},
		[]string{"pool"},
	)

	unitsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_units_in_flight",
			Help: "Number of units currently executing by pool",
		},
		[]string{"pool"},
	)
)
