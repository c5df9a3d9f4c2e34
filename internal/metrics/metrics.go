package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and gauges for the issuing and redemption paths. Registered on
// the default registry and served by promhttp in cmd/api.
var (
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_redemptions_total",
		Help: "Redemption attempts by outcome.",
	}, []string{"outcome"})

	RotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_rotations_total",
		Help: "Sessions minted by rotation loops.",
	})

	RotationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_rotation_failures_total",
		Help: "Rotation ticks that could not write a successor session.",
	})

	ActiveIssuers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qrattend_active_issuers",
		Help: "Lecturers with a live rotation loop.",
	})

	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_store_retries_total",
		Help: "Retried store calls after transient failures.",
	})
)
