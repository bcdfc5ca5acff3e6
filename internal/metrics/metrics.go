// Package metrics holds the prometheus instruments for the engine,
// registered on the default registry and served by promhttp in cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts verification outcomes. outcome is "accept" or
	// "reject"; reason is the rejection reason or the flag state on accept.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_scans_total",
		Help: "Scan verification outcomes.",
	}, []string{"outcome", "reason"})

	// RotationsTotal counts token rotations by status ("ok", "retry", "failed").
	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_token_rotations_total",
		Help: "Token rotation attempts.",
	}, []string{"status"})

	// ActiveSessions tracks the number of sessions currently rotating.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_active_sessions",
		Help: "Sessions currently active.",
	})

	// SessionsStartedTotal counts session starts.
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_started_total",
		Help: "Sessions started.",
	})

	// SessionsStoppedTotal counts session stops by cause ("manual", "rotation_failure").
	SessionsStoppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_sessions_stopped_total",
		Help: "Sessions stopped.",
	}, []string{"cause"})
)
