package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	escrowReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servio",
			Name:      "escrow_releases_total",
			Help:      "Payments released from escrow to the provider, by trigger.",
		},
		[]string{"trigger"},
	)

	escrowReversals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servio",
			Name:      "escrow_reversals_total",
			Help:      "Payments reversed away from the provider, by outcome.",
		},
		[]string{"outcome"},
	)

	gatewayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servio",
			Name:      "gateway_events_total",
			Help:      "Gateway webhook events by reported status.",
		},
		[]string{"status"},
	)

	sweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "servio",
			Name:      "confirmation_sweep_runs_total",
			Help:      "Expiry sweep executions.",
		},
	)

	sweepClaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "servio",
			Name:      "confirmation_auto_releases_total",
			Help:      "Confirmations auto-released by the expiry sweep.",
		},
	)
)

// Register registers all engine metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			escrowReleases,
			escrowReversals,
			gatewayEvents,
			sweepRuns,
			sweepClaims,
		)
	})
}

func IncEscrowRelease(trigger string)  { escrowReleases.WithLabelValues(trigger).Inc() }
func IncEscrowReversal(outcome string) { escrowReversals.WithLabelValues(outcome).Inc() }
func IncGatewayEvent(status string)    { gatewayEvents.WithLabelValues(status).Inc() }
func IncSweepRun()                     { sweepRuns.Inc() }
func IncSweepClaim()                   { sweepClaims.Inc() }
