package escrow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler periodically re-drives payment reversals that failed after
// their request was cancelled. Cancellation is terminal on the request,
// so nothing in the user-facing flow can retry the unwind; this loop
// guarantees a cancelled request never keeps money held.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	log      zerolog.Logger
}

func NewReconciler(svc *Service, interval time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{svc: svc, interval: interval, log: log}
}

// Run blocks until ctx is cancelled, reconciling once per interval.
func (w *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("escrow reconciler started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("escrow reconciler stopped")
			return
		case <-ticker.C:
			reversed, err := w.svc.ReconcileCancelled(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("escrow reconciliation failed")
				continue
			}
			if reversed > 0 {
				w.log.Info().Int("reversed", reversed).Msg("escrow reconciliation reversed held payments")
			}
		}
	}
}
