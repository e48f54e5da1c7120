package confirmation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper runs the expiry sweep on a fixed interval, independent of user
// traffic. It is the liveness guarantee of the escrow: a silent client
// cannot withhold a provider's payment forever.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	log      zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, log: log}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("confirmation sweeper started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("confirmation sweeper stopped")
			return
		case <-ticker.C:
			released, err := w.svc.SweepExpired(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if released > 0 {
				w.log.Info().Int("released", released).Msg("expiry sweep released confirmations")
			}
		}
	}
}
