package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/sovereign/internal/metrics"
)

// expiryWorker is the backstop sweep behind the per-request expiry timers:
// it catches requests whose timers were lost to a crash or a missed fire.
func (o *Orchestrator) expiryWorker(ctx context.Context) error {
	interval := o.deps.Gateway.ExpiryInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := o.deps.Gateway.ExpireDue(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				o.log.Info().Int("expired", n).Msg("Expiry sweep rejected stale approvals")
			}
		}
	}
}

// vitalsWorker reads account equity on the configured cadence, publishes it
// to metrics, and runs the Guardian's daily-loss check.
func (o *Orchestrator) vitalsWorker(ctx context.Context) error {
	interval := o.cfg.Guardian.VitalsInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.checkVitals(ctx); err != nil {
				return err
			}
		}
	}
}

func (o *Orchestrator) checkVitals(ctx context.Context) error {
	equity, err := o.deps.Client.Equity(ctx)
	if err != nil {
		return err
	}
	f, _ := equity.Float64()
	metrics.EquityZAR.Set(f)

	report, err := o.deps.Guardian.CheckVitals(ctx, equity, uuid.New())
	if err != nil {
		return err
	}
	if report.LockTriggered {
		o.log.Error().
			Str("daily_loss_zar", report.DailyLossZAR.String()).
			Str("daily_loss_pct", report.DailyLossPct.String()).
			Msg("Vitals check engaged the guardian hard stop")
	}
	return nil
}
