package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runHousekeeping sweeps the session store and refreshes currency rates
// on a timer (spec §5: "a short-lived housekeeping task is spawned
// periodically"; spec §4.8: "exchange rates are refreshed hourly by
// housekeeping").
func (d *Daemon) runHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HousekeepingEvery)
	defer ticker.Stop()

	rateTicker := time.NewTicker(time.Hour)
	defer rateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepSessions()
		case <-rateTicker.C:
			d.refreshRates(ctx)
		}
	}
}

func (d *Daemon) sweepSessions() {
	if d.sessions == nil {
		return
	}
	start := time.Now()
	expired := d.sessions.Housekeeping()
	dur := time.Since(start)

	d.logger.Debug("housekeeping swept sessions", zap.Int("expired", expired), zap.Duration("duration", dur))

	if d.metrics != nil {
		stats := d.sessions.Stats()
		d.metrics.SessionsTotal.Set(float64(stats.Sessions))
		d.metrics.AliasesTotal.Set(float64(stats.Aliases))
		d.metrics.HousekeepingDuration.Observe(dur.Seconds())
	}
}

func (d *Daemon) refreshRates(ctx context.Context) {
	if d.currencies == nil {
		return
	}
	if err := d.currencies.Refresh(ctx); err != nil {
		d.logger.Warn("currency rate refresh failed", zap.Error(err))
	}
}
