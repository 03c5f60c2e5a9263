// Package reaper runs the scheduled maintenance sweep: stale horizon
// references are re-submitted to the fetch engine and expired server
// keys are dropped from the cache.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"hearth/pkg/config"
	"hearth/pkg/dbs"
	"hearth/pkg/id"
	"hearth/pkg/keys"
	"hearth/pkg/logger"
	"hearth/pkg/vm"
)

// Start launches the scheduler when enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.Config, d *dbs.DBS, m *vm.VM, kc *keys.Cache) (context.CancelFunc, error) {
	if !cfg.Reaper.Enabled {
		logger.Info("reaper_disabled")
		return func() {}, nil
	}
	cronExpr := cfg.Reaper.Cron
	if cronExpr == "" {
		cronExpr = "*/15 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("reaper_invalid_cron", "cron", cfg.Reaper.Cron)
		return nil, fmt.Errorf("invalid reaper cron expression: %s", cfg.Reaper.Cron)
	}
	retry := cfg.Reaper.HorizonRetry
	if retry <= 0 {
		retry = 64
	}
	logger.Info("reaper_enabled", "cron", cronExpr, "horizon_retry", retry)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, d, m, kc, retry)
	return cancel, nil
}

// runScheduler computes the next tick from the cron expression and
// sleeps until then.
func runScheduler(ctx context.Context, cronExpr string, d *dbs.DBS, m *vm.VM, kc *keys.Cache, retry int) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("reaper_scheduler_stopping")
			return
		default:
		}
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("reaper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(time.Until(next)):
			runOnce(ctx, d, m, kc, retry)
		case <-ctx.Done():
			logger.Info("reaper_scheduler_stopping")
			return
		}
	}
}

// runOnce performs one sweep.
func runOnce(ctx context.Context, d *dbs.DBS, m *vm.VM, kc *keys.Cache, retry int) {
	start := time.Now()
	expired := kc.Expire(start)

	resubmitted := 0
	refetched := map[string]struct{}{}
	it, err := d.DB.Column(dbs.ColHorizon).NewIter()
	if err != nil {
		logger.Error("reaper_horizon_iter_failed", "error", err)
		return
	}
	roomCol := d.DB.Column(dbs.ColRoomID)
	for err = it.First(ctx); err == nil && it.Valid() && resubmitted < retry; err = it.Next(ctx) {
		k := it.Key()
		if len(k) < 10 || k[len(k)-10] != 0 {
			continue
		}
		eventID := string(k[:len(k)-10])
		if _, ok := refetched[eventID]; ok {
			continue
		}
		refetched[eventID] = struct{}{}
		referrer := dbs.ReadU64BE(k[len(k)-8:])
		roomVal, gerr := roomCol.Get(dbs.U64BE(referrer))
		if gerr != nil {
			continue
		}
		resubmitted++
		if ferr := m.FetchMissing(ctx, id.ID(roomVal), id.ID(eventID)); ferr != nil {
			logger.Debug("reaper_refetch_failed", "event_id", eventID, "error", ferr)
		}
	}
	_ = it.Close()
	logger.Info("reaper_sweep_done",
		"resubmitted", resubmitted,
		"keys_expired", expired,
		"took_ms", time.Since(start).Milliseconds())
}
