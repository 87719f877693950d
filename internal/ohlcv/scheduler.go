package ohlcv

import (
	"context"
	"fmt"
	"log/slog"

	"tickvault/internal/config"
	"tickvault/internal/util"
)

// Scheduler walks every (configured interval × eligible ticker) pair and
// drives fetch-and-store, pacing each fetch through the smoothed limiter.
type Scheduler struct {
	Fetch   *FetchService
	Limiter util.Limiter
	State   *config.Store

	log *slog.Logger
}

// NewScheduler wires a Scheduler.
func NewScheduler(fetch *FetchService, limiter util.Limiter, state *config.Store) *Scheduler {
	return &Scheduler{
		Fetch:   fetch,
		Limiter: limiter,
		State:   state,
		log:     slog.Default().With("component", "scheduler"),
	}
}

// Run performs one full sweep. Per-ticker failures are logged and skipped;
// the registry is saved once at the end even if the sweep is cut short.
func (sch *Scheduler) Run(ctx context.Context) error {
	intervals, err := sch.State.Intervals()
	if err != nil {
		return fmt.Errorf("loading intervals: %w", err)
	}
	if len(intervals) == 0 {
		sch.log.Warn("no intervals configured, nothing to do")
		return nil
	}

	defer func() {
		if err := sch.Fetch.Registry.Save(); err != nil {
			sch.log.Error("saving registry", "error", err)
		}
	}()

	for _, interval := range intervals {
		tickers := sch.Fetch.Registry.EligibleTickers(interval)
		sch.log.Info("sweeping interval", "interval", interval, "tickers", len(tickers))

		for _, ticker := range tickers {
			if err := sch.Limiter.Wait(ctx); err != nil {
				return err
			}
			if err := sch.Fetch.UpdateTicker(ctx, ticker, interval); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				sch.log.Error("ticker update failed",
					"ticker", ticker,
					"interval", interval,
					"error", err,
				)
			}
		}
	}
	return nil
}

// ConfirmNotFounds probes every globally not_found ticker with a minimal
// daily fetch and restores the ones that answer. Returns the number restored;
// the registry is saved once at the end.
func (sch *Scheduler) ConfirmNotFounds(ctx context.Context) (int, error) {
	reg := sch.Fetch.Registry
	tickers := reg.NotFoundTickers()
	restored := 0

	for _, ticker := range tickers {
		if err := sch.Limiter.Wait(ctx); err != nil {
			break
		}
		bars, err := sch.Fetch.Client.HistoryPeriod(ctx, ticker, "1d", "5d")
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			sch.log.Warn("probe failed", "ticker", ticker, "error", err)
			continue
		}
		if len(bars) > 0 {
			reg.MarkFound(ticker, "1d", newestBarTime(bars))
			restored++
			sch.log.Info("ticker restored", "ticker", ticker)
		}
	}

	if err := reg.Save(); err != nil {
		return restored, err
	}
	return restored, ctx.Err()
}
