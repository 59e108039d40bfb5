package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/applaude-labs/applaude-go/internal/platform/metrics"
	runsvc "github.com/applaude-labs/applaude-go/internal/service/runs"
)

// startReaper schedules FailStale and stops it when ctx is done.
func startReaper(ctx context.Context, logger *slog.Logger, runs *runsvc.Service, rec *metrics.Recorder, cfg config) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(cfg.ReaperSchedule, func() {
		reapCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := runs.FailStale(reapCtx, cfg.StaleAfter, cfg.ReaperBatch)
		if rec != nil {
			rec.ReaperFailed(n)
		}
		if err != nil {
			logger.Error("reaper failed", "error", err, "failed", n)
			return
		}
		if n > 0 {
			logger.Info("reaper pass", "failed", n, "stale_after", cfg.StaleAfter.String())
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
