package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/logger"
)

// Sweeper runs the time-to-live sweep on a cron schedule.
type Sweeper struct {
	svc  *Service
	cron string
}

// NewSweeper validates cronExpr and returns a sweeper for svc.
func NewSweeper(svc *Service, cronExpr string) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	return &Sweeper{svc: svc, cron: cronExpr}, nil
}

// RunOnce sweeps every kind immediately.
func (sw *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := sw.svc.SweepExpired(ctx)
	if err != nil {
		logger.Log.Error("retention_run_error", zap.Error(err))
		return n, err
	}
	logger.Log.Info("retention_run_complete", zap.Int64("deleted", n))
	return n, nil
}

// Run blocks, sweeping at every tick of the schedule until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	logger.Log.Info("retention_scheduler_started", zap.String("cron", sw.cron))
	for {
		next, err := gronx.NextTickAfter(sw.cron, time.Now(), false)
		if err != nil {
			logger.Log.Error("retention_nexttick_failed", zap.String("cron", sw.cron), zap.Error(err))
			next = time.Now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Log.Info("retention_scheduler_stopping")
			return
		case <-timer.C:
			_, _ = sw.RunOnce(ctx)
		}
	}
}
