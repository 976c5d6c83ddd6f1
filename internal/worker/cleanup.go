// Package worker runs periodic maintenance jobs.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Sweeper deletes refresh rows that can no longer be exchanged.
type Sweeper interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// Cleanup runs the refresh-token retention sweep on a cron schedule.
type Cleanup struct {
	sweeper   Sweeper
	retention time.Duration
	timeout   time.Duration
	cron      *cron.Cron
	logger    *zap.Logger
}

// NewCleanup validates schedule and registers the job.
func NewCleanup(sweeper Sweeper, schedule string, retention time.Duration, logger *zap.Logger) (*Cleanup, error) {
	if logger == nil {
		logger = zap.L()
	}
	cl := cronLogger{logger: logger.Named("cron")}
	c := &Cleanup{
		sweeper:   sweeper,
		retention: retention,
		timeout:   time.Minute,
		logger:    logger,
		cron:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
	if _, err := c.cron.AddFunc(schedule, func() { _, _ = c.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", schedule, err)
	}
	return c, nil
}

// RunOnce performs a single sweep.
func (c *Cleanup) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	n, err := c.sweeper.Cleanup(ctx, c.retention)
	if err != nil {
		c.logger.Error("refresh token cleanup failed", zap.Error(err))
		return 0, err
	}
	c.logger.Info("refresh token cleanup",
		zap.Int64("deleted", n),
		zap.Duration("retention", c.retention),
		zap.Duration("took", time.Since(start)),
	)
	return n, nil
}

// Register ties the scheduler to the fx lifecycle.
func Register(lc fx.Lifecycle, c *Cleanup) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.cron.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-c.cron.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
