package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjasion/balena-home/office-status/notifier"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.sugar.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// StartRefresh calls Refresh on schedule, a standard five-field cron expression or
// a descriptor such as "@every 1h". The returned function stops the
// scheduler and waits for a running refresh to finish.
func (l *Loop) StartRefresh(ctx context.Context, schedule string) (func(), error) {
	logger := cronLogger{sugar: l.logger.Named("refresh").Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := c.AddFunc(schedule, func() {
		if err := l.Refresh(ctx); err != nil {
			if errors.Is(err, notifier.ErrHalted) {
				l.logger.Warn("Skipping status refresh, notifier halted")
				return
			}
			if ctx.Err() == nil {
				l.logger.Warn("Status refresh failed", zap.Error(err))
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}

	c.Start()
	l.logger.Info("Status refresh scheduled", zap.String("schedule", schedule))

	return func() { <-c.Stop().Done() }, nil
}
