// Package supervise keeps long-lived tasks running.
package supervise

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// DefaultRestartInterval is the pause before a failed task is restarted.
const DefaultRestartInterval = time.Second

// Task is a long-lived unit of work. It should return only when ctx is done
// or when it fails.
type Task func(ctx context.Context) error

// Options holds tunable parameters for Run.
type Options struct {
	RestartInterval time.Duration
	// OnRestart, when set, is called before each restart.
	OnRestart func(name string, err error)
}

// Run executes task until ctx is done. A task that returns an error or
// panics is restarted after a fixed interval; a task that returns nil is
// not restarted. Run returns nil once ctx is done.
func Run(ctx context.Context, name string, task Task, logger *zap.Logger, opts Options) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.RestartInterval
	if interval <= 0 {
		interval = DefaultRestartInterval
	}
	retry := &backoff.Backoff{Min: interval, Max: interval, Factor: 1}
	log := logger.With(zap.String("task", name))

	for {
		err := runOnce(ctx, task)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			log.Info("task finished")
			return nil
		}

		wait := retry.Duration()
		log.Error("task failed, restarting", zap.Error(err), zap.Duration("in", wait))
		if opts.OnRestart != nil {
			opts.OnRestart(name, err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func runOnce(ctx context.Context, task Task) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = task(ctx) })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}
