package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSpec sweeps twice a minute.
const DefaultSpec = "@every 30s"

// Runner repeats a sweep on a cron schedule. A sweep still running when the
// next one is due causes that tick to be skipped.
type Runner struct {
	sweeper *Sweeper
	spec    string
	logger  *slog.Logger
}

// NewRunner creates a Runner. An empty spec uses DefaultSpec.
func NewRunner(sweeper *Sweeper, spec string, logger *slog.Logger) *Runner {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Runner{sweeper: sweeper, spec: spec, logger: logger}
}

// Run schedules sweeps and blocks until ctx is cancelled. It waits for an
// in-flight sweep before returning.
func (r *Runner) Run(ctx context.Context) error {
	cl := cronLogger{r.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(r.spec, func() { r.sweeper.Sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", r.spec, err)
	}

	r.logger.InfoContext(ctx, "scheduler started", slog.String("spec", r.spec))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
