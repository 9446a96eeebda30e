// Package scheduler drives time-based auction transitions. A Sweeper finds
// auctions whose start or end time has passed and moves each one through the
// engine; a Runner repeats the sweep on a cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
	"github.com/jensholdgaard/nft-auction-engine/internal/telemetry"
)

// Finder lists auctions due for a time-based transition.
type Finder interface {
	FindDue(ctx context.Context, kind store.DueKind, now time.Time) ([]store.Auction, error)
}

// Engine applies time-based transitions. Each call reports false when the
// auction was no longer eligible.
type Engine interface {
	StartDue(ctx context.Context, id string) (bool, error)
	EndDue(ctx context.Context, id string) (bool, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Started int `json:"started"`
	Ended   int `json:"ended"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Sweeper performs one pass over due auctions.
type Sweeper struct {
	finder  Finder
	engine  Engine
	metrics *telemetry.EngineMetrics
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock
}

// NewSweeper creates a Sweeper. A nil metrics records nothing.
func NewSweeper(finder Finder, engine Engine, metrics *telemetry.EngineMetrics, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Sweeper {
	if metrics == nil {
		metrics = telemetry.NewNopEngineMetrics()
	}
	return &Sweeper{
		finder:  finder,
		engine:  engine,
		metrics: metrics,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/nft-auction-engine/internal/scheduler"),
		clock:   clk,
	}
}

// Sweep starts every due DRAFT auction and ends every due ACTIVE one. A
// failure on one auction is logged and counted; the sweep continues.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	now := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, "Sweeper.Sweep",
		trace.WithAttributes(attribute.String("now", now.Format(time.RFC3339))),
	)
	defer span.End()

	var res SweepResult
	s.pass(ctx, store.DueToStart, now, s.engine.StartDue, &res.Started, &res)
	s.pass(ctx, store.DueToEnd, now, s.engine.EndDue, &res.Ended, &res)

	span.SetAttributes(
		attribute.Int("started", res.Started),
		attribute.Int("ended", res.Ended),
		attribute.Int("skipped", res.Skipped),
		attribute.Int("failed", res.Failed),
	)
	s.metrics.Sweep(ctx, res.Started, res.Ended, res.Failed)
	if res.Started+res.Ended+res.Failed > 0 {
		s.logger.InfoContext(ctx, "sweep complete",
			slog.Int("started", res.Started),
			slog.Int("ended", res.Ended),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
	}
	return res
}

func (s *Sweeper) pass(ctx context.Context, kind store.DueKind, now time.Time, apply func(context.Context, string) (bool, error), done *int, res *SweepResult) {
	due, err := s.finder.FindDue(ctx, kind, now)
	if err != nil {
		res.Failed++
		s.logger.ErrorContext(ctx, "finding due auctions",
			slog.String("kind", kind.String()),
			slog.Any("error", err),
		)
		return
	}

	for _, a := range due {
		if ctx.Err() != nil {
			return
		}
		ok, err := apply(ctx, a.ID)
		switch {
		case err != nil:
			res.Failed++
			s.logger.ErrorContext(ctx, "scheduled transition failed",
				slog.String("auction_id", a.ID),
				slog.String("kind", kind.String()),
				slog.Any("error", err),
			)
		case ok:
			*done++
		default:
			res.Skipped++
		}
	}
}
