package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/jensholdgaard/nft-auction-engine"

// EngineMetrics holds the counters recorded by the auction engine.
type EngineMetrics struct {
	bidsAccepted metric.Int64Counter
	bidsRejected metric.Int64Counter
	conflicts    metric.Int64Counter
	transitions  metric.Int64Counter
	facts        metric.Int64Counter
	sweeps       metric.Int64Counter
}

// NewEngineMetrics registers the engine counters on mp. A nil mp yields
// no-op instruments.
func NewEngineMetrics(mp metric.MeterProvider) (*EngineMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		m   EngineMetrics
		err error
	)
	if m.bidsAccepted, err = meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids admitted and committed.")); err != nil {
		return nil, fmt.Errorf("creating auction.bids.accepted: %w", err)
	}
	if m.bidsRejected, err = meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids rejected, by reason code.")); err != nil {
		return nil, fmt.Errorf("creating auction.bids.rejected: %w", err)
	}
	if m.conflicts, err = meter.Int64Counter("auction.admission.conflicts",
		metric.WithDescription("Optimistic concurrency conflicts seen by bid admission.")); err != nil {
		return nil, fmt.Errorf("creating auction.admission.conflicts: %w", err)
	}
	if m.transitions, err = meter.Int64Counter("auction.transitions",
		metric.WithDescription("Committed lifecycle transitions.")); err != nil {
		return nil, fmt.Errorf("creating auction.transitions: %w", err)
	}
	if m.facts, err = meter.Int64Counter("ledger.facts",
		metric.WithDescription("Reconciled ledger facts, by kind and outcome.")); err != nil {
		return nil, fmt.Errorf("creating ledger.facts: %w", err)
	}
	if m.sweeps, err = meter.Int64Counter("scheduler.sweeps",
		metric.WithDescription("Completed scheduler sweeps.")); err != nil {
		return nil, fmt.Errorf("creating scheduler.sweeps: %w", err)
	}
	return &m, nil
}

// NewNopEngineMetrics returns metrics that record nothing.
func NewNopEngineMetrics() *EngineMetrics {
	m, _ := NewEngineMetrics(noop.NewMeterProvider())
	return m
}

func (m *EngineMetrics) BidAccepted(ctx context.Context) {
	m.bidsAccepted.Add(ctx, 1)
}

func (m *EngineMetrics) BidRejected(ctx context.Context, reason string) {
	m.bidsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *EngineMetrics) AdmissionConflict(ctx context.Context) {
	m.conflicts.Add(ctx, 1)
}

func (m *EngineMetrics) Transition(ctx context.Context, from, to, trigger string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("trigger", trigger),
	))
}

func (m *EngineMetrics) Fact(ctx context.Context, kind, outcome string) {
	m.facts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *EngineMetrics) Sweep(ctx context.Context, started, ended, failed int) {
	m.sweeps.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("started", started),
		attribute.Int("ended", ended),
		attribute.Int("failed", failed),
	))
}
