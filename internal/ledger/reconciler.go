package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/nft-auction-engine/internal/auction"
	"github.com/jensholdgaard/nft-auction-engine/internal/event"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
	"github.com/jensholdgaard/nft-auction-engine/internal/telemetry"
)

// Outcome is the result of reconciling one fact.
type Outcome string

const (
	// Applied means local state changed.
	Applied Outcome = "applied"
	// Duplicate means the fact was already in effect.
	Duplicate Outcome = "duplicate"
	// Dropped means the fact could not be matched or was rejected.
	Dropped Outcome = "dropped"
)

// Engine is the subset of auction.Manager the reconciler drives.
type Engine interface {
	ItemByToken(ctx context.Context, tokenID string) (*store.Item, error)
	LatestForItem(ctx context.Context, itemID string, statuses ...store.Status) (*store.Auction, error)
	ReconcileCreated(ctx context.Context, in auction.ExternalAuction) (*store.Auction, bool, error)
	AdmitBid(ctx context.Context, in auction.BidInput, trigger event.Trigger) (*store.Bid, bool, error)
	ReconcileEnded(ctx context.Context, id, winner string, amount decimal.NullDecimal, ref string) (*store.Auction, bool, error)
	ReconcileCancelled(ctx context.Context, id, ref string) (*store.Auction, bool, error)
}

// Reconciler maps ledger facts onto engine operations.
type Reconciler struct {
	engine  Engine
	metrics *telemetry.EngineMetrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewReconciler creates a Reconciler. A nil metrics records nothing.
func NewReconciler(engine Engine, metrics *telemetry.EngineMetrics, logger *slog.Logger, tp trace.TracerProvider) *Reconciler {
	if metrics == nil {
		metrics = telemetry.NewNopEngineMetrics()
	}
	return &Reconciler{
		engine:  engine,
		metrics: metrics,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/nft-auction-engine/internal/ledger"),
	}
}

// Reconcile applies f. Facts that cannot be matched to a local item or
// auction, or that the engine rejects, are logged and dropped. Only
// infrastructure failures return an error, after which the fact may be
// retried.
func (r *Reconciler) Reconcile(ctx context.Context, f Fact) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Reconcile",
		trace.WithAttributes(
			attribute.String("kind", string(f.Kind)),
			attribute.String("external_ref", f.ExternalRef),
			attribute.String("token_id", f.TokenID),
		),
	)
	defer span.End()

	outcome, err := r.reconcile(ctx, f)
	if err != nil {
		if !retriable(err) {
			r.drop(ctx, f, err)
			outcome, err = Dropped, nil
		} else {
			span.RecordError(err)
		}
	}
	if err == nil {
		r.metrics.Fact(ctx, string(f.Kind), string(outcome))
		span.SetAttributes(attribute.String("outcome", string(outcome)))
	}
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, f Fact) (Outcome, error) {
	if err := f.Validate(); err != nil {
		return Dropped, err
	}

	item, err := r.engine.ItemByToken(ctx, f.TokenID)
	if err != nil {
		return Dropped, err
	}

	if f.Kind == KindAuctionCreated {
		_, applied, err := r.engine.ReconcileCreated(ctx, auction.ExternalAuction{
			ItemID:        item.ID,
			SellerAddress: f.Actor,
			StartingPrice: f.Amount.Decimal,
			StartTime:     f.StartTime,
			EndTime:       f.EndTime,
			ExternalRef:   f.ExternalRef,
		})
		return outcomeOf(applied), err
	}

	a, err := r.engine.LatestForItem(ctx, item.ID)
	if err != nil {
		return Dropped, err
	}

	switch f.Kind {
	case KindBidPlaced:
		ref := f.ExternalRef
		_, replayed, err := r.engine.AdmitBid(ctx, auction.BidInput{
			AuctionID:     a.ID,
			BidderAddress: f.Actor,
			Amount:        f.Amount.Decimal,
			ExternalRef:   &ref,
		}, event.TriggerLedger)
		return outcomeOf(!replayed), err
	case KindAuctionEnded:
		_, applied, err := r.engine.ReconcileEnded(ctx, a.ID, f.Actor, f.Amount, f.ExternalRef)
		return outcomeOf(applied), err
	default:
		_, applied, err := r.engine.ReconcileCancelled(ctx, a.ID, f.ExternalRef)
		return outcomeOf(applied), err
	}
}

func outcomeOf(applied bool) Outcome {
	if applied {
		return Applied
	}
	return Duplicate
}

func (r *Reconciler) drop(ctx context.Context, f Fact, err error) {
	r.logger.WarnContext(ctx, "ledger fact dropped",
		slog.String("kind", string(f.Kind)),
		slog.String("external_ref", f.ExternalRef),
		slog.String("token_id", f.TokenID),
		slog.String("reason", reason(err)),
		slog.Any("error", err),
	)
}

func reason(err error) string {
	if errors.Is(err, ErrMalformed) {
		return "MALFORMED"
	}
	return auction.Code(err)
}

// retriable reports whether err is an infrastructure failure rather than
// a rejection of the fact itself.
func retriable(err error) bool {
	return errors.Is(err, auction.ErrInternal) || errors.Is(err, auction.ErrConflict)
}

// ApplyAll reconciles facts in order, stopping at the first retriable error.
func (r *Reconciler) ApplyAll(ctx context.Context, facts []Fact) ([]Outcome, error) {
	out := make([]Outcome, 0, len(facts))
	for i, f := range facts {
		o, err := r.Reconcile(ctx, f)
		if err != nil {
			return out, fmt.Errorf("fact %d (%s): %w", i, f.ExternalRef, err)
		}
		out = append(out, o)
	}
	return out, nil
}
