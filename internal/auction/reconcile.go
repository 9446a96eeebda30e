package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/nft-auction-engine/internal/cache"
	"github.com/jensholdgaard/nft-auction-engine/internal/event"
	"github.com/jensholdgaard/nft-auction-engine/internal/notify"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// zeroAddress marks "no winner" in ledger end facts.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// ExternalAuction is an auction the ledger reports as created.
type ExternalAuction struct {
	ItemID        string
	SellerAddress string
	StartingPrice decimal.Decimal
	StartTime     time.Time
	EndTime       time.Time
	ExternalRef   string
}

var defaultIncrement = decimal.RequireFromString("0.01")

func (m *Manager) seenRef(ctx context.Context, ref string) (bool, error) {
	seen, err := m.repos.Events.HasExternalRef(ctx, ref)
	if err != nil {
		return false, translate(err)
	}
	return seen, nil
}

// ReconcileCreated applies a ledger creation fact. An existing DRAFT for the
// item adopts the ledger's terms and becomes ACTIVE; without one an ACTIVE
// auction is synthesized. The boolean is false when the fact was already in
// effect.
func (m *Manager) ReconcileCreated(ctx context.Context, in ExternalAuction) (*store.Auction, bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ReconcileCreated",
		trace.WithAttributes(
			attribute.String("item_id", in.ItemID),
			attribute.String("external_ref", in.ExternalRef),
		),
	)
	defer span.End()

	if in.ExternalRef == "" {
		return nil, false, &ValidationError{Fields: []FieldError{{Field: "external_ref", Reason: "is required"}}}
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, false, &ValidationError{Fields: []FieldError{{Field: "end_time", Reason: "must be after start_time"}}}
	}

	for attempt := 1; ; attempt++ {
		prev, err := m.repos.Auctions.GetByExternalRef(ctx, in.ExternalRef)
		switch {
		case err == nil:
			return prev, false, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, translate(err)
		}

		open, err := m.repos.Auctions.GetByItem(ctx, in.ItemID, store.StatusDraft, store.StatusActive)
		switch {
		case err == nil && open.Status == store.StatusActive:
			return open, false, nil
		case err == nil:
			return m.adoptDraft(ctx, open.ID, in)
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, translate(err)
		}

		a, err := m.synthesize(ctx, in)
		if err == nil {
			return a, true, nil
		}
		if !retryable(err) {
			return nil, false, translate(err)
		}
		if attempt >= m.maxAttempts {
			return nil, false, fmt.Errorf("%w: item %s after %d attempts: %w", ErrConflict, in.ItemID, attempt, err)
		}
	}
}

func (m *Manager) adoptDraft(ctx context.Context, id string, in ExternalAuction) (*store.Auction, bool, error) {
	ref := in.ExternalRef
	a, applied, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		if !CanTransition(a.Status, store.StatusActive) {
			return errNoop
		}
		a.StartTime = in.StartTime.UTC()
		a.EndTime = in.EndTime.UTC()
		a.StartingPrice = in.StartingPrice
		a.ExternalRef = &ref
		return m.activate(ctx, tx, a, fx, event.TriggerLedger, &ref)
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		m.logger.InfoContext(ctx, "draft auction adopted from ledger",
			slog.String("auction_id", a.ID),
			slog.String("external_ref", ref),
		)
	}
	return a, applied, nil
}

func (m *Manager) synthesize(ctx context.Context, in ExternalAuction) (*store.Auction, error) {
	ref := in.ExternalRef
	seller := normalizeAddress(in.SellerAddress)
	a := &store.Auction{
		ItemID:        in.ItemID,
		SellerID:      seller,
		SellerAddress: seller,
		StartingPrice: in.StartingPrice,
		MinIncrement:  m.increment,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		Status:        store.StatusActive,
		ExternalRef:   &ref,
	}
	err := m.repos.Tx.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Items.SetListed(ctx, a.ItemID, true); err != nil {
			return err
		}
		return m.record(ctx, tx, a, event.AuctionCreated, event.TriggerLedger, &ref,
			event.TransitionData{To: string(store.StatusActive)})
	})
	if err != nil {
		return nil, err
	}

	m.dispatch(ctx, &effects{
		transition: &transitionRecord{to: store.StatusActive, trigger: event.TriggerLedger},
		keys:       []string{cache.ActiveAuctionsKey, cache.ItemKey(a.ItemID)},
		messages:   []message{{event: "auction_started", payload: StatusChanged{AuctionID: a.ID, Status: a.Status}}},
	})
	m.logger.InfoContext(ctx, "auction synthesized from ledger",
		slog.String("auction_id", a.ID),
		slog.String("item_id", a.ItemID),
		slog.String("external_ref", ref),
	)
	return a, nil
}

// ReconcileEnded applies a ledger end fact. The ledger's winner and amount
// override the local watermark; an empty or zero winner closes the auction
// without one.
func (m *Manager) ReconcileEnded(ctx context.Context, id, winner string, amount decimal.NullDecimal, ref string) (*store.Auction, bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ReconcileEnded",
		trace.WithAttributes(
			attribute.String("auction_id", id),
			attribute.String("external_ref", ref),
		),
	)
	defer span.End()

	if seen, err := m.seenRef(ctx, ref); err != nil || seen {
		return nil, false, err
	}
	winner = normalizeAddress(winner)
	if winner == zeroAddress {
		winner = ""
	}

	a, applied, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		// An unseen end fact for a closed auction belongs to a later
		// auction whose creation has not arrived yet.
		switch {
		case a.Status == store.StatusEnded:
			return errNoop
		case a.Status.Terminal():
			return fmt.Errorf("end auction %s: already %s: %w", a.ID, a.Status, ErrNotActive)
		case !CanTransition(a.Status, store.StatusEnded):
			return fmt.Errorf("end auction %s from %s: %w", a.ID, a.Status, ErrNotActive)
		}

		local := a.HighestBid
		if winner == "" {
			a.HighestBidder = nil
			a.HighestBid = decimal.NullDecimal{}
		} else {
			final := amount
			if !final.Valid {
				final = local
				if !final.Valid {
					final = decimal.NewNullDecimal(a.StartingPrice)
				}
			}
			if local.Valid && final.Decimal.LessThan(local.Decimal) {
				m.logger.WarnContext(ctx, "ledger winning amount below local watermark",
					slog.String("auction_id", a.ID),
					slog.String("ledger", final.Decimal.String()),
					slog.String("local", local.Decimal.String()),
				)
			}
			w := winner
			a.HighestBidder = &w
			a.HighestBid = final
		}

		from := a.Status
		a.Status = store.StatusEnded
		if now := m.clock.Now(); now.After(a.StartTime) && now.Before(a.EndTime) {
			a.EndTime = now
		}
		data := event.AuctionEndedData{
			TransitionData: event.TransitionData{From: string(from), To: string(a.Status)},
			Winner:         winner,
		}
		if a.HighestBid.Valid {
			data.Amount = &a.HighestBid.Decimal
		}
		refCopy := ref
		if err := m.record(ctx, tx, a, event.AuctionEnded, event.TriggerLedger, &refCopy, data); err != nil {
			return err
		}

		fx.transition = &transitionRecord{from: from, to: a.Status, trigger: event.TriggerLedger}
		fx.invalidate(cache.AuctionKey(a.ID), cache.ActiveAuctionsKey)
		fx.publish("auction_ended", StatusChanged{AuctionID: a.ID, Status: a.Status})
		fx.notify(a.SellerAddress, "Auction Ended",
			fmt.Sprintf("Your auction for item %s has ended.", a.ItemID), notify.KindAuctionEnded)
		if winner != "" && !strings.EqualFold(winner, a.SellerAddress) {
			fx.notify(winner, "Auction Won",
				fmt.Sprintf("You won the auction for item %s!", a.ItemID), notify.KindAuctionWon)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		m.logger.InfoContext(ctx, "auction ended", slog.String("auction_id", id), slog.String("trigger", string(event.TriggerLedger)))
	}
	return a, applied, nil
}

// ReconcileCancelled applies a ledger cancellation fact to an ACTIVE auction.
func (m *Manager) ReconcileCancelled(ctx context.Context, id, ref string) (*store.Auction, bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ReconcileCancelled",
		trace.WithAttributes(
			attribute.String("auction_id", id),
			attribute.String("external_ref", ref),
		),
	)
	defer span.End()

	if seen, err := m.seenRef(ctx, ref); err != nil || seen {
		return nil, false, err
	}

	a, applied, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		if a.Status == store.StatusCancelled {
			return errNoop
		}
		if !CanTransition(a.Status, store.StatusCancelled) {
			return fmt.Errorf("cancel auction %s from %s: %w", a.ID, a.Status, ErrInvalidTransition)
		}
		from := a.Status
		a.Status = store.StatusCancelled
		if err := tx.Items.SetListed(ctx, a.ItemID, false); err != nil {
			return err
		}
		refCopy := ref
		if err := m.record(ctx, tx, a, event.AuctionCancelled, event.TriggerLedger, &refCopy,
			event.TransitionData{From: string(from), To: string(a.Status)}); err != nil {
			return err
		}

		fx.transition = &transitionRecord{from: from, to: a.Status, trigger: event.TriggerLedger}
		fx.invalidate(cache.AuctionKey(a.ID), cache.ActiveAuctionsKey, cache.ItemKey(a.ItemID))
		fx.publish("auction_canceled", StatusChanged{AuctionID: a.ID, Status: a.Status})
		fx.notify(a.SellerAddress, "Auction Canceled",
			fmt.Sprintf("Your auction for item %s has been canceled.", a.ItemID), notify.KindSystemAlert)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		m.logger.InfoContext(ctx, "auction cancelled", slog.String("auction_id", id), slog.String("external_ref", ref))
	}
	return a, applied, nil
}
