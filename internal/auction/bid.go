package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/nft-auction-engine/internal/cache"
	"github.com/jensholdgaard/nft-auction-engine/internal/event"
	"github.com/jensholdgaard/nft-auction-engine/internal/notify"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// PlaceBid admits a bid submitted through the API.
func (m *Manager) PlaceBid(ctx context.Context, in BidInput) (*store.Bid, error) {
	b, _, err := m.AdmitBid(ctx, in, event.TriggerManual)
	return b, err
}

// AdmitBid validates and records a bid, moving the auction's highest bid
// watermark in the same transaction. A bid carrying an external ref that was
// already admitted returns the stored bid with replayed set and changes
// nothing.
func (m *Manager) AdmitBid(ctx context.Context, in BidInput, trigger event.Trigger) (bid *store.Bid, replayed bool, err error) {
	ctx, span := m.tracer.Start(ctx, "Manager.AdmitBid",
		trace.WithAttributes(
			attribute.String("auction_id", in.AuctionID),
			attribute.String("bidder_id", in.BidderID),
			attribute.String("amount", in.Amount.String()),
			attribute.String("trigger", string(trigger)),
		),
	)
	defer span.End()

	if err := in.Validate(); err != nil {
		m.metrics.BidRejected(ctx, Code(err))
		return nil, false, err
	}
	bidder := normalizeAddress(in.BidderAddress)

	_, applied, err := m.mutate(ctx, in.AuctionID, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		bid, replayed = nil, false
		if in.ExternalRef != nil {
			prev, err := tx.Bids.GetByExternalRef(ctx, a.ID, *in.ExternalRef)
			switch {
			case err == nil:
				bid, replayed = prev, true
				return errNoop
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		if err := CheckBid(a, in.BidderID, bidder, in.Amount); err != nil {
			return err
		}

		previous := a.HighestBidder
		b := &store.Bid{
			AuctionID:     a.ID,
			BidderID:      in.BidderID,
			BidderAddress: bidder,
			Amount:        in.Amount,
			ExternalRef:   in.ExternalRef,
			Valid:         true,
		}
		if err := tx.Bids.Insert(ctx, b); err != nil {
			return err
		}

		a.HighestBid.Decimal, a.HighestBid.Valid = in.Amount, true
		a.HighestBidder = &b.BidderAddress
		if err := m.record(ctx, tx, a, event.AuctionBidPlaced, trigger, in.ExternalRef, event.BidPlacedData{
			BidID:    b.ID,
			BidderID: b.BidderID,
			Bidder:   b.BidderAddress,
			Amount:   b.Amount,
		}); err != nil {
			return err
		}
		bid = b

		fx.accepted = true
		fx.invalidate(cache.AuctionKey(a.ID), cache.ActiveAuctionsKey)
		fx.publish("bid_placed", BidPlaced{AuctionID: a.ID, Bidder: b.BidderAddress, Amount: b.Amount.String()})
		if previous != nil && !strings.EqualFold(*previous, b.BidderAddress) {
			fx.notify(*previous, "Outbid!",
				fmt.Sprintf("You have been outbid on item %s. New highest bid: %s", a.ItemID, b.Amount), notify.KindOutbid)
		}
		fx.notify(a.SellerAddress, "New Bid",
			fmt.Sprintf("New bid of %s on your item %s", b.Amount, a.ItemID), notify.KindSystemAlert)
		return nil
	})
	if err != nil {
		m.metrics.BidRejected(ctx, Code(err))
		span.SetStatus(codes.Error, err.Error())
		if isDomain(err) && !errors.Is(err, ErrInternal) {
			m.logger.DebugContext(ctx, "bid rejected",
				slog.String("auction_id", in.AuctionID),
				slog.String("bidder", bidder),
				slog.String("reason", Code(err)),
			)
		}
		return nil, false, err
	}
	if !applied {
		m.logger.InfoContext(ctx, "bid replay ignored",
			slog.String("auction_id", in.AuctionID),
			slog.String("external_ref", *in.ExternalRef),
		)
		return bid, replayed, nil
	}

	m.logger.InfoContext(ctx, "bid accepted",
		slog.String("auction_id", in.AuctionID),
		slog.String("bid_id", bid.ID),
		slog.String("bidder", bid.BidderAddress),
		slog.String("amount", bid.Amount.String()),
		slog.String("trigger", string(trigger)),
	)
	return bid, false, nil
}
