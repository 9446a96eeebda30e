package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db    sqlx.ExtContext
	clock clock.Clock
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB, clk clock.Clock) *BidRepo {
	return &BidRepo{db: db, clock: clk}
}

func (r *BidRepo) Insert(ctx context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = r.clock.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bids (id, auction_id, bidder_id, bidder_address, amount, external_ref, is_valid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.AuctionID, b.BidderID, b.BidderAddress, b.Amount, b.ExternalRef, b.Valid, b.CreatedAt,
	)
	if err != nil {
		return translate(err, "inserting bid")
	}
	return nil
}

func (r *BidRepo) GetByExternalRef(ctx context.Context, auctionID, ref string) (*store.Bid, error) {
	var b store.Bid
	err := sqlx.GetContext(ctx, r.db, &b,
		`SELECT * FROM bids WHERE auction_id = $1 AND external_ref = $2`, auctionID, ref)
	if err != nil {
		return nil, translate(err, "getting bid by ref "+ref)
	}
	return &b, nil
}

func (r *BidRepo) ListByAuction(ctx context.Context, auctionID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := sqlx.SelectContext(ctx, r.db, &bids,
		`SELECT * FROM bids WHERE auction_id = $1 ORDER BY amount DESC, created_at ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

func (r *BidRepo) CountByAuction(ctx context.Context, auctionID string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.db, &n, `SELECT COUNT(*) FROM bids WHERE auction_id = $1`, auctionID); err != nil {
		return 0, fmt.Errorf("counting bids: %w", err)
	}
	return n, nil
}
