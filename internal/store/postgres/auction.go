package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

const auctionColumns = `id, item_id, seller_id, seller_address, starting_price, reserve_price,
	min_increment, start_time, end_time, highest_bid, highest_bidder, status, external_ref,
	version, created_at, updated_at`

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    sqlx.ExtContext
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Get(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := sqlx.GetContext(ctx, r.db, &a, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err, "getting auction "+id)
	}
	return &a, nil
}

func (r *AuctionRepo) GetByItem(ctx context.Context, itemID string, statuses ...store.Status) (*store.Auction, error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}

	var a store.Auction
	err := sqlx.GetContext(ctx, r.db, &a,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE item_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		 ORDER BY created_at DESC LIMIT 1`,
		itemID, pq.Array(filter),
	)
	if err != nil {
		return nil, translate(err, "getting auction for item "+itemID)
	}
	return &a, nil
}

func (r *AuctionRepo) GetByExternalRef(ctx context.Context, ref string) (*store.Auction, error) {
	var a store.Auction
	err := sqlx.GetContext(ctx, r.db, &a, `SELECT `+auctionColumns+` FROM auctions WHERE external_ref = $1`, ref)
	if err != nil {
		return nil, translate(err, "getting auction by ref "+ref)
	}
	return &a, nil
}

func (r *AuctionRepo) Save(ctx context.Context, a *store.Auction) error {
	now := r.clock.Now().UTC()

	if a.Version == 0 {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO auctions (`+auctionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $14)`,
			a.ID, a.ItemID, a.SellerID, a.SellerAddress, a.StartingPrice, a.ReservePrice,
			a.MinIncrement, a.StartTime, a.EndTime, a.HighestBid, a.HighestBidder, a.Status, a.ExternalRef,
			now,
		)
		if err != nil {
			return translate(err, "inserting auction")
		}
		a.Version = 1
		a.CreatedAt = now
		a.UpdatedAt = now
		return nil
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET starting_price = $1, reserve_price = $2, min_increment = $3,
		        start_time = $4, end_time = $5, highest_bid = $6, highest_bidder = $7,
		        status = $8, external_ref = $9, version = version + 1, updated_at = $10
		 WHERE id = $11 AND version = $12`,
		a.StartingPrice, a.ReservePrice, a.MinIncrement, a.StartTime, a.EndTime,
		a.HighestBid, a.HighestBidder, a.Status, a.ExternalRef, now,
		a.ID, a.Version,
	)
	if err != nil {
		return translate(err, "updating auction "+a.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating auction %s: %w", a.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("auction %s at version %d: %w", a.ID, a.Version, store.ErrConflict)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (r *AuctionRepo) FindDue(ctx context.Context, kind store.DueKind, now time.Time) ([]store.Auction, error) {
	var query string
	switch kind {
	case store.DueToStart:
		query = `SELECT ` + auctionColumns + ` FROM auctions
		         WHERE status = 'DRAFT' AND start_time <= $1 ORDER BY start_time ASC`
	case store.DueToEnd:
		query = `SELECT ` + auctionColumns + ` FROM auctions
		         WHERE status = 'ACTIVE' AND end_time <= $1 ORDER BY end_time ASC`
	default:
		return nil, fmt.Errorf("unknown due kind %d", kind)
	}

	var auctions []store.Auction
	if err := sqlx.SelectContext(ctx, r.db, &auctions, query, now); err != nil {
		return nil, fmt.Errorf("finding auctions due %s: %w", kind, err)
	}
	return auctions, nil
}

func (r *AuctionRepo) ListActive(ctx context.Context) ([]store.Auction, error) {
	var auctions []store.Auction
	err := sqlx.SelectContext(ctx, r.db, &auctions,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = 'ACTIVE' ORDER BY end_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) Remove(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auctions WHERE id = $1`, id)
	if err != nil {
		return translate(err, "removing auction "+id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("removing auction %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return nil
}
