package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// ItemRepo implements store.ItemRepository with sqlx.
type ItemRepo struct {
	db    sqlx.ExtContext
	clock clock.Clock
}

// NewItemRepo returns a new ItemRepo.
func NewItemRepo(db *sqlx.DB, clk clock.Clock) *ItemRepo {
	return &ItemRepo{db: db, clock: clk}
}

func (r *ItemRepo) Create(ctx context.Context, it *store.Item) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	it.CreatedAt = now
	it.UpdatedAt = now
	it.OwnerAddress = strings.ToLower(it.OwnerAddress)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, token_id, owner_address, is_listed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		it.ID, it.TokenID, it.OwnerAddress, it.Listed, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return translate(err, "inserting item")
	}
	return nil
}

func (r *ItemRepo) Get(ctx context.Context, id string) (*store.Item, error) {
	var it store.Item
	if err := sqlx.GetContext(ctx, r.db, &it, `SELECT * FROM items WHERE id = $1`, id); err != nil {
		return nil, translate(err, "getting item "+id)
	}
	return &it, nil
}

func (r *ItemRepo) GetByToken(ctx context.Context, tokenID string) (*store.Item, error) {
	var it store.Item
	if err := sqlx.GetContext(ctx, r.db, &it, `SELECT * FROM items WHERE token_id = $1`, tokenID); err != nil {
		return nil, translate(err, "getting item by token "+tokenID)
	}
	return &it, nil
}

func (r *ItemRepo) SetListed(ctx context.Context, id string, listed bool) error {
	return r.update(ctx, id, `UPDATE items SET is_listed = $1, updated_at = $2 WHERE id = $3`, listed)
}

func (r *ItemRepo) TransferOwner(ctx context.Context, id, newOwner string) error {
	return r.update(ctx, id, `UPDATE items SET owner_address = $1, updated_at = $2 WHERE id = $3`, strings.ToLower(newOwner))
}

func (r *ItemRepo) update(ctx context.Context, id, query string, value any) error {
	result, err := r.db.ExecContext(ctx, query, value, r.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating item %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating item %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	return nil
}
