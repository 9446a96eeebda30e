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

// NotificationRepo implements store.NotificationRepository with sqlx.
type NotificationRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewNotificationRepo returns a new NotificationRepo.
func NewNotificationRepo(db *sqlx.DB, clk clock.Clock) *NotificationRepo {
	return &NotificationRepo{db: db, clock: clk}
}

func (r *NotificationRepo) Create(ctx context.Context, n *store.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Address = strings.ToLower(n.Address)
	n.CreatedAt = r.clock.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, address, kind, title, message, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.Address, n.Kind, n.Title, n.Message, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (r *NotificationRepo) ListUnread(ctx context.Context, address string) ([]store.Notification, error) {
	var out []store.Notification
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM notifications WHERE address = $1 AND NOT is_read ORDER BY created_at DESC`,
		strings.ToLower(address))
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return out, nil
}

func (r *NotificationRepo) MarkRead(ctx context.Context, id, address string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND address = $2`,
		id, strings.ToLower(address))
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return nil
}
