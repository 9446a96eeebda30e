// Package postgres implements the store repositories on Postgres with sqlx.
// It registers itself as the "sqlx" store driver.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/config"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	store.Register("sqlx", open)
}

// open is the store.Driver for the "sqlx" backend.
func open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return NewRepositories(db, clk), nil
}

// NewRepositories returns repositories backed by db.
func NewRepositories(db *sqlx.DB, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Auctions:      NewAuctionRepo(db, clk),
		Bids:          NewBidRepo(db, clk),
		Events:        NewEventStore(db, clk),
		Items:         NewItemRepo(db, clk),
		Notifications: NewNotificationRepo(db, clk),
		Tx:            NewTransactor(db, clk),
		Closer:        db,
		Ping:          db.PingContext,
	}
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Migrate applies the embedded schema files in lexical order. The files are
// written to be re-runnable.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
	}
	return nil
}

// Transactor implements store.Transactor on sqlx transactions.
type Transactor struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewTransactor returns a new Transactor.
func NewTransactor(db *sqlx.DB, clk clock.Clock) *Transactor {
	return &Transactor{db: db, clock: clk}
}

// WithinTx runs fn in a READ COMMITTED transaction. Auction updates are
// guarded by their version column; a stale write fails with store.ErrConflict.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, store.Tx{
		Auctions: &AuctionRepo{db: sqlTx, clock: t.clock},
		Bids:     &BidRepo{db: sqlTx, clock: t.clock},
		Events:   &EventStore{db: sqlTx, clock: t.clock},
		Items:    &ItemRepo{db: sqlTx, clock: t.clock},
	}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translate(err, "committing transaction")
	}
	return nil
}

// translate maps driver errors onto the store sentinels.
func translate(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %s: %w", what, pqErr.Constraint, store.ErrDuplicate)
		case "40001": // serialization_failure
			return fmt.Errorf("%s: %w", what, store.ErrConflict)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
