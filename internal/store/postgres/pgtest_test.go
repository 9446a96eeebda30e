package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/nft-auction-engine/internal/store/postgres"
)

// One container serves the whole package; each test starts from empty tables.
var (
	pgOnce sync.Once
	pgCtr  *tcpostgres.PostgresContainer
	pgDB   *sqlx.DB
	pgErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgDB != nil {
		_ = pgDB.Close()
	}
	if pgCtr != nil {
		_ = pgCtr.Terminate(context.Background())
	}
	os.Exit(code)
}

func startPostgres(ctx context.Context) (*tcpostgres.PostgresContainer, *sqlx.DB, error) {
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auctiond_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return ctr, nil, fmt.Errorf("starting postgres container: %w", err)
	}
	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return ctr, nil, fmt.Errorf("getting connection string: %w", err)
	}
	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return ctr, nil, fmt.Errorf("connecting to test database: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		return ctr, db, fmt.Errorf("applying migrations: %w", err)
	}
	// Re-running must be harmless.
	if err := postgres.Migrate(ctx, db); err != nil {
		return ctr, db, fmt.Errorf("re-applying migrations: %w", err)
	}
	return ctr, db, nil
}

// newTestDB returns the package's migrated database with all rows removed.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pgOnce.Do(func() { pgCtr, pgDB, pgErr = startPostgres(ctx) })
	if pgErr != nil {
		t.Fatal(pgErr)
	}

	if _, err := pgDB.ExecContext(ctx,
		`TRUNCATE notifications, auction_events, bids, auctions, items RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncating tables: %v", err)
	}
	return pgDB
}
