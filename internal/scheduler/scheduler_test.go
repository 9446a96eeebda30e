package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/nft-auction-engine/internal/auction"
	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/scheduler"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
	"github.com/jensholdgaard/nft-auction-engine/internal/store/memory"
)

var (
	epoch   = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type fakeFinder struct {
	due map[store.DueKind][]store.Auction
	err map[store.DueKind]error
}

func (f fakeFinder) FindDue(_ context.Context, kind store.DueKind, _ time.Time) ([]store.Auction, error) {
	return f.due[kind], f.err[kind]
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	results map[string]error
	skip    map[string]bool
}

func (e *fakeEngine) apply(id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, id)
	if err := e.results[id]; err != nil {
		return false, err
	}
	return !e.skip[id], nil
}

func (e *fakeEngine) StartDue(_ context.Context, id string) (bool, error) { return e.apply(id) }
func (e *fakeEngine) EndDue(_ context.Context, id string) (bool, error)   { return e.apply(id) }

func TestSweeper_IsolatesFailures(t *testing.T) {
	finder := fakeFinder{due: map[store.DueKind][]store.Auction{
		store.DueToStart: {{ID: "s1"}, {ID: "s2"}, {ID: "s3"}},
		store.DueToEnd:   {{ID: "e1"}, {ID: "e2"}},
	}}
	engine := &fakeEngine{
		results: map[string]error{"s2": errors.New("db hiccup")},
		skip:    map[string]bool{"e2": true},
	}
	s := scheduler.NewSweeper(finder, engine, nil, discard, noop.NewTracerProvider(), clock.NewMock(epoch))

	res := s.Sweep(context.Background())

	check.Equal(t, scheduler.SweepResult{Started: 2, Ended: 1, Skipped: 1, Failed: 1}, res)
	check.Equal(t, []string{"s1", "s2", "s3", "e1", "e2"}, engine.calls)
}

func TestSweeper_FinderError(t *testing.T) {
	finder := fakeFinder{
		due: map[store.DueKind][]store.Auction{store.DueToEnd: {{ID: "e1"}}},
		err: map[store.DueKind]error{store.DueToStart: errors.New("timeout")},
	}
	engine := &fakeEngine{}
	s := scheduler.NewSweeper(finder, engine, nil, discard, noop.NewTracerProvider(), clock.NewMock(epoch))

	res := s.Sweep(context.Background())

	check.Equal(t, 1, res.Failed)
	check.Equal(t, 1, res.Ended)
	check.Equal(t, []string{"e1"}, engine.calls)
}

func TestSweeper_WithEngine(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(epoch)
	repos := memory.New(clk).Repositories()
	mgr := auction.NewManager(repos, auction.Options{}, discard, noop.NewTracerProvider(), clk)

	newAuction := func(token string, start, end time.Time) *store.Auction {
		it := &store.Item{TokenID: token, OwnerAddress: "0xseller"}
		assert.NoError(t, repos.Items.Create(ctx, it))
		a, err := mgr.CreateAuction(ctx, auction.CreateInput{
			ItemID:        it.ID,
			SellerID:      "seller",
			SellerAddress: "0xseller",
			StartingPrice: decimal.NewFromInt(10),
			MinIncrement:  decimal.NewFromInt(1),
			StartTime:     start,
			EndTime:       end,
		})
		assert.NoError(t, err)
		return a
	}

	soon := newAuction("token-soon", epoch.Add(time.Minute), epoch.Add(10*time.Minute))
	later := newAuction("token-later", epoch.Add(time.Hour), epoch.Add(2*time.Hour))

	s := scheduler.NewSweeper(repos.Auctions, mgr, nil, discard, noop.NewTracerProvider(), clk)

	check.Equal(t, scheduler.SweepResult{}, s.Sweep(ctx))

	clk.Advance(time.Minute)
	check.Equal(t, scheduler.SweepResult{Started: 1}, s.Sweep(ctx))

	// A second sweep at the same instant finds nothing left to do.
	check.Equal(t, scheduler.SweepResult{}, s.Sweep(ctx))

	clk.Set(epoch.Add(10 * time.Minute))
	check.Equal(t, scheduler.SweepResult{Ended: 1}, s.Sweep(ctx))

	got, err := mgr.Get(ctx, soon.ID)
	assert.NoError(t, err)
	check.Equal(t, store.StatusEnded, got.Status)

	got, err = mgr.Get(ctx, later.ID)
	assert.NoError(t, err)
	check.Equal(t, store.StatusDraft, got.Status)
}

func TestRunner_InvalidSpec(t *testing.T) {
	s := scheduler.NewSweeper(fakeFinder{}, &fakeEngine{}, nil, discard, noop.NewTracerProvider(), clock.Real{})
	r := scheduler.NewRunner(s, "not a spec", discard)

	err := r.Run(context.Background())
	check.Error(t, err)
}

func TestRunner_Sweeps(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timed cron test in short mode")
	}

	finder := fakeFinder{due: map[store.DueKind][]store.Auction{store.DueToEnd: {{ID: "e1"}}}}
	engine := &fakeEngine{}
	s := scheduler.NewSweeper(finder, engine, nil, discard, noop.NewTracerProvider(), clock.Real{})
	r := scheduler.NewRunner(s, "@every 1s", discard)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Run(ctx))

	engine.mu.Lock()
	defer engine.mu.Unlock()
	check.True(t, len(engine.calls) >= 1)
}
