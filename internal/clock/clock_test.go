package clock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
)

func TestReal_Now(t *testing.T) {
	clk := clock.Real{}
	before := time.Now()
	got := clk.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, expected between %v and %v", got, before, after)
	}
	if got.Location() != time.UTC {
		t.Errorf("Real.Now() location = %v, want UTC", got.Location())
	}
}

func TestMock_SetAndAdvance(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(fixed)

	if got := clk.Now(); !got.Equal(fixed) {
		t.Errorf("Now() = %v, want %v", got, fixed)
	}

	if got := clk.Advance(time.Hour); !got.Equal(fixed.Add(time.Hour)) {
		t.Errorf("Advance() = %v, want %v", got, fixed.Add(time.Hour))
	}

	later := fixed.Add(48 * time.Hour)
	clk.Set(later)
	if got := clk.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestMock_ConcurrentAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clk.Advance(time.Second)
			_ = clk.Now()
		}()
	}
	wg.Wait()

	if got := clk.Now(); !got.Equal(start.Add(50 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(50*time.Second))
	}
}
