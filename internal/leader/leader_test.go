package leader

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/jensholdgaard/nft-auction-engine/internal/config"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestIdentity_FromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "auctiond-abc123")
	if got := identity(); got != "auctiond-abc123" {
		t.Errorf("identity() = %q, want %q", got, "auctiond-abc123")
	}
}

func TestIdentity_Hostname(t *testing.T) {
	t.Setenv("POD_NAME", "")
	host, err := os.Hostname()
	if err != nil {
		t.Skip("cannot get hostname")
	}
	if got := identity(); got != host {
		t.Errorf("identity() = %q, want %q", got, host)
	}
}

func TestRun_Disabled(t *testing.T) {
	orig := ClientFactory
	ClientFactory = func() (kubernetes.Interface, error) {
		t.Fatal("client must not be built when election is disabled")
		return nil, nil
	}
	t.Cleanup(func() { ClientFactory = orig })

	var ran bool
	err := Run(context.Background(), config.LeaderElectionConfig{}, discard(), func(context.Context) { ran = true }, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !ran {
		t.Error("work did not run")
	}
}

func TestRun_InvalidTimings(t *testing.T) {
	orig := ClientFactory
	ClientFactory = func() (kubernetes.Interface, error) { return fake.NewSimpleClientset(), nil }
	t.Cleanup(func() { ClientFactory = orig })

	cfg := config.LeaderElectionConfig{
		Enabled:        true,
		LeaseName:      "auctiond-leader",
		LeaseNamespace: "default",
		LeaseDuration:  time.Second,
		RenewDeadline:  2 * time.Second,
		RetryPeriod:    time.Second,
	}
	if err := Run(context.Background(), cfg, discard(), func(context.Context) {}, nil); err == nil {
		t.Fatal("Run() should reject a renew deadline longer than the lease")
	}
}

func TestRun_AcquiresLease(t *testing.T) {
	orig := ClientFactory
	ClientFactory = func() (kubernetes.Interface, error) { return fake.NewSimpleClientset(), nil }
	t.Cleanup(func() { ClientFactory = orig })

	cfg := config.LeaderElectionConfig{
		Enabled:        true,
		LeaseName:      "auctiond-leader",
		LeaseNamespace: "default",
		LeaseDuration:  3 * time.Second,
		RenewDeadline:  2 * time.Second,
		RetryPeriod:    100 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var acquired, stopped atomic.Bool
	err := Run(ctx, cfg, discard(),
		func(ctx context.Context) {
			acquired.Store(true)
			cancel()
			<-ctx.Done()
		},
		func() { stopped.Store(true) },
	)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !acquired.Load() {
		t.Error("leadership was never acquired")
	}
	if !stopped.Load() {
		t.Error("onStoppedLeading was not called")
	}
}

func TestAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var running atomic.Int32
	task := func(ctx context.Context) {
		running.Add(1)
		<-ctx.Done()
		running.Add(-1)
	}

	done := make(chan struct{})
	go func() {
		All(task, task, task)(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for running.Load() != 3 {
		select {
		case <-deadline:
			t.Fatalf("running = %d, want 3", running.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("All did not return after cancel")
	}
	if n := running.Load(); n != 0 {
		t.Errorf("running after return = %d, want 0", n)
	}
}
