package watchdog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jul-fls/plexrewind/internal/listener"
	"github.com/jul-fls/plexrewind/internal/monitor"
	"github.com/jul-fls/plexrewind/internal/plex"
)

type fakeTester struct {
	results []plex.ConnectivityResult
	calls   int
}

func (f *fakeTester) TestConnection(ctx context.Context) plex.ConnectivityResult {
	if ctx.Err() != nil {
		return plex.ConnectivityCancelled
	}
	f.calls++
	if f.calls <= len(f.results) {
		return f.results[f.calls-1]
	}
	return f.results[len(f.results)-1]
}

type fakeListener struct {
	started chan struct{}
	release chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *fakeListener) Run(ctx context.Context) error {
	close(f.started)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.release:
		return fmt.Errorf("%w: stream dropped", listener.ErrConnectionLost)
	}
}

func (f *fakeListener) Dispose() {}

func testManager() *monitor.Manager {
	return monitor.NewManager(
		monitor.Config{MaxRewindSeconds: 60, SmallestResolution: 5, CooldownCycles: 5},
		monitor.SchedulerConfig{ActiveInterval: time.Second, IdleInterval: 30 * time.Second},
		nil,
	)
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("supervisor never reached %v, stuck at %v", want, s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDelayForAttemptTiers(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{12, 5 * time.Second},
		{13, 30 * time.Second},
		{22, 30 * time.Second},
		{23, 60 * time.Second},
		{32, 60 * time.Second},
		{33, 120 * time.Second},
		{100, 120 * time.Second},
	}

	for _, tc := range cases {
		if got := delayForAttempt(tc.attempt, false); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestMaintenanceKeepsShortDelay(t *testing.T) {
	for _, attempt := range []int{1, 13, 33, 500} {
		if got := delayForAttempt(attempt, true); got != 5*time.Second {
			t.Fatalf("attempt %d during maintenance: expected 5s, got %v", attempt, got)
		}
	}
}

func TestUnreachableServerEntersRetrying(t *testing.T) {
	tester := &fakeTester{results: []plex.ConnectivityResult{plex.ConnectivityFailure}}
	s := NewSupervisor(tester, testManager(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	waitForState(t, s, StateRetrying)
	if got := s.Attempts(); got < 1 {
		t.Fatalf("expected at least one attempt counted, got %d", got)
	}
	s.Stop()

	if got := s.State(); got != StateStopped {
		t.Fatalf("expected stopped after Stop, got %v", got)
	}
}

func TestSuccessfulConnectionMonitors(t *testing.T) {
	tester := &fakeTester{results: []plex.ConnectivityResult{plex.ConnectivitySuccess}}
	lst := newFakeListener()
	s := NewSupervisor(tester, testManager(), func(onEvent listener.EventFunc) listener.Listener {
		return lst
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	waitForState(t, s, StateMonitoring)
	if got := s.Attempts(); got != 0 {
		t.Fatalf("expected attempts reset on success, got %d", got)
	}
	s.Stop()
}

func TestConnectionLossEntersRetrying(t *testing.T) {
	tester := &fakeTester{results: []plex.ConnectivityResult{plex.ConnectivitySuccess}}
	lst := newFakeListener()
	s := NewSupervisor(tester, testManager(), func(onEvent listener.EventFunc) listener.Listener {
		return lst
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	<-lst.started

	close(lst.release)
	waitForState(t, s, StateRetrying)
	if got := s.Attempts(); got != 1 {
		t.Fatalf("expected one attempt after a lost connection, got %d", got)
	}
	s.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	tester := &fakeTester{results: []plex.ConnectivityResult{plex.ConnectivityFailure}}
	s := NewSupervisor(tester, testManager(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Stop()
	s.Stop()
}
