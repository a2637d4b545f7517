package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jul-fls/plexrewind/internal/listener"
	"github.com/jul-fls/plexrewind/internal/monitor"
	"github.com/jul-fls/plexrewind/internal/plex"
)

// State is the supervisor's connection lifecycle state.
type State int32

const (
	StateTestingConnection State = iota
	StateMonitoring
	StateRetrying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateTestingConnection:
		return "testing_connection"
	case StateMonitoring:
		return "monitoring"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const stopGracePeriod = 5 * time.Second

// ConnectivityTester verifies the server is reachable; *plex.Client
// satisfies it.
type ConnectivityTester interface {
	TestConnection(ctx context.Context) plex.ConnectivityResult
}

// ListenerFactory builds a fresh notification listener per connection
// attempt. A nil factory disables event-driven polling.
type ListenerFactory func(onEvent listener.EventFunc) listener.Listener

// Supervisor owns the connect / monitor / reconnect cycle. It tests server
// reachability, runs the monitoring scheduler and the notification listener
// while the connection holds, and backs off between reconnection attempts.
type Supervisor struct {
	tester      ConnectivityTester
	manager     *monitor.Manager
	newListener ListenerFactory

	state    atomic.Int32
	attempts atomic.Int64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	active listener.Listener
}

// NewSupervisor creates a supervisor. newListener may be nil to run on the
// poll cadence alone.
func NewSupervisor(tester ConnectivityTester, manager *monitor.Manager, newListener ListenerFactory) *Supervisor {
	s := &Supervisor{
		tester:      tester,
		manager:     manager,
		newListener: newListener,
	}
	s.state.Store(int32(StateStopped))
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Attempts returns the number of connection attempts since the last
// successful connection.
func (s *Supervisor) Attempts() int {
	return int(s.attempts.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Start launches the supervision loop. No-op when already running.
func (s *Supervisor) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		s.run(loopCtx)
	}()

	log.Info().Msg("Connection supervisor started")
}

// Stop cancels the loop, disposes any live listener, and waits up to the
// stop grace period for the loop to exit.
func (s *Supervisor) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.Dispose()
	}

	select {
	case <-s.done:
	case <-time.After(stopGracePeriod):
		log.Warn().Msg("Supervisor loop did not stop within grace period")
	}
	s.running = false
	s.setState(StateStopped)
	log.Info().Msg("Connection supervisor stopped")
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateTestingConnection)
		result := s.tester.TestConnection(ctx)

		switch result {
		case plex.ConnectivityCancelled:
			return

		case plex.ConnectivitySuccess:
			s.attempts.Store(0)
			err := s.monitorUntilLost(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Server connection lost")

		default:
			log.Warn().
				Str("result", result.String()).
				Int("attempt", s.Attempts()+1).
				Msg("Server unreachable")
		}

		s.setState(StateRetrying)
		attempt := int(s.attempts.Add(1))
		delay := delayForAttempt(attempt, result == plex.ConnectivityMaintenance)
		log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Waiting before reconnection attempt")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// monitorUntilLost runs one connected period: refresh the session set, run
// the scheduler, and block on the notification listener until the stream
// drops. The scheduler is paused on the way out so monitor state survives
// the disconnection.
func (s *Supervisor) monitorUntilLost(ctx context.Context) error {
	if err := s.manager.RefreshSessions(ctx); err != nil {
		return err
	}

	s.manager.StartScheduler(ctx)
	defer s.manager.PauseScheduler()
	s.setState(StateMonitoring)

	if s.newListener == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	lst := s.newListener(func(ev listener.NotificationEvent) {
		s.manager.HandleNotification(ctx, ev)
	})
	s.mu.Lock()
	s.active = lst
	s.mu.Unlock()

	err := lst.Run(ctx)

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	lst.Dispose()
	return err
}

// delayForAttempt returns the reconnection backoff for the given attempt
// number, counted since the last successful connection. A server in
// maintenance is expected back shortly, so its delay stays at the floor.
func delayForAttempt(attempt int, maintenance bool) time.Duration {
	if maintenance {
		return 5 * time.Second
	}
	switch {
	case attempt <= 12:
		return 5 * time.Second
	case attempt <= 22:
		return 30 * time.Second
	case attempt <= 32:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}
