package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jul-fls/plexrewind/internal/listener"
	"github.com/jul-fls/plexrewind/internal/plex"
)

const (
	// idleHysteresisCycles is how many consecutive idle-qualifying cycles
	// must pass after an Active period before the scheduler commits to Idle.
	idleHysteresisCycles = 5

	// deadGracePeriod is how long a monitor whose session vanished is
	// retained for possible inheritance by a reappearing playback.
	deadGracePeriod = 60 * time.Second

	// eventPollingIdleWait is the idle sleep when notifications are expected
	// to wake the scheduler; effectively "until something happens".
	eventPollingIdleWait = 10 * time.Minute

	stopCommandTimeout = 10 * time.Second
)

// SessionSource provides fresh session snapshots; *plex.Client satisfies it.
type SessionSource interface {
	ListSessions(ctx context.Context) ([]*plex.Session, error)
}

// SchedulerConfig tunes the polling cadence.
type SchedulerConfig struct {
	ActiveInterval  time.Duration
	IdleInterval    time.Duration
	UseEventPolling bool
}

type deadMonitor struct {
	monitor *SessionMonitor
	diedAt  time.Time
}

// Manager is the single authority over the monitor collection and the global
// poll cadence. Structural mutation of the collection happens under mu; each
// monitor's pass state is guarded by the monitor's own lock.
type Manager struct {
	monitorCfg Config
	schedCfg   SchedulerConfig
	source     SessionSource
	deadGrace  time.Duration

	mu         sync.Mutex
	monitors   map[string]*SessionMonitor
	dead       map[string]*deadMonitor
	state      MonitoringState
	idleStreak int

	wake chan wakeKind

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	refreshing atomic.Bool
}

// NewManager creates a manager. source may be nil in tests.
func NewManager(monitorCfg Config, schedCfg SchedulerConfig, source SessionSource) *Manager {
	return &Manager{
		monitorCfg: monitorCfg,
		schedCfg:   schedCfg,
		source:     source,
		deadGrace:  deadGracePeriod,
		monitors:   make(map[string]*SessionMonitor),
		dead:       make(map[string]*deadMonitor),
		wake:       make(chan wakeKind, 1),
	}
}

// CreateMonitorForSession creates and starts a monitor for the session.
// Idempotent: a second call for the same playback id is a no-op.
func (mgr *Manager) CreateMonitorForSession(session PlaybackSession) *SessionMonitor {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.createMonitorLocked(session)
}

func (mgr *Manager) createMonitorLocked(session PlaybackSession) *SessionMonitor {
	id := session.PlaybackID()
	if existing, ok := mgr.monitors[id]; ok {
		return existing
	}

	m := NewSessionMonitor(session, mgr.monitorCfg)
	m.Start()
	mgr.monitors[id] = m

	log.Info().
		Str("session", id).
		Str("device", session.DeviceName()).
		Str("title", session.MediaTitle()).
		Msg("Monitoring new session")
	return m
}

// RemoveMonitorForSession stops and removes the monitor for playbackID.
func (mgr *Manager) RemoveMonitorForSession(ctx context.Context, playbackID string) {
	mgr.mu.Lock()
	m, ok := mgr.monitors[playbackID]
	if ok {
		delete(mgr.monitors, playbackID)
	}
	delete(mgr.dead, playbackID)
	mgr.mu.Unlock()

	if ok {
		m.Stop(ctx)
		log.Info().Str("session", playbackID).Msg("Session monitor removed")
	}
}

// MarkMonitorDead moves a monitor whose session vanished from a refresh into
// the dead-but-retained set, pending the grace period for reappearance under
// a new id.
func (mgr *Manager) MarkMonitorDead(playbackID string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.markMonitorDeadLocked(playbackID)
}

func (mgr *Manager) markMonitorDeadLocked(playbackID string) {
	m, ok := mgr.monitors[playbackID]
	if !ok {
		return
	}
	delete(mgr.monitors, playbackID)
	mgr.dead[playbackID] = &deadMonitor{monitor: m, diedAt: time.Now()}

	log.Debug().
		Str("session", playbackID).
		Str("device", m.Session().DeviceName()).
		Msg("Session vanished, monitor retained for grace period")
}

// TransferMonitorInheritance clones the old monitor's state into a new
// monitor bound to newSession and removes the old one. Used when the same
// logical playback reappears under a new playback id.
func (mgr *Manager) TransferMonitorInheritance(old *SessionMonitor, newSession PlaybackSession) *SessionMonitor {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.transferLocked(old, newSession)
}

func (mgr *Manager) transferLocked(old *SessionMonitor, newSession PlaybackSession) *SessionMonitor {
	state := old.Inherit()
	delete(mgr.monitors, old.PlaybackID())
	delete(mgr.dead, old.PlaybackID())

	m := NewSessionMonitor(newSession, mgr.monitorCfg)
	m.StartInherited(state)
	mgr.monitors[newSession.PlaybackID()] = m

	log.Info().
		Str("old_session", old.PlaybackID()).
		Str("new_session", newSession.PlaybackID()).
		Str("device", newSession.DeviceName()).
		Msg("Monitor state transferred to reappeared session")
	return m
}

// GetMonitorByMachineID returns the live monitor for the given client device,
// or nil.
func (mgr *Manager) GetMonitorByMachineID(machineID string) *SessionMonitor {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, m := range mgr.monitors {
		if m.Session().MachineID() == machineID {
			return m
		}
	}
	return nil
}

// MonitorCount returns the number of live monitors.
func (mgr *Manager) MonitorCount() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.monitors)
}

// State returns the scheduler's current monitoring state.
func (mgr *Manager) State() MonitoringState {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.state
}

// RefreshSessions fetches a fresh snapshot and reconciles the monitor set
// against it.
func (mgr *Manager) RefreshSessions(ctx context.Context) error {
	if mgr.source == nil {
		return nil
	}
	sessions, err := mgr.source.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("session refresh failed: %w", err)
	}
	mgr.Reconcile(ctx, sessions)
	return nil
}

// Reconcile applies a session snapshot: updates live sessions in place,
// creates monitors for new sessions (inheriting from dead ones when the
// machine and content match), marks missing sessions dead, and expires dead
// monitors past the grace period.
func (mgr *Manager) Reconcile(ctx context.Context, sessions []*plex.Session) {
	var expired []*SessionMonitor

	mgr.mu.Lock()
	seen := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		id := s.PlaybackID()
		seen[id] = true

		if existing, ok := mgr.monitors[id]; ok {
			if ps, ok := existing.Session().(*plex.Session); ok {
				ps.UpdateFrom(s)
			}
			continue
		}

		if heir := mgr.findDeadHeirLocked(s); heir != nil {
			mgr.transferLocked(heir, s)
			continue
		}

		mgr.createMonitorLocked(s)
	}

	for id := range mgr.monitors {
		if !seen[id] {
			mgr.markMonitorDeadLocked(id)
		}
	}

	now := time.Now()
	for id, d := range mgr.dead {
		if now.Sub(d.diedAt) > mgr.deadGrace {
			delete(mgr.dead, id)
			expired = append(expired, d.monitor)
		}
	}
	mgr.mu.Unlock()

	// Stopping may issue subtitle commands; keep that outside the lock.
	for _, m := range expired {
		stopCtx, cancel := context.WithTimeout(ctx, stopCommandTimeout)
		m.Stop(stopCtx)
		cancel()
		log.Info().Str("session", m.PlaybackID()).Msg("Dead session expired, monitor discarded")
	}
}

// findDeadHeirLocked returns a dead monitor representing the same logical
// playback as s: same client machine playing the same content.
func (mgr *Manager) findDeadHeirLocked(s *plex.Session) *SessionMonitor {
	for _, d := range mgr.dead {
		old := d.monitor.Session()
		if old.MachineID() == s.MachineID() && old.RatingKey() == s.RatingKey() {
			return d.monitor
		}
	}
	return nil
}

// StartScheduler starts the polling loop. No-op when already running.
func (mgr *Manager) StartScheduler(ctx context.Context) {
	mgr.runMu.Lock()
	defer mgr.runMu.Unlock()
	if mgr.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	mgr.cancel = cancel
	mgr.running = true

	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		mgr.run(loopCtx)
	}()

	log.Info().
		Dur("active_interval", mgr.schedCfg.ActiveInterval).
		Dur("idle_interval", mgr.schedCfg.IdleInterval).
		Bool("event_polling", mgr.schedCfg.UseEventPolling).
		Msg("Monitoring scheduler started")
}

// PauseScheduler stops the cadence but retains all monitor objects, so a
// reconnect can resume against the same state.
func (mgr *Manager) PauseScheduler() {
	mgr.runMu.Lock()
	defer mgr.runMu.Unlock()
	if !mgr.running {
		return
	}
	mgr.cancel()
	mgr.wg.Wait()
	mgr.running = false
	log.Info().Msg("Monitoring scheduler paused")
}

func (mgr *Manager) run(ctx context.Context) {
	for {
		anyActive := mgr.runCycle(ctx)
		mgr.updateStateAfterCycle(anyActive)

		// Fire-and-forget so the next cycle sees updated sessions.
		go mgr.refreshAsync(ctx)

		if !mgr.waitNext(ctx, mgr.sleepDuration()) {
			return
		}
	}
}

// runCycle visits every live monitor sequentially and fully before the
// cycle's sleep begins; no two cycles for the same monitor overlap.
func (mgr *Manager) runCycle(ctx context.Context) bool {
	mgr.mu.Lock()
	snapshot := make([]*SessionMonitor, 0, len(mgr.monitors))
	for _, m := range mgr.monitors {
		snapshot = append(snapshot, m)
	}
	mgr.mu.Unlock()

	anyActive := false
	for _, m := range snapshot {
		if mgr.passMonitor(ctx, m) {
			anyActive = true
		}
	}
	return anyActive
}

// passMonitor runs one poll pass with a recover boundary so one faulty
// session cannot halt the scheduler.
func (mgr *Manager) passMonitor(ctx context.Context, m *SessionMonitor) (active bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("session", m.PlaybackID()).
				Msg("Monitoring pass panicked")
			active = false
		}
	}()
	return m.MakeMonitoringPass(ctx, m.Session().PositionSeconds(), false)
}

func (mgr *Manager) updateStateAfterCycle(anyActive bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if anyActive {
		if mgr.state != StateActive {
			log.Debug().Msg("Monitoring state: active")
		}
		mgr.state = StateActive
		mgr.idleStreak = 0
		return
	}

	if mgr.state == StateActive {
		mgr.idleStreak++
		if mgr.idleStreak >= idleHysteresisCycles {
			mgr.state = StateIdle
			mgr.idleStreak = 0
			log.Debug().Msg("Monitoring state: idle")
		}
	}
}

func (mgr *Manager) sleepDuration() time.Duration {
	mgr.mu.Lock()
	state := mgr.state
	mgr.mu.Unlock()

	if state == StateActive {
		return mgr.schedCfg.ActiveInterval
	}
	if mgr.schedCfg.UseEventPolling {
		return eventPollingIdleWait
	}
	return mgr.schedCfg.IdleInterval
}

// waitNext sleeps interruptibly. Returns false when ctx is done; true when
// the next cycle should run.
func (mgr *Manager) waitNext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case k := <-mgr.wake:
			if k == wakeBreak {
				return true
			}
			// Restart the timer at full length without a pass.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		}
	}
}

// BreakFromIdle forces the state to Active and interrupts the current wait
// immediately. Called when a playing notification arrives while idle.
func (mgr *Manager) BreakFromIdle() {
	mgr.mu.Lock()
	mgr.state = StateActive
	mgr.idleStreak = 0
	mgr.mu.Unlock()

	// A break outranks a queued restart: the cycle it forces re-enters the
	// wait at full length anyway.
	for {
		select {
		case mgr.wake <- wakeBreak:
			return
		default:
		}
		select {
		case <-mgr.wake:
		default:
		}
	}
}

// RestartPassTimer interrupts the current wait without a state change,
// restarting the timer at full length.
func (mgr *Manager) RestartPassTimer() {
	select {
	case mgr.wake <- wakeRestart:
	default:
	}
}

// HandleNotification feeds a listener notification into the scheduler:
// fresh-position injection for a known monitor, wake-from-idle, and a
// refresh trigger for unknown or stopping sessions.
func (mgr *Manager) HandleNotification(ctx context.Context, ev listener.NotificationEvent) {
	if ev.Kind != listener.EventPlaying {
		return
	}

	pos := float64(ev.ViewOffsetMillis) / 1000.0

	m := mgr.GetMonitorByMachineID(ev.ClientID)
	if m == nil {
		log.Debug().
			Str("client", ev.ClientID).
			Str("state", string(ev.PlayState)).
			Msg("Notification for unknown session, refreshing")
		go mgr.refreshAsync(ctx)
		mgr.BreakFromIdle()
		return
	}

	// A stop notification reports viewOffset 0, which would read as a rewind
	// to the start. Let the refresh retire the session instead.
	if ev.PlayState == listener.PlayStateStopped {
		log.Debug().
			Str("client", ev.ClientID).
			Msg("Session stopping, refreshing")
		go mgr.refreshAsync(ctx)
		mgr.BreakFromIdle()
		return
	}

	log.Trace().
		Str("client", ev.ClientID).
		Str("state", string(ev.PlayState)).
		Float64("position", pos).
		Msg("Injecting notification position")

	if s, ok := m.Session().(interface{ SetPositionSeconds(float64) }); ok {
		s.SetPositionSeconds(pos)
	}
	m.MakeMonitoringPass(ctx, pos, true)

	if mgr.State() == StateIdle {
		mgr.BreakFromIdle()
	} else {
		mgr.RestartPassTimer()
	}
}

// refreshAsync runs one refresh unless one is already in flight.
func (mgr *Manager) refreshAsync(ctx context.Context) {
	if !mgr.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer mgr.refreshing.Store(false)

	if err := mgr.RefreshSessions(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Background session refresh failed")
	}
}

// StopAll stops the scheduler and every monitor. Used at shutdown.
func (mgr *Manager) StopAll(ctx context.Context) {
	mgr.PauseScheduler()

	mgr.mu.Lock()
	monitors := make([]*SessionMonitor, 0, len(mgr.monitors)+len(mgr.dead))
	for _, m := range mgr.monitors {
		monitors = append(monitors, m)
	}
	for _, d := range mgr.dead {
		monitors = append(monitors, d.monitor)
	}
	mgr.monitors = make(map[string]*SessionMonitor)
	mgr.dead = make(map[string]*deadMonitor)
	mgr.mu.Unlock()

	for _, m := range monitors {
		m.Stop(ctx)
	}
}

// MonitorStatus is a point-in-time view of one monitor, for the status API.
type MonitorStatus struct {
	PlaybackID         string  `json:"playback_id"`
	MachineID          string  `json:"machine_id"`
	Device             string  `json:"device"`
	Title              string  `json:"title"`
	PositionSeconds    float64 `json:"position_seconds"`
	BaselineSeconds    float64 `json:"baseline_seconds"`
	ShowingSubtitles   bool    `json:"showing_subtitles"`
	UserEnabled        bool    `json:"user_enabled"`
	CooldownCyclesLeft int     `json:"cooldown_cycles_left"`
}

// Snapshot returns the current monitoring state and per-monitor details.
func (mgr *Manager) Snapshot() (MonitoringState, []MonitorStatus) {
	mgr.mu.Lock()
	state := mgr.state
	monitors := make([]*SessionMonitor, 0, len(mgr.monitors))
	for _, m := range mgr.monitors {
		monitors = append(monitors, m)
	}
	mgr.mu.Unlock()

	statuses := make([]MonitorStatus, 0, len(monitors))
	for _, m := range monitors {
		s := m.Session()
		statuses = append(statuses, MonitorStatus{
			PlaybackID:         s.PlaybackID(),
			MachineID:          s.MachineID(),
			Device:             s.DeviceName(),
			Title:              s.MediaTitle(),
			PositionSeconds:    s.PositionSeconds(),
			BaselineSeconds:    m.LatestWatchedPosition(),
			ShowingSubtitles:   m.TemporarilyShowingSubtitles(),
			UserEnabled:        m.UserEnabledSubtitles(),
			CooldownCyclesLeft: m.CooldownCyclesLeft(),
		})
	}
	return state, statuses
}
