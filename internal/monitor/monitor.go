package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jul-fls/plexrewind/internal/plex"
)

// PlaybackSession is the view of one playback session a monitor needs.
// *plex.Session satisfies it; tests substitute fakes.
type PlaybackSession interface {
	PlaybackID() string
	MachineID() string
	DeviceName() string
	MediaTitle() string
	RatingKey() string
	PositionSeconds() float64
	KnownShowingSubtitles() (showing bool, known bool)
	EnableSubtitles(ctx context.Context) error
	DisableSubtitles(ctx context.Context) error
}

const (
	// fastForwardThresholdSec is the minimum forward jump that counts as a
	// deliberate fast-forward rather than normal playback progress.
	fastForwardThresholdSec = 7

	// rewindTriggerSlackSec absorbs coarse position reporting: a sample must
	// fall more than this below the watched baseline to count as a rewind.
	rewindTriggerSlackSec = 2

	// pendingDisableCycles suppresses manual-enable detection for a few poll
	// cycles after this monitor issued a disable; players keep reporting the
	// old subtitle selection for a short time after the command lands.
	pendingDisableCycles = 3

	commandRetryAttempts = 3
)

// Config tunes one monitor's state machine.
type Config struct {
	// MaxRewindSeconds: rewinding further than this below the baseline is
	// deliberate seeking and never triggers the overlay.
	MaxRewindSeconds float64

	// SmallestResolution is the minimum meaningful position change.
	SmallestResolution float64

	// CooldownCycles is armed after an over-rewind to absorb multi-press
	// remote rewinding.
	CooldownCycles int

	// CommandRetryDelay spaces subtitle command retries. Defaults to 150ms.
	CommandRetryDelay time.Duration
}

func (c Config) retryDelay() time.Duration {
	if c.CommandRetryDelay > 0 {
		return c.CommandRetryDelay
	}
	return 150 * time.Millisecond
}

// InheritedState carries monitor state across a session-id change, so a
// playback that reappears under a new id keeps its rewind baseline.
type InheritedState struct {
	LatestWatchedPosition       float64
	UserEnabledSubtitles        bool
	TemporarilyShowingSubtitles bool
	CooldownCyclesLeft          int
}

// SessionMonitor watches one playback session and toggles a temporary
// subtitle overlay when the user rewinds. All state is guarded by mu;
// notification-driven and poll-driven passes serialize on it.
type SessionMonitor struct {
	session PlaybackSession
	cfg     Config

	mu     sync.Mutex
	active bool

	latestWatchedPosition       float64
	previousPosition            float64
	cooldownCyclesLeft          int
	cooldownCeiling             int
	temporarilyShowingSubtitles bool
	userEnabledSubtitles        bool
	pendingDisableCyclesLeft    int
	discardNextPass             bool

	// one background command retry at a time
	retryInFlight bool
}

// NewSessionMonitor creates a monitor for session. Call Start before passes.
func NewSessionMonitor(session PlaybackSession, cfg Config) *SessionMonitor {
	return &SessionMonitor{
		session:         session,
		cfg:             cfg,
		cooldownCeiling: cfg.CooldownCycles,
	}
}

// Start activates the monitor, taking the session's current position as the
// baseline so a freshly discovered mid-playback session does not look like a
// rewind from zero.
func (m *SessionMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	m.active = true

	pos := m.session.PositionSeconds()
	m.latestWatchedPosition = pos
	m.previousPosition = pos

	log.Debug().
		Str("session", m.session.PlaybackID()).
		Str("device", m.session.DeviceName()).
		Str("title", m.session.MediaTitle()).
		Float64("position", pos).
		Msg("Session monitor started")
}

// StartInherited activates the monitor with state carried over from a dying
// monitor for the same logical playback.
func (m *SessionMonitor) StartInherited(state InheritedState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	m.active = true

	m.latestWatchedPosition = state.LatestWatchedPosition
	m.previousPosition = m.session.PositionSeconds()
	m.userEnabledSubtitles = state.UserEnabledSubtitles
	m.temporarilyShowingSubtitles = state.TemporarilyShowingSubtitles
	m.cooldownCyclesLeft = state.CooldownCyclesLeft

	log.Debug().
		Str("session", m.session.PlaybackID()).
		Str("device", m.session.DeviceName()).
		Float64("baseline", state.LatestWatchedPosition).
		Msg("Session monitor started with inherited state")
}

// Stop halts future passes. Subtitles enabled by this monitor are turned back
// off on a best-effort basis.
func (m *SessionMonitor) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	mustDisable := m.temporarilyShowingSubtitles
	m.temporarilyShowingSubtitles = false
	m.mu.Unlock()

	if mustDisable {
		if err := m.session.DisableSubtitles(ctx); err != nil && !errors.Is(err, plex.ErrNoSubtitleTracks) {
			log.Warn().Err(err).
				Str("session", m.session.PlaybackID()).
				Msg("Failed to disable subtitles while stopping monitor")
		}
	}

	log.Debug().
		Str("session", m.session.PlaybackID()).
		Str("device", m.session.DeviceName()).
		Msg("Session monitor stopped")
}

// Inherit deactivates the monitor and returns the state a successor monitor
// should carry. Unlike Stop it leaves player-side subtitle state alone.
func (m *SessionMonitor) Inherit() InheritedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	return InheritedState{
		LatestWatchedPosition:       m.latestWatchedPosition,
		UserEnabledSubtitles:        m.userEnabledSubtitles,
		TemporarilyShowingSubtitles: m.temporarilyShowingSubtitles,
		CooldownCyclesLeft:          m.cooldownCyclesLeft,
	}
}

// MakeMonitoringPass consumes one position sample. fromNotification marks
// samples pushed by the event listener rather than the regular poll. The
// return value reports whether this monitor is actively tracking, which
// feeds the scheduler's Active/Idle decision.
func (m *SessionMonitor) MakeMonitoringPass(ctx context.Context, positionSample float64, fromNotification bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return false
	}

	// No new information: leave every bit of state untouched.
	if positionSample == m.previousPosition {
		return m.temporarilyShowingSubtitles || m.cooldownCyclesLeft > 0
	}

	// A poll pass right after a notification pass may carry stale or
	// duplicate data; consume the discard flag and skip side effects.
	discarding := false
	if !fromNotification && m.discardNextPass {
		m.discardNextPass = false
		discarding = true
	}

	prev := m.previousPosition
	pos := positionSample
	pendingAtStart := m.pendingDisableCyclesLeft
	smallest := m.cfg.SmallestResolution
	ffJump := math.Max(smallest+rewindTriggerSlackSec, fastForwardThresholdSec)

	showing, showingKnown := m.session.KnownShowingSubtitles()

	switch {
	case m.userEnabledSubtitles:
		if showingKnown && !showing {
			log.Debug().
				Str("session", m.session.PlaybackID()).
				Msg("User turned subtitles off, resuming rewind detection")
			m.userEnabledSubtitles = false
		}
		m.advanceBaseline(pos, discarding)

	case showingKnown && showing && !m.temporarilyShowingSubtitles && m.pendingDisableCyclesLeft == 0:
		// The user turned subtitles on themselves. Never auto-disable these.
		m.userEnabledSubtitles = true
		m.advanceBaseline(pos, discarding)
		log.Info().
			Str("session", m.session.PlaybackID()).
			Str("device", m.session.DeviceName()).
			Msg("User-enabled subtitles detected, overlay disabled for this session")

	case m.temporarilyShowingSubtitles:
		switch {
		case discarding:
			// bookkeeping only
		case pos > prev+ffJump:
			log.Info().
				Str("session", m.session.PlaybackID()).
				Float64("from", prev).
				Float64("to", pos).
				Msg("Fast-forward detected, hiding subtitles")
			m.disableLocked(ctx, pos, false)
		case pos < m.latestWatchedPosition-m.cfg.MaxRewindSeconds:
			log.Info().
				Str("session", m.session.PlaybackID()).
				Float64("position", pos).
				Float64("baseline", m.latestWatchedPosition).
				Int("cooldown_cycles", m.cooldownCeiling).
				Msg("Rewound past the limit, hiding subtitles and starting cooldown")
			m.disableLocked(ctx, pos, true)
		case pos >= m.latestWatchedPosition+smallest:
			log.Info().
				Str("session", m.session.PlaybackID()).
				Float64("position", pos).
				Msg("Caught back up, hiding subtitles")
			m.disableLocked(ctx, pos, false)
		}

	case m.cooldownCyclesLeft > 0:
		switch {
		case discarding:
		case pos > prev+ffJump:
			log.Debug().
				Str("session", m.session.PlaybackID()).
				Msg("Fast-forward during cooldown, cancelling cooldown")
			m.cooldownCyclesLeft = 0
		case pos < prev:
			// Still rewinding: restart the cooldown window.
			m.cooldownCyclesLeft = m.cooldownCeiling
		case !fromNotification:
			m.cooldownCyclesLeft--
		}

	case pos < m.latestWatchedPosition-rewindTriggerSlackSec &&
		pos >= m.latestWatchedPosition-m.cfg.MaxRewindSeconds:
		if !discarding {
			log.Info().
				Str("session", m.session.PlaybackID()).
				Str("device", m.session.DeviceName()).
				Float64("from", m.latestWatchedPosition).
				Float64("to", pos).
				Msg("Rewind detected, showing subtitles")
			m.enableLocked(ctx, pos)
		}

	default:
		m.advanceBaseline(pos, discarding)
	}

	// A pass that begins inside the suppression window consumes one cycle.
	// A disable issued during this very pass keeps its full window.
	if pendingAtStart > 0 && m.pendingDisableCyclesLeft > 0 && !fromNotification && !discarding {
		m.pendingDisableCyclesLeft--
	}

	// The very next poll pass after a notification may duplicate it.
	if fromNotification {
		m.discardNextPass = true
	}

	m.previousPosition = pos
	return true
}

// advanceBaseline moves the watched-position baseline forward. Frozen while a
// cooldown runs or while discarding a duplicate pass, so the "origin" the
// user rewound from cannot drift mid-rewind.
func (m *SessionMonitor) advanceBaseline(pos float64, discarding bool) {
	if m.cooldownCyclesLeft == 0 && !discarding {
		m.latestWatchedPosition = pos
	}
}

// enableLocked issues the subtitle-enable command. The first attempt runs
// inline so the overlay flag reflects a confirmed enable; failures hand the
// remaining attempts to a background retry. Caller must hold m.mu.
func (m *SessionMonitor) enableLocked(ctx context.Context, pos float64) {
	err := m.session.EnableSubtitles(ctx)
	switch {
	case err == nil:
		m.temporarilyShowingSubtitles = true
		m.latestWatchedPosition = pos
	case errors.Is(err, plex.ErrNoSubtitleTracks):
		log.Debug().
			Str("session", m.session.PlaybackID()).
			Msg("No subtitle tracks available, nothing to show")
	default:
		log.Warn().Err(err).
			Str("session", m.session.PlaybackID()).
			Msg("Subtitle enable failed, retrying in background")
		m.spawnRetryLocked(true, pos)
	}
}

// disableLocked issues the subtitle-disable command, arming the cooldown when
// requested. Caller must hold m.mu.
func (m *SessionMonitor) disableLocked(ctx context.Context, pos float64, armCooldown bool) {
	err := m.session.DisableSubtitles(ctx)
	switch {
	case err == nil, errors.Is(err, plex.ErrNoSubtitleTracks):
		m.temporarilyShowingSubtitles = false
		m.pendingDisableCyclesLeft = pendingDisableCycles
	default:
		log.Warn().Err(err).
			Str("session", m.session.PlaybackID()).
			Msg("Subtitle disable failed, retrying in background")
		m.spawnRetryLocked(false, pos)
	}

	m.advanceBaseline(pos, false)
	if armCooldown {
		m.cooldownCyclesLeft = m.cooldownCeiling
	}
}

// spawnRetryLocked starts the background retry task unless one is already
// running. Caller must hold m.mu.
func (m *SessionMonitor) spawnRetryLocked(enable bool, pos float64) {
	if m.retryInFlight {
		return
	}
	m.retryInFlight = true
	go m.retryCommand(enable, pos)
}

func (m *SessionMonitor) retryCommand(enable bool, pos float64) {
	defer func() {
		m.mu.Lock()
		m.retryInFlight = false
		m.mu.Unlock()
	}()

	for attempt := 2; attempt <= commandRetryAttempts; attempt++ {
		time.Sleep(m.cfg.retryDelay())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		if enable {
			err = m.session.EnableSubtitles(ctx)
		} else {
			err = m.session.DisableSubtitles(ctx)
		}
		cancel()

		if errors.Is(err, plex.ErrNoSubtitleTracks) {
			return
		}
		if err != nil {
			log.Debug().Err(err).
				Str("session", m.session.PlaybackID()).
				Bool("enable", enable).
				Int("attempt", attempt).
				Msg("Subtitle command retry failed")
			continue
		}

		m.mu.Lock()
		if m.active {
			if enable {
				m.temporarilyShowingSubtitles = true
				m.latestWatchedPosition = pos
			} else {
				m.temporarilyShowingSubtitles = false
				m.pendingDisableCyclesLeft = pendingDisableCycles
			}
		}
		m.mu.Unlock()
		return
	}

	log.Error().
		Str("session", m.session.PlaybackID()).
		Str("device", m.session.DeviceName()).
		Bool("enable", enable).
		Msg("Subtitle command failed after all retries, will try again on the next transition")
}

// Session returns the monitored session.
func (m *SessionMonitor) Session() PlaybackSession {
	return m.session
}

// PlaybackID returns the monitored session's playback id.
func (m *SessionMonitor) PlaybackID() string {
	return m.session.PlaybackID()
}

// CooldownCyclesLeft reports the remaining cooldown cycles.
func (m *SessionMonitor) CooldownCyclesLeft() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownCyclesLeft
}

// TemporarilyShowingSubtitles reports whether this monitor currently has the
// overlay enabled.
func (m *SessionMonitor) TemporarilyShowingSubtitles() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temporarilyShowingSubtitles
}

// UserEnabledSubtitles reports whether the user turned subtitles on manually.
func (m *SessionMonitor) UserEnabledSubtitles() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userEnabledSubtitles
}

// LatestWatchedPosition returns the current watched-position baseline.
func (m *SessionMonitor) LatestWatchedPosition() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestWatchedPosition
}
