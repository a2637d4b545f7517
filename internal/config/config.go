package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Notification transport selection for the event listener.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// ServerSettings identify the Plex server to monitor.
type ServerSettings struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// MonitoringSettings tune the rewind detection state machine and poll cadence.
type MonitoringSettings struct {
	// MaxRewindSeconds is the largest rewind that still counts as "went back
	// to re-watch something". Rewinding further than this is treated as
	// deliberate seeking and force-disables subtitles.
	MaxRewindSeconds float64 `yaml:"max_rewind_seconds"`

	// ActiveFrequencySeconds is the poll interval while any session is
	// actively being tracked.
	ActiveFrequencySeconds float64 `yaml:"active_frequency_seconds"`

	// IdleFrequencySeconds is the poll interval while no session is doing
	// anything. Ignored when UseEventPolling is set: the scheduler then
	// sleeps until a notification wakes it.
	IdleFrequencySeconds float64 `yaml:"idle_frequency_seconds"`

	// CooldownCount is the number of scheduler cycles during which rewind
	// detection stays suppressed after an over-rewind.
	CooldownCount int `yaml:"cooldown_count"`

	// SmallestResolutionSeconds is the minimum meaningful change in reported
	// position. The effective resolution is the larger of this value and the
	// active poll interval.
	SmallestResolutionSeconds float64 `yaml:"smallest_resolution_seconds"`

	// UseEventPolling prefers notification-driven wakeups over pure interval
	// polling while idle.
	UseEventPolling bool `yaml:"use_event_polling"`
}

// NotificationSettings select how playback notifications are received.
type NotificationSettings struct {
	Transport string `yaml:"transport"`
}

// LogSettings configure console/file logging.
type LogSettings struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StatusSettings configure the optional HTTP status endpoint.
type StatusSettings struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

// Settings is the full typed configuration. Fields are bound explicitly; no
// runtime field discovery.
type Settings struct {
	Server        ServerSettings       `yaml:"server"`
	Monitoring    MonitoringSettings   `yaml:"monitoring"`
	Notifications NotificationSettings `yaml:"notifications"`
	Log           LogSettings          `yaml:"log"`
	Status        StatusSettings       `yaml:"status"`
}

// Default returns the settings used when a key is absent from the file.
func Default() *Settings {
	return &Settings{
		Monitoring: MonitoringSettings{
			MaxRewindSeconds:          60,
			ActiveFrequencySeconds:    1,
			IdleFrequencySeconds:      30,
			CooldownCount:             5,
			SmallestResolutionSeconds: 5,
			UseEventPolling:           true,
		},
		Notifications: NotificationSettings{
			Transport: TransportSSE,
		},
		Log: LogSettings{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Status: StatusSettings{
			Bind: "127.0.0.1",
			Port: 8570,
		},
	}
}

// Load reads and validates the settings file at path. A missing file is not
// an error; defaults are returned so the CLI flags can fill in the rest.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks value ranges and normalizes derived fields.
func (s *Settings) Validate() error {
	if s.Server.URL != "" {
		parsed, err := url.Parse(s.Server.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid server url: %q", s.Server.URL)
		}
		s.Server.URL = strings.TrimRight(s.Server.URL, "/")
	}

	if s.Monitoring.MaxRewindSeconds <= 0 {
		return fmt.Errorf("max_rewind_seconds must be positive, got %v", s.Monitoring.MaxRewindSeconds)
	}
	if s.Monitoring.ActiveFrequencySeconds <= 0 {
		return fmt.Errorf("active_frequency_seconds must be positive, got %v", s.Monitoring.ActiveFrequencySeconds)
	}
	if s.Monitoring.IdleFrequencySeconds <= 0 {
		return fmt.Errorf("idle_frequency_seconds must be positive, got %v", s.Monitoring.IdleFrequencySeconds)
	}
	if s.Monitoring.CooldownCount < 0 {
		return fmt.Errorf("cooldown_count must not be negative, got %d", s.Monitoring.CooldownCount)
	}
	if s.Monitoring.SmallestResolutionSeconds <= 0 {
		return fmt.Errorf("smallest_resolution_seconds must be positive, got %v", s.Monitoring.SmallestResolutionSeconds)
	}

	switch s.Notifications.Transport {
	case "", TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("notifications.transport must be %q or %q, got %q", TransportSSE, TransportWebSocket, s.Notifications.Transport)
	}
	if s.Notifications.Transport == "" {
		s.Notifications.Transport = TransportSSE
	}

	if s.Status.Enabled && (s.Status.Port < 1 || s.Status.Port > 65535) {
		return fmt.Errorf("status.port must be a valid port, got %d", s.Status.Port)
	}

	return nil
}

// EffectiveResolution returns the smallest meaningful position change:
// the configured resolution, but never finer than the active poll interval.
func (s *Settings) EffectiveResolution() float64 {
	if s.Monitoring.ActiveFrequencySeconds > s.Monitoring.SmallestResolutionSeconds {
		return s.Monitoring.ActiveFrequencySeconds
	}
	return s.Monitoring.SmallestResolutionSeconds
}
