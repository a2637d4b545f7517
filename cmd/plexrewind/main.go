package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jul-fls/plexrewind/internal/config"
	"github.com/jul-fls/plexrewind/internal/listener"
	"github.com/jul-fls/plexrewind/internal/logging"
	"github.com/jul-fls/plexrewind/internal/monitor"
	"github.com/jul-fls/plexrewind/internal/plex"
	"github.com/jul-fls/plexrewind/internal/watchdog"
	"github.com/jul-fls/plexrewind/internal/web"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI flags
var (
	configPath  string
	serverURL   string
	serverToken string
	logFile     string
	verbosity   int

	// Timeout flags (advanced)
	httpTimeout      time.Duration
	handshakeTimeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "plexrewind",
		Short: "Plexrewind - Rewind subtitle helper for Plex",
		Long:  `Plexrewind watches Plex playback sessions and temporarily enables subtitles when a viewer rewinds, turning them back off once playback passes the point they rewound from.`,
		RunE:  run,
	}

	// Flags
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file path")
	rootCmd.Flags().StringVarP(&serverURL, "url", "u", "", "Plex server URL (or set PLEX_URL env var)")
	rootCmd.Flags().StringVarP(&serverToken, "token", "t", "", "Plex authentication token (or set PLEX_TOKEN env var)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file in addition to the console")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	// Advanced timeout flags
	rootCmd.Flags().DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout for HTTP requests to the Plex server")
	rootCmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 15*time.Second, "Timeout for establishing the notification stream")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("plexrewind %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// CLI flags and environment variables override the file.
	if serverURL != "" {
		settings.Server.URL = serverURL
	} else if settings.Server.URL == "" {
		settings.Server.URL = os.Getenv("PLEX_URL")
	}
	if serverToken != "" {
		settings.Server.Token = serverToken
	} else if settings.Server.Token == "" {
		settings.Server.Token = os.Getenv("PLEX_TOKEN")
	}
	if logFile != "" {
		settings.Log.File = logFile
	}
	switch verbosity {
	case 0:
	case 1:
		settings.Log.Level = "debug"
	default:
		settings.Log.Level = "trace"
	}

	if settings.Server.URL == "" {
		return fmt.Errorf("--url flag, server.url config key, or PLEX_URL environment variable is required")
	}
	if settings.Server.Token == "" {
		return fmt.Errorf("--token flag, server.token config key, or PLEX_TOKEN environment variable is required")
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logging.Apply(settings.Log)

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		HTTPClient:      httpTimeout,
		StreamHandshake: handshakeTimeout,
	})

	log.Info().
		Str("version", version).
		Str("server", settings.Server.URL).
		Str("transport", settings.Notifications.Transport).
		Float64("max_rewind_seconds", settings.Monitoring.MaxRewindSeconds).
		Msg("Starting Plexrewind")

	client := plex.NewClient(settings.Server.URL, settings.Server.Token)

	manager := monitor.NewManager(
		monitor.Config{
			MaxRewindSeconds:   settings.Monitoring.MaxRewindSeconds,
			SmallestResolution: settings.EffectiveResolution(),
			CooldownCycles:     settings.Monitoring.CooldownCount,
		},
		monitor.SchedulerConfig{
			ActiveInterval:  secondsToDuration(settings.Monitoring.ActiveFrequencySeconds),
			IdleInterval:    secondsToDuration(settings.Monitoring.IdleFrequencySeconds),
			UseEventPolling: settings.Monitoring.UseEventPolling,
		},
		client,
	)

	newListener := listenerFactory(settings)
	supervisor := watchdog.NewSupervisor(client, manager, newListener)

	// Hot-reload the log level on config file changes. Structural settings
	// (server, cadence, transport) require a restart.
	watcher, err := config.NewWatcher(configPath, func(s *config.Settings) {
		logging.ApplyLevel(s.Log.Level)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
	} else {
		defer watcher.Stop()
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	supervisor.Start(ctx)

	if settings.Status.Enabled {
		server := web.NewServer(settings.Status.Port, settings.Status.Bind, supervisor, manager)
		if err := server.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Status server error")
			cancel()
		}
	} else {
		<-ctx.Done()
	}

	supervisor.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	manager.StopAll(stopCtx)

	log.Info().Msg("Plexrewind stopped")
	return nil
}

func listenerFactory(settings *config.Settings) watchdog.ListenerFactory {
	url := settings.Server.URL
	token := settings.Server.Token
	if settings.Notifications.Transport == config.TransportWebSocket {
		return func(onEvent listener.EventFunc) listener.Listener {
			return listener.NewWebSocketListener(url, token, onEvent)
		}
	}
	return func(onEvent listener.EventFunc) listener.Listener {
		return listener.NewEventSourceListener(url, token, onEvent)
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
