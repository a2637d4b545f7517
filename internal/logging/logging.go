package logging

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jul-fls/plexrewind/internal/config"
)

const (
	DefaultLogFilePath = "plexrewind.log"
	DefaultMaxSizeMB   = 50
	DefaultMaxBackups  = 5
	DefaultMaxAgeDays  = 30
)

// Apply sets the global log level and output writers (console + rotating file).
// When settings.File is empty, logging goes to the console only.
func Apply(settings config.LogSettings) {
	ApplyLevel(settings.Level)
	applyOutputs(settings)
}

// ApplyLevel sets only the global level. Safe to call on config reload.
func ApplyLevel(level string) {
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func applyOutputs(settings config.LogSettings) {
	consoleOutput := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
	log.Logger = zerolog.New(consoleOutput).With().Timestamp().Logger()

	if settings.File == "" {
		return
	}

	if err := ensureLogDir(settings.File); err != nil {
		log.Error().Err(err).Str("path", settings.File).Msg("Failed to prepare log directory; logging to console only")
		return
	}

	maxSize := settings.MaxSizeMB
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeMB
	}
	maxBackups := settings.MaxBackups
	if maxBackups < 0 {
		maxBackups = DefaultMaxBackups
	}
	maxAgeDays := settings.MaxAgeDays
	if maxAgeDays < 0 {
		maxAgeDays = DefaultMaxAgeDays
	}

	fileWriter := &lumberjack.Logger{
		Filename:   settings.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   settings.Compress,
	}

	fileConsole := zerolog.ConsoleWriter{
		Out:        fileWriter,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}

	multi := zerolog.MultiLevelWriter(consoleOutput, fileConsole)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
