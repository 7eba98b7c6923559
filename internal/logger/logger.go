package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger with the specified level.
func Setup(level, environment string) {
	zerolog.TimeFieldFormat = time.RFC3339

	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Console writer for human-readable output in development
	if environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	log.Info().Str("level", level).Msg("Logger initialized")
}

// WithComponent returns a logger with component context.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Timestamp().
		Str("component", component).
		Logger()
}

// WithTrader returns a logger with trader context.
func WithTrader(traderID string) zerolog.Logger {
	return log.With().
		Timestamp().
		Str("trader_id", traderID).
		Logger()
}

// WithSignal returns a logger with signal context.
func WithSignal(signalID string) zerolog.Logger {
	return log.With().
		Timestamp().
		Str("signal_id", signalID).
		Logger()
}
