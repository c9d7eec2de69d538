package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level is a zerolog level spelled out as a config-friendly string.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. An empty or unrecognized Level
// falls back to InfoLevel rather than failing startup over a typo'd
// config value.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Fields is the set of identifying attributes a log line in this
// runtime might want attached. Every field is optional; only the ones
// set are added to the returned logger, so a bare Fields{Component: "x"}
// behaves like the old WithComponent did, while a call site deep in a
// state transition can attach component, module instance, and
// operation id together in one call instead of chaining three.
type Fields struct {
	Component      string
	ModuleInstance *uint16
	OperationID    string
	TxID           string
}

// With returns a child logger carrying every field set in f.
func With(f Fields) zerolog.Logger {
	ctx := Logger.With()
	if f.Component != "" {
		ctx = ctx.Str("component", f.Component)
	}
	if f.ModuleInstance != nil {
		ctx = ctx.Uint16("module_instance", *f.ModuleInstance)
	}
	if f.OperationID != "" {
		ctx = ctx.Str("op_id", f.OperationID)
	}
	if f.TxID != "" {
		ctx = ctx.Str("txid", f.TxID)
	}
	return ctx.Logger()
}

// WithComponent creates a child logger with only the component field
// set; a thin convenience over With for the common single-field case.
func WithComponent(component string) zerolog.Logger {
	return With(Fields{Component: component})
}

// Helper functions for common logging patterns.

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
