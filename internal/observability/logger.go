package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig contains logger configuration options.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic).
	Level string

	// Format is the output format (json, console, pretty).
	Format string

	// Output is the output destination (stdout, stderr).
	Output string

	// AddSource adds source file and line number to log entries.
	AddSource bool

	// TimeFormat is the time format for timestamps.
	TimeFormat string

	// Writer overrides Output when set. Used by tests to capture log lines.
	Writer io.Writer
}

// DefaultLoggingConfig returns a LoggingConfig with sensible defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a new zerolog logger based on configuration.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	output := cfg.Writer
	if output == nil {
		switch strings.ToLower(cfg.Output) {
		case "stderr":
			output = os.Stderr
		default:
			output = os.Stdout
		}
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}

	ctx := zerolog.New(output).With().Timestamp().Str("service", ServiceName)
	if cfg.AddSource {
		ctx = ctx.Caller()
	}

	level := ParseLevel(cfg.Level)
	return ctx.Logger().Level(level)
}

// ServiceName is attached to every log line and used as the metrics namespace.
const ServiceName = "literature_monitor"

// ParseLevel converts a string log level to zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a sub-logger tagged with the component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithExecutionContext adds execution fields to a logger.
func WithExecutionContext(logger zerolog.Logger, executionID, streamID, runType string) zerolog.Logger {
	return logger.With().
		Str("execution_id", executionID).
		Str("stream_id", streamID).
		Str("run_type", runType).
		Logger()
}

// WithJobContext adds the worker-state job key to a logger.
func WithJobContext(logger zerolog.Logger, jobKey string) zerolog.Logger {
	return logger.With().Str("job_key", jobKey).Logger()
}

// WithStageContext adds the pipeline stage to a logger.
func WithStageContext(logger zerolog.Logger, stage string) zerolog.Logger {
	return logger.With().Str("stage", stage).Logger()
}

// WithCandidateContext adds candidate fields to a logger.
func WithCandidateContext(logger zerolog.Logger, candidateID, externalID string) zerolog.Logger {
	return logger.With().
		Str("candidate_id", candidateID).
		Str("external_id", externalID).
		Logger()
}
