package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying provisioning context: target, role,
// action and pipeline. Derived loggers share the sink of their parent.
type Logger struct {
	zlog zerolog.Logger
}

type loggerKey struct{}

// NewLogger builds a logger for cfg. Output is stderr, stdout or a file
// path opened for append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	sink, err := openSink(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", cfg.Output, err)
	}
	return NewLoggerTo(sink, cfg), nil
}

func openSink(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// NewLoggerTo builds a logger writing to w in cfg's format and level.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zctx := zerolog.New(w).Level(levelOf(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}
}

// NewNopLogger returns a logger that drops every message.
func NewNopLogger() *Logger { return &Logger{zlog: zerolog.Nop()} }

// levelOf maps a configured level name to zerolog, defaulting to info.
func levelOf(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Zerolog exposes the underlying logger for event-style logging.
func (l *Logger) Zerolog() *zerolog.Logger { return &l.zlog }

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx. Without one it returns an
// info-level stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return NewLoggerTo(os.Stderr, LoggingConfig{})
}

func (l *Logger) derive(add func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: add(l.zlog.With()).Logger()}
}

// NewComponentLogger tags messages with the emitting component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.WithField("component", component)
}

// WithField attaches one key/value pair.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithTarget attaches the target name.
func (l *Logger) WithTarget(name string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("target", name) })
}

// WithRole attaches a role's name and instance id.
func (l *Logger) WithRole(name, id string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context {
		return c.Str("role", name).Str("role_id", id)
	})
}

// WithAction attaches an action's id and display name.
func (l *Logger) WithAction(id, summary string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context {
		return c.Str("action_id", id).Str("action", summary)
	})
}

// WithPipeline attaches a pipeline id.
func (l *Logger) WithPipeline(id string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("pipeline", id) })
}

// WithError attaches err under the standard error field.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, a ...interface{}) { l.zlog.Debug().Msgf(format, a...) }
func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }
func (l *Logger) Infof(format string, a ...interface{}) { l.zlog.Info().Msgf(format, a...) }
func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, a ...interface{}) { l.zlog.Warn().Msgf(format, a...) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
func (l *Logger) Errorf(format string, a ...interface{}) { l.zlog.Error().Msgf(format, a...) }
