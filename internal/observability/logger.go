// Package observability defines the structured logger and metric instruments shared by
// venuelink components.
package observability

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err wraps an error under the conventional "error" key.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string
	Format string
}

// NewZapLogger builds a zap-backed Logger. Format "console" selects the development
// encoder; anything else emits JSON.
func NewZapLogger(cfg LogConfig) (Logger, func() error, error) {
	var zcfg zap.Config
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if lvl := strings.TrimSpace(cfg.Level); lvl != "" {
		level, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, nil, fmt.Errorf("parse log level %q: %w", lvl, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	base, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger: %w", err)
	}
	return WrapZap(base), base.Sync, nil
}

// WrapZap adapts an existing zap logger.
func WrapZap(base *zap.Logger) Logger {
	if base == nil {
		return noopLogger{}
	}
	return zapLogger{base: base.WithOptions(zap.AddCallerSkip(1))}
}

type zapLogger struct {
	base *zap.Logger
}

func (l zapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, toZap(fields)...) }
func (l zapLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, toZap(fields)...) }
func (l zapLogger) Warn(msg string, fields ...Field)  { l.base.Warn(msg, toZap(fields)...) }
func (l zapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, toZap(fields)...) }

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

// With returns a logger that prepends fields to every entry.
func With(logger Logger, fields ...Field) Logger {
	if logger == nil {
		return noopLogger{}
	}
	if len(fields) == 0 {
		return logger
	}
	if zl, ok := logger.(zapLogger); ok {
		return zapLogger{base: zl.base.With(toZap(fields)...)}
	}
	return prefixed{next: logger, fields: fields}
}

type prefixed struct {
	next   Logger
	fields []Field
}

func (p prefixed) merge(fields []Field) []Field {
	out := make([]Field, 0, len(p.fields)+len(fields))
	out = append(out, p.fields...)
	return append(out, fields...)
}

func (p prefixed) Debug(msg string, fields ...Field) { p.next.Debug(msg, p.merge(fields)...) }
func (p prefixed) Info(msg string, fields ...Field)  { p.next.Info(msg, p.merge(fields)...) }
func (p prefixed) Warn(msg string, fields ...Field)  { p.next.Warn(msg, p.merge(fields)...) }
func (p prefixed) Error(msg string, fields ...Field) { p.next.Error(msg, p.merge(fields)...) }

// Entry is a log line captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// Field returns the value recorded under key.
func (e Entry) Field(key string) (any, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Recorder is an in-memory Logger for tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(level, msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Fields: append([]Field(nil), fields...)})
}

func (r *Recorder) Debug(msg string, fields ...Field) { r.record("debug", msg, fields) }
func (r *Recorder) Info(msg string, fields ...Field)  { r.record("info", msg, fields) }
func (r *Recorder) Warn(msg string, fields ...Field)  { r.record("warn", msg, fields) }
func (r *Recorder) Error(msg string, fields ...Field) { r.record("error", msg, fields) }

// Entries returns a copy of every captured entry.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Find returns the captured entries whose message equals msg.
func (r *Recorder) Find(msg string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}
