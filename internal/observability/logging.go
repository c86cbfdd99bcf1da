// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, and a closed error taxonomy shared by every
// substrate component: slog-based logging with redaction, Prometheus
// counters/histograms, and context-correlated span helpers.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is the type for context keys used for log/trace correlation.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	AgentIDKey   ContextKey = "agent_id"
	ChannelIDKey ContextKey = "channel_id"
	RunIDKey     ContextKey = "run_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AgentIDKey, id)
}

func GetAgentID(ctx context.Context) string {
	v, _ := ctx.Value(AgentIDKey).(string)
	return v
}

func WithChannelID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ChannelIDKey, id)
}

func GetChannelID(ctx context.Context) string {
	v, _ := ctx.Value(ChannelIDKey).(string)
	return v
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	Level          string // debug|info|warn|error
	Format         string // json|text
	Output         io.Writer
	AddSource      bool
	RedactPatterns []string
}

var defaultRedactions = []string{
	`(?i)(api[_-]?key\s*[:=]\s*)(\S+)`,
	`(?i)(authorization:\s*bearer\s+)(\S+)`,
	`(?i)(password\s*[:=]\s*)(\S+)`,
	`(?i)(secret\s*[:=]\s*)(\S+)`,
}

// Logger wraps slog.Logger with request correlation and redaction of
// sensitive substrings before they reach the sink.
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// NewLogger builds a Logger per cfg. An empty Level defaults to "info"; an
// empty Format defaults to "json".
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	patterns := append([]string(nil), defaultRedactions...)
	patterns = append(patterns, cfg.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), config: cfg, redacts: redacts}
}

func (l *Logger) redact(msg string) string {
	for _, re := range l.redacts {
		msg = re.ReplaceAllString(msg, "${1}[REDACTED]")
	}
	return msg
}

func (l *Logger) withCorrelation(ctx context.Context, args []any) []any {
	if rid := GetRequestID(ctx); rid != "" {
		args = append(args, "request_id", rid)
	}
	if aid := GetAgentID(ctx); aid != "" {
		args = append(args, "agent_id", aid)
	}
	if cid := GetChannelID(ctx); cid != "" {
		args = append(args, "channel_id", cid)
	}
	return args
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.Debug(l.redact(msg), l.withCorrelation(ctx, args)...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.Info(l.redact(msg), l.withCorrelation(ctx, args)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.Warn(l.redact(msg), l.withCorrelation(ctx, args)...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.Error(l.redact(msg), l.withCorrelation(ctx, args)...)
}

// With returns a Logger carrying the given static fields on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), config: l.config, redacts: l.redacts}
}

// Slog exposes the underlying *slog.Logger for collaborators that want it
// directly (e.g. library packages constructed outside this one).
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// marshalForLog is a small helper for attaching a JSON blob as a single
// log field without panicking on encode errors. It has no callers in
// this module.
func marshalForLog(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<unencodable>"
	}
	return string(b)
}
