package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger provides structured logging capabilities
type Logger struct {
	*slog.Logger
}

// LogLevel represents log level constants
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a LogLevel
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config represents logger configuration
type Config struct {
	Level  LogLevel
	Format string // "json" or "text"
	Output io.Writer
}

// NewLogger creates a new structured logger
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case LevelDebug:
		level = slog.LevelDebug
	case LevelInfo:
		level = slog.LevelInfo
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// GetDefaultLogger returns a logger with sensible defaults
func GetDefaultLogger() *Logger {
	return NewLogger(Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stdout,
	})
}

// WithContext adds contextual fields to the logger
func (l *Logger) WithContext(args ...any) *Logger {
	return &Logger{
		Logger: l.With(args...),
	}
}

// WithProxy adds proxy context
func (l *Logger) WithProxy(proxy string) *Logger {
	return l.WithContext("proxy", proxy)
}

// WithJudge adds judge endpoint context
func (l *Logger) WithJudge(url string) *Logger {
	return l.WithContext("judge", url)
}

// ConfigLoaded logs successful configuration loading
func (l *Logger) ConfigLoaded(file string) {
	l.Info("Configuration loaded", "file", file)
}

// ConfigNotFound logs when config file is not found
func (l *Logger) ConfigNotFound(file string) {
	l.Warn("Config file not found, using defaults", "file", file)
}

// JudgeBaseline logs the frozen judge baseline for the session
func (l *Logger) JudgeBaseline(url string, publicIP string) {
	l.WithJudge(url).Info("Judge baseline captured", "public_ip", publicIP)
}

// JudgeFallback logs a judge that failed to initialize
func (l *Logger) JudgeFallback(url string, err error) {
	l.WithJudge(url).Warn("Judge unusable, trying next", "error", err)
}

// ValidationStart logs start of a validation sweep
func (l *Logger) ValidationStart(total int, concurrency int) {
	l.Info("Starting proxy validation", "total", total, "concurrency", concurrency)
}

// ValidationComplete logs completion of a validation sweep
func (l *Logger) ValidationComplete(checked int, alive int) {
	l.Info("Validation complete", "checked", checked, "alive", alive)
}

// ValidationSuccess logs a successful probe
func (l *Logger) ValidationSuccess(proxy string, anonymity string, latencyMs int64) {
	l.WithProxy(proxy).Info("Proxy validated",
		"anonymity", anonymity, "latency_ms", latencyMs)
}

// ValidationFailure logs a failed probe
func (l *Logger) ValidationFailure(proxy string, failures int, err error) {
	l.WithProxy(proxy).Warn("Proxy validation failed",
		"consecutive_failures", failures, "error", err)
}

// ProxyDead logs a record transitioning to the dead state
func (l *Logger) ProxyDead(proxy string, cooldownSecs float64) {
	l.WithProxy(proxy).Info("Proxy marked dead", "cooldown_secs", cooldownSecs)
}

// EnrichmentComplete logs a completed metadata lookup
func (l *Logger) EnrichmentComplete(proxy string, country string, asn string) {
	l.WithProxy(proxy).Info("Proxy enriched", "country", country, "asn", asn)
}

// HarvestComplete logs a source fetch outcome
func (l *Logger) HarvestComplete(source string, candidates int, err error) {
	if err != nil {
		l.Warn("Source harvest failed", "source", source, "error", err)
		return
	}
	l.Info("Source harvested", "source", source, "candidates", candidates)
}

// PoolSaved logs a persisted pool
func (l *Logger) PoolSaved(file string, records int) {
	l.Info("Pool saved", "file", file, "records", records)
}

// ShutdownReceived logs shutdown signal
func (l *Logger) ShutdownReceived() {
	l.Info("Shutdown signal received, cleaning up...")
}

// SummaryStats logs summary statistics
func (l *Logger) SummaryStats(total, alive, failing, dead int) {
	l.Info("Pool summary",
		"total", total,
		"alive", alive,
		"failing", failing,
		"dead", dead,
	)
}
