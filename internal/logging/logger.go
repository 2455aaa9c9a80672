// Package logging provides structured logging with a daily file, optional
// console output and an in-memory history that UI clients can tail.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is a minimum log level name as it appears in config.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one log line as streamed to the bridge.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// Config holds logger configuration.
type Config struct {
	Dir        string // log directory, default ~/.foxy/logs
	Level      Level
	MaxHistory int
	Console    bool
}

// DefaultConfig returns the defaults used when no config file exists.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Dir:        filepath.Join(home, ".foxy", "logs"),
		Level:      LevelInfo,
		MaxHistory: 500,
		Console:    false,
	}
}

// Logger wraps zerolog and keeps a bounded history of recent entries.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	path    string
	mu      sync.RWMutex
	history []Entry
	maxHist int
	onLog   func(Entry)
}

// New opens foxy_<date>.log under cfg.Dir and returns a Logger writing to it.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(cfg.Dir, fmt.Sprintf("foxy_%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	writers := []io.Writer{file}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	zlog := zerolog.New(io.MultiWriter(writers...)).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("app", "foxy").
		Logger()

	l := &Logger{
		zlog:    zlog,
		file:    file,
		path:    path,
		history: make([]Entry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}
	l.Info("logging", "logger initialized", map[string]any{"file": path, "level": string(cfg.Level)})
	return l, nil
}

// NewWriter builds a Logger on an arbitrary writer. Tests use it with
// io.Discard or a buffer.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{
		zlog:    zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Str("app", "foxy").Logger(),
		history: make([]Entry, 0, 64),
		maxHist: 64,
	}
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetOnLog installs a callback invoked for every entry. The callback runs on
// its own goroutine.
func (l *Logger) SetOnLog(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLog = fn
}

func (l *Logger) enabled(level zerolog.Level) bool {
	return l.zlog.GetLevel() <= level
}

func (l *Logger) record(level, component, msg, data string) {
	entry := Entry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     level,
		Component: component,
		Message:   msg,
		Data:      data,
	}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
	fn := l.onLog
	l.mu.Unlock()

	if fn != nil {
		go fn(entry)
	}
}

// History returns up to limit of the most recent entries, oldest first.
func (l *Logger) History(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	out := make([]Entry, limit)
	copy(out, l.history[len(l.history)-limit:])
	return out
}

// Path returns the current log file path; empty for writer-backed loggers.
func (l *Logger) Path() string { return l.path }

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	l.Info("logging", "logger shutting down", nil)
	return l.file.Close()
}

// formatData renders data as sorted key=value pairs.
func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, data[k])
	}
	return b.String()
}

func (l *Logger) Debug(component, msg string, data map[string]any) {
	l.zlog.Debug().Str("component", component).Fields(data).Msg(msg)
	if l.enabled(zerolog.DebugLevel) {
		l.record("debug", component, msg, formatData(data))
	}
}

func (l *Logger) Info(component, msg string, data map[string]any) {
	l.zlog.Info().Str("component", component).Fields(data).Msg(msg)
	if l.enabled(zerolog.InfoLevel) {
		l.record("info", component, msg, formatData(data))
	}
}

func (l *Logger) Warn(component, msg string, data map[string]any) {
	l.zlog.Warn().Str("component", component).Fields(data).Msg(msg)
	if l.enabled(zerolog.WarnLevel) {
		l.record("warn", component, msg, formatData(data))
	}
}

// Error logs msg with err attached.
func (l *Logger) Error(component, msg string, err error, data map[string]any) {
	l.zlog.Error().Str("component", component).Err(err).Fields(data).Msg(msg)

	d := formatData(data)
	if err != nil {
		if d != "" {
			d += ", "
		}
		d += "error=" + err.Error()
	}
	l.record("error", component, msg, d)
}

// historyHook copies events from derived zerolog loggers into the history
// ring. Structured fields are not visible to hooks, so only the message is
// kept.
type historyHook struct {
	l         *Logger
	component string
}

func (h historyHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.NoLevel || !h.l.enabled(level) {
		return
	}
	h.l.record(level.String(), h.component, msg, "")
}

// Component returns a zerolog.Logger whose events land in the history under
// name. Packages add their own component field, so it is not set here.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.Hook(historyHook{l: l, component: name})
}

// Zerolog returns the underlying logger for packages that tag their own
// component. Its events land in the history under "foxy".
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog.Hook(historyHook{l: l, component: "foxy"})
}
