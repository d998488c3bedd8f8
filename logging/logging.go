// Package logging provides leveled, component-scoped console logging.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes one line per entry: LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything. Useful as a default.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// ParseLevel converts a config string ("debug", "INFO", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[level]; !ok {
		return "", fmt.Errorf("unknown log level: %q", s)
	}
	return level, nil
}

// WithComponent returns a new logger with the given component name.
// The returned logger shares output and lock with its parent.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Domain event helpers ---

// ConfigChanged logs a registry write (create, update, delete).
func (l *Logger) ConfigChanged(op, id, name string) {
	l.Info("config_"+op, map[string]interface{}{
		"id":   id,
		"name": name,
	})
}

// ClientBound logs a client binding change.
func (l *Logger) ClientBound(clientID, configID string) {
	l.Info("client_bound", map[string]interface{}{
		"client":    clientID,
		"config_id": configID,
	})
}

// BatchPublished logs a successful batch submission.
func (l *Logger) BatchPublished(namespace string, size int, duration time.Duration) {
	l.Debug("batch_published", map[string]interface{}{
		"namespace": namespace,
		"records":   size,
		"duration":  duration.String(),
	})
}

// PublishFailed logs a failed batch submission. Failures are non-fatal.
func (l *Logger) PublishFailed(namespace string, batch, size int, err error) {
	l.Error("publish_failed", map[string]interface{}{
		"namespace": namespace,
		"batch":     batch,
		"records":   size,
		"error":     err.Error(),
	})
}

// TickComplete logs the outcome of one flush cycle.
func (l *Logger) TickComplete(records, batches, failed int, duration time.Duration) {
	l.Debug("tick_complete", map[string]interface{}{
		"records":  records,
		"batches":  batches,
		"failed":   failed,
		"duration": duration.String(),
	})
}

// TickSkipped logs a tick that was skipped because the previous one was still running.
func (l *Logger) TickSkipped() {
	l.Warn("tick_skipped", map[string]interface{}{
		"reason": "previous flush in progress",
	})
}

// HeartbeatDropped logs a heartbeat message that could not be decoded.
func (l *Logger) HeartbeatDropped(subject string, err error) {
	l.Warn("heartbeat_dropped", map[string]interface{}{
		"subject": subject,
		"error":   err.Error(),
	})
}
