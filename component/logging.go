package component

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	// LogLevelDebug represents debug-level logs
	LogLevelDebug LogLevel = "DEBUG"
	// LogLevelInfo represents informational logs
	LogLevelInfo LogLevel = "INFO"
	// LogLevelWarn represents warning logs
	LogLevelWarn LogLevel = "WARN"
	// LogLevelError represents error logs
	LogLevelError LogLevel = "ERROR"
)

// LogEntry is a structured log entry published to NATS so operators can tail
// a stream's parsing activity remotely.
type LogEntry struct {
	Timestamp string   `json:"timestamp"` // RFC3339 format
	Level     LogLevel `json:"level"`
	Component string   `json:"component"`
	Stream    string   `json:"stream"`
	Message   string   `json:"message"`
	Error     string   `json:"error,omitempty"`
}

// Logger wraps a standard slog.Logger for local logging while also publishing
// entries to NATS for remote consumption. A nil NATS connection disables the
// mirror; local logging always works.
type Logger struct {
	componentName string
	stream        string
	nc            *nats.Conn
	logger        *slog.Logger
	enabled       bool
}

// NewLogger creates a component logger mirroring to NATS.
func NewLogger(componentName, stream string, nc *nats.Conn, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		componentName: componentName,
		stream:        stream,
		nc:            nc,
		logger:        logger.With("component", componentName, "stream", stream),
		enabled:       nc != nil,
	}
}

// Slog returns the underlying local logger for call sites that want
// structured attributes.
func (cl *Logger) Slog() *slog.Logger {
	return cl.logger
}

// Debug logs a debug-level message
func (cl *Logger) Debug(msg string) {
	cl.logger.Debug(msg)
	cl.publish(LogLevelDebug, msg, nil)
}

// Info logs an info-level message
func (cl *Logger) Info(msg string) {
	cl.logger.Info(msg)
	cl.publish(LogLevelInfo, msg, nil)
}

// Warn logs a warning-level message
func (cl *Logger) Warn(msg string) {
	cl.logger.Warn(msg)
	cl.publish(LogLevelWarn, msg, nil)
}

// Error logs an error-level message with optional error details
func (cl *Logger) Error(msg string, err error) {
	cl.logger.Error(msg, "error", err)
	cl.publish(LogLevelError, msg, err)
}

// publish mirrors one entry to NATS. Failures degrade to local-only logging,
// never to a dropped message.
func (cl *Logger) publish(level LogLevel, message string, cause error) {
	if !cl.enabled {
		return
	}
	nc := cl.nc
	if nc == nil {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: cl.componentName,
		Stream:    cl.stream,
		Message:   message,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		cl.logger.Error("failed to marshal log entry", "error", err)
		return
	}

	subject := fmt.Sprintf("oceanstream.logs.%s.%s", cl.stream, cl.componentName)
	if err := nc.Publish(subject, data); err != nil {
		cl.logger.Error("failed to publish log to NATS", "error", err, "subject", subject)
	}
}
