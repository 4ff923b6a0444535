package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategorySupervisor Category = "supervisor"
	CategoryTransport  Category = "transport"
	CategorySession    Category = "session"
	CategoryRetry      Category = "retry"
	CategoryResolver   Category = "resolver"
	CategoryConfig     Category = "config"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	ConnID    string         `json:"conn_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Logger writes structured JSONL events. Events at error level are
// duplicated to a dedicated error log when file-backed.
type Logger struct {
	baseDir   string
	eventFile *os.File
	errorFile *os.File
	sink      io.Writer
	mu        sync.Mutex
	minLevel  Level
}

// NewLogger creates a file-backed structured logger under baseDir.
func NewLogger(baseDir string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	eventFile, err := os.OpenFile(
		filepath.Join(baseDir, "events.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		eventFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Logger{
		baseDir:   baseDir,
		eventFile: eventFile,
		errorFile: errorFile,
		minLevel:  LevelInfo,
	}, nil
}

// NewWriterLogger creates a logger that writes every event to w. Used for
// stderr logging and tests.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{
		sink:     w,
		minLevel: LevelInfo,
	}
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !l.shouldLog(event.Level) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.sink != nil {
		if _, err := l.sink.Write(data); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if l.eventFile != nil {
		if _, err := l.eventFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to event log: %w", err)
		}
	}

	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}

	return nil
}

// shouldLog checks if event should be logged based on level
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Helper methods for common log patterns

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelDebug,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelError,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.eventFile != nil {
		if err := l.eventFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}
