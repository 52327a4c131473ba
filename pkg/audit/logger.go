// Package audit emits structured, fire-and-forget audit events. Emitters never
// return errors: a failing sink must not fail the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level distinguishes informational events from failures.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

// Event represents a structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	Level     Level                  `json:"level"`
	Category  string                 `json:"category"`
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Emitter records audit events.
type Emitter interface {
	Info(ctx context.Context, category, event string, data map[string]interface{})
	Error(ctx context.Context, category, event string, data map[string]interface{}, cause error)
}

func newEvent(level Level, category, event string, data map[string]interface{}, cause error) Event {
	e := Event{
		ID:        uuid.New().String(),
		Level:     level,
		Category:  category,
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

// logger writes JSON lines prefixed with "AUDIT: " to a Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates an Emitter writing to os.Stdout.
func NewLogger() Emitter {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates an Emitter writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Emitter {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Info(ctx context.Context, category, event string, data map[string]interface{}) {
	l.write(newEvent(LevelInfo, category, event, data, nil))
}

func (l *logger) Error(ctx context.Context, category, event string, data map[string]interface{}, cause error) {
	l.write(newEvent(LevelError, category, event, data, cause))
}

func (l *logger) write(e Event) {
	bytes, err := json.Marshal(e)
	if err != nil {
		slog.Default().Warn("audit: dropping unencodable event", "event", e.Event, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	if _, err := l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...)); err != nil {
		slog.Default().Warn("audit: write failed", "event", e.Event, "error", err)
	}
}
