package audit

import (
	"context"
	"log/slog"
	"sync"
)

// SlogEmitter forwards audit events to a structured logger.
type SlogEmitter struct {
	log *slog.Logger
}

func NewSlogEmitter(l *slog.Logger) *SlogEmitter {
	if l == nil {
		l = slog.Default()
	}
	return &SlogEmitter{log: l.With("component", "audit")}
}

func (s *SlogEmitter) Info(ctx context.Context, category, event string, data map[string]interface{}) {
	s.log.InfoContext(ctx, event, "category", category, "data", data)
}

func (s *SlogEmitter) Error(ctx context.Context, category, event string, data map[string]interface{}, cause error) {
	s.log.ErrorContext(ctx, event, "category", category, "data", data, "error", cause)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Info(context.Context, string, string, map[string]interface{})         {}
func (Nop) Error(context.Context, string, string, map[string]interface{}, error) {}

// Multi fans events out to several emitters in order.
type Multi []Emitter

func (m Multi) Info(ctx context.Context, category, event string, data map[string]interface{}) {
	for _, e := range m {
		if e != nil {
			e.Info(ctx, category, event, data)
		}
	}
}

func (m Multi) Error(ctx context.Context, category, event string, data map[string]interface{}, cause error) {
	for _, e := range m {
		if e != nil {
			e.Error(ctx, category, event, data, cause)
		}
	}
}

// Memory keeps events in order. Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Info(ctx context.Context, category, event string, data map[string]interface{}) {
	m.append(newEvent(LevelInfo, category, event, data, nil))
}

func (m *Memory) Error(ctx context.Context, category, event string, data map[string]interface{}, cause error) {
	m.append(newEvent(LevelError, category, event, data, cause))
}

func (m *Memory) append(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Names returns the event names in order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Event
	}
	return out
}
