package telemetry

import (
	"context"
	"errors"
	"time"
)

// Event types emitted by the core.
const (
	EventJobCompleted   = "job_completed"
	EventJobError       = "job_error"
	EventJobDeadLetter  = "job_dead_letter"
	EventJobRetryWait   = "job_retry_wait"
	EventSourceDegraded = "source_degraded"
	EventSourceRecover  = "source_recovered"
)

// Event is a structured lifecycle notification delivered to sinks on a
// best-effort basis.
type Event struct {
	Type    string         `json:"event"`
	TS      time.Time      `json:"ts"`
	Host    string         `json:"host,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Sink consumes events. Implementations must be safe for concurrent use,
// honor ctx deadlines, and never assume delivery ordering.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}

// Emitter publishes events without blocking the caller; the event pipeline
// never affects correctness when a sink is unavailable.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(string, map[string]any) {}
