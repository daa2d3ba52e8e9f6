// Package telemetry emits fire-and-forget events describing orchestrator
// activity. Emission has no return value and no delivery guarantee; a sink
// failure must never affect the operation that produced the event.
package telemetry

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink consumes telemetry events.
type Sink interface {
	Emit(eventType string, payload map[string]interface{})
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, map[string]interface{}) {}
func (Nop) Close() error                        { return nil }

// LogSink appends events as JSON lines through a dedicated zerolog logger.
type LogSink struct {
	logger zerolog.Logger
	file   *os.File
}

// NewLogSink writes events to the given file path, or stderr when empty.
func NewLogSink(path string) (*LogSink, error) {
	if path == "" {
		return &LogSink{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}, nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &LogSink{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}, nil
}

func (s *LogSink) Emit(eventType string, payload map[string]interface{}) {
	entry := s.logger.Log().
		Str("event_id", uuid.NewString()).
		Str("event_type", eventType)
	if payload != nil {
		entry = entry.Interface("payload", payload)
	}
	entry.Msg("")
}

func (s *LogSink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Fanout forwards each event to every child sink.
type Fanout []Sink

func (f Fanout) Emit(eventType string, payload map[string]interface{}) {
	for _, sink := range f {
		sink.Emit(eventType, payload)
	}
}

func (f Fanout) Close() error {
	var last error
	for _, sink := range f {
		if err := sink.Close(); err != nil {
			last = err
		}
	}
	return last
}

// event is the wire shape shared by the sqlite and websocket sinks.
type event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

func newEvent(eventType string, payload map[string]interface{}) event {
	return event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func (e event) encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}
