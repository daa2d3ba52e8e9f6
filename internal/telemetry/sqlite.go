package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteSink records events into a local sqlite database, giving operators
// a durable, queryable audit trail of tool outcomes and evaluation runs.
type SQLiteSink struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteSink opens (and migrates) the event database at path.
func NewSQLiteSink(path string, logger zerolog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		payload TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create telemetry schema: %w", err)
	}

	return &SQLiteSink{
		db:     db,
		logger: logger.With().Str("component", "telemetry").Logger(),
	}, nil
}

func (s *SQLiteSink) Emit(eventType string, payload map[string]interface{}) {
	ev := newEvent(eventType, payload)
	payloadJSON := ""
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			payloadJSON = string(data)
		}
	}
	_, err := s.db.Exec(
		"INSERT INTO events (id, event_type, timestamp, payload) VALUES (?, ?, ?, ?)",
		ev.ID, ev.Type, ev.Timestamp.Format(time.RFC3339Nano), payloadJSON,
	)
	if err != nil {
		// Best effort only.
		s.logger.Debug().Err(err).Str("event_type", eventType).Msg("Failed to record telemetry event")
	}
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
