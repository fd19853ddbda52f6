package database

import (
	"database/sql"
	"time"
)

// Telemetry event types.
const (
	EventBatchStarted  = "batch_started"
	EventBatchFinished = "batch_finished"
	EventCaseSkipped   = "case_skipped"
	EventToolCall      = "tool_call"
	EventStartup       = "startup"
	EventShutdown      = "shutdown"
)

// MetadataDB records telemetry events.
type MetadataDB struct {
	db  *sql.DB
	now func() time.Time
}

// NewMetadataDB creates a metadata helper.
func NewMetadataDB(db *sql.DB) *MetadataDB {
	return &MetadataDB{db: db, now: time.Now}
}

// Event is a stored telemetry event.
type Event struct {
	Timestamp   int64  `json:"timestamp"`
	EventType   string `json:"event_type"`
	Description string `json:"description,omitempty"`
}

// RecordEvent records a telemetry event.
func (m *MetadataDB) RecordEvent(eventType, description string) error {
	_, err := m.db.Exec(`
		INSERT INTO telemetry_events (timestamp, event_type, description)
		VALUES (?, ?, ?)
	`, m.now().Unix(), eventType, description)
	return err
}

// Events returns events since a Unix time, newest first. An empty
// eventType matches every type.
func (m *MetadataDB) Events(since int64, eventType string) ([]Event, error) {
	rows, err := m.db.Query(`
		SELECT timestamp, event_type, description
		FROM telemetry_events
		WHERE timestamp >= ? AND (? = '' OR event_type = ?)
		ORDER BY timestamp DESC, id DESC
	`, since, eventType, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e    Event
			desc sql.NullString
		)
		if err := rows.Scan(&e.Timestamp, &e.EventType, &desc); err != nil {
			return nil, err
		}
		e.Description = desc.String
		events = append(events, e)
	}
	return events, rows.Err()
}
