package database

import (
	"database/sql"
	"fmt"
	"time"

	"aaarefine/internal/llm"
	"aaarefine/internal/refine"
)

// LifecycleDB tracks refinement sessions, their conversation and the
// idempotence log.
type LifecycleDB struct {
	db *sql.DB
}

// NewLifecycleDB creates a lifecycle helper.
func NewLifecycleDB(db *sql.DB) *LifecycleDB {
	return &LifecycleDB{db: db}
}

// SessionRow is a stored session.
type SessionRow struct {
	SessionID   string `json:"session_id"`
	Project     string `json:"project"`
	TestClass   string `json:"test_class"`
	TestCase    string `json:"test_case"`
	Issue       string `json:"issue"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

// SaveSession stores a finished session with its generation history in one
// transaction.
func (l *LifecycleDB) SaveSession(req refine.Request, mode string, res *refine.Result) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	created := now - int64(res.Elapsed/time.Second)

	_, err = tx.Exec(`
		INSERT INTO sessions
		(session_id, project, test_class, test_case, issue, mode, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, res.SessionID, req.Project, req.TestClass, req.TestCase, req.Issue, mode, string(res.State), created, now)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", res.SessionID, err)
	}

	for i, turn := range res.History {
		_, err := tx.Exec(`
			INSERT INTO session_turns (session_id, seq, role, content)
			VALUES (?, ?, ?, ?)
		`, res.SessionID, i, string(turn.Role), turn.Content)
		if err != nil {
			return fmt.Errorf("failed to insert turn %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetSession retrieves a session by ID.
func (l *LifecycleDB) GetSession(sessionID string) (*SessionRow, error) {
	var (
		s         SessionRow
		completed sql.NullInt64
	)
	err := l.db.QueryRow(`
		SELECT session_id, project, test_class, test_case, issue, mode, status, created_at, completed_at
		FROM sessions
		WHERE session_id = ?
	`, sessionID).Scan(&s.SessionID, &s.Project, &s.TestClass, &s.TestCase, &s.Issue, &s.Mode,
		&s.Status, &s.CreatedAt, &completed)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	s.CompletedAt = completed.Int64
	return &s, nil
}

// Turns returns the stored generation history of a session, in order.
func (l *LifecycleDB) Turns(sessionID string) ([]llm.Turn, error) {
	rows, err := l.db.Query(`
		SELECT role, content FROM session_turns WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []llm.Turn{}
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		turns = append(turns, llm.Turn{Role: llm.Role(role), Content: content})
	}
	return turns, rows.Err()
}

// StatusCounts returns the number of sessions per status.
func (l *LifecycleDB) StatusCounts() (map[string]int, error) {
	rows, err := l.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// IsProcessed checks if an operation was already processed.
func (l *LifecycleDB) IsProcessed(hash string) (bool, error) {
	var count int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM processed_log WHERE hash = ?`, hash).Scan(&count)
	return count > 0, err
}

// MarkProcessed marks an operation as processed. Marking twice is a no-op.
func (l *LifecycleDB) MarkProcessed(hash, operation, resultJSON string) error {
	_, err := l.db.Exec(`
		INSERT OR IGNORE INTO processed_log (hash, operation, timestamp, result_json)
		VALUES (?, ?, ?, ?)
	`, hash, operation, time.Now().Unix(), resultJSON)
	return err
}
