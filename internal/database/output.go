package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"aaarefine/internal/refine"
	"aaarefine/internal/usage"
)

// OutputDB stores published results and per-session usage.
type OutputDB struct {
	db *sql.DB
}

// NewOutputDB creates an output helper.
func NewOutputDB(db *sql.DB) *OutputDB {
	return &OutputDB{db: db}
}

// StoredResult is a published result row.
type StoredResult struct {
	Hash         string         `json:"hash"`
	SessionID    string         `json:"session_id"`
	Project      string         `json:"project"`
	TestClass    string         `json:"test_class"`
	TestCase     string         `json:"test_case"`
	Issue        string         `json:"issue"`
	Success      bool           `json:"success"`
	State        string         `json:"state"`
	Iterations   int            `json:"iterations"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Result       *refine.Result `json:"result"`
	CreatedAt    int64          `json:"created_at"`
}

// PublishResult stores the latest result for a case, replacing any
// earlier one with the same hash.
func (o *OutputDB) PublishResult(hash string, req refine.Request, res *refine.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = o.db.Exec(`
		INSERT OR REPLACE INTO results
		(hash, session_id, project, test_class, test_case, issue, success, state, iterations,
		 error_message, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, hash, res.SessionID, req.Project, req.TestClass, req.TestCase, req.Issue, res.Success,
		string(res.State), res.OuterIterationsUsed, res.ErrorMessage, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// GetResult retrieves a result by hash. It returns sql.ErrNoRows, wrapped,
// when the case was never published.
func (o *OutputDB) GetResult(hash string) (*StoredResult, error) {
	var (
		r      StoredResult
		errMsg sql.NullString
		data   string
	)
	err := o.db.QueryRow(`
		SELECT hash, session_id, project, test_class, test_case, issue, success, state, iterations,
		       error_message, data_json, created_at
		FROM results
		WHERE hash = ?
	`, hash).Scan(&r.Hash, &r.SessionID, &r.Project, &r.TestClass, &r.TestCase, &r.Issue, &r.Success,
		&r.State, &r.Iterations, &errMsg, &data, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get result %s: %w", hash, err)
	}
	r.ErrorMessage = errMsg.String

	r.Result = &refine.Result{}
	if err := json.Unmarshal([]byte(data), r.Result); err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", hash, err)
	}
	return &r, nil
}

// ResultCounts returns total and successful result counts. An empty
// project counts every project.
func (o *OutputDB) ResultCounts(project string) (total, succeeded int, err error) {
	err = o.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(success), 0)
		FROM results
		WHERE ? = '' OR project = ?
	`, project, project).Scan(&total, &succeeded)
	return total, succeeded, err
}

// RecordUsage stores one usage record. It implements usage.Sink.
func (o *OutputDB) RecordUsage(rec usage.Record) error {
	_, err := o.db.Exec(`
		INSERT INTO llm_usage
		(session_id, project, test_class, test_case, strategy, cost, elapsed_ms, iterations, tokens,
		 success, error_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.Project, rec.TestClass, rec.TestCase, rec.Strategy, rec.Cost,
		rec.Elapsed.Milliseconds(), rec.OuterIterations, rec.TokensUsed, rec.Success, rec.ErrorMessage,
		time.Now().Unix())
	return err
}

// UsageRecords returns stored usage, oldest first. An empty project
// returns every project.
func (o *OutputDB) UsageRecords(project string) ([]usage.Record, error) {
	rows, err := o.db.Query(`
		SELECT session_id, project, test_class, test_case, strategy, cost, elapsed_ms, iterations,
		       tokens, success, error_message
		FROM llm_usage
		WHERE ? = '' OR project = ?
		ORDER BY id ASC
	`, project, project)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var records []usage.Record
	for rows.Next() {
		var (
			r         usage.Record
			sessionID sql.NullString
			errMsg    sql.NullString
			elapsedMs int64
		)
		if err := rows.Scan(&sessionID, &r.Project, &r.TestClass, &r.TestCase, &r.Strategy, &r.Cost,
			&elapsedMs, &r.OuterIterations, &r.TokensUsed, &r.Success, &errMsg); err != nil {
			return nil, err
		}
		r.SessionID = sessionID.String
		r.ErrorMessage = errMsg.String
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		records = append(records, r)
	}
	return records, rows.Err()
}

// UsageSummary aggregates stored usage for a project.
func (o *OutputDB) UsageSummary(project string) (usage.Summary, error) {
	records, err := o.UsageRecords(project)
	if err != nil {
		return usage.Summary{}, err
	}
	return usage.Summarize(records), nil
}
