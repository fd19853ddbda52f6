package metrics

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE latency_histogram (
			operation TEXT NOT NULL,
			bucket_ms INTEGER NOT NULL,
			count INTEGER DEFAULT 0,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (operation, bucket_ms, timestamp)
		)
	`)
	require.NoError(t, err)
	return db
}

func insert(t *testing.T, db *sql.DB, op string, bucket, count int, ts int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO latency_histogram VALUES (?, ?, ?, ?)`, op, bucket, count, ts)
	require.NoError(t, err)
}

func TestFindBucket(t *testing.T) {
	tests := []struct {
		latency  int
		expected int
	}{
		{0, 1000},
		{1000, 1000},
		{1001, 5000},
		{25000, 30000},
		{61000, 120000},
		{900000, 300000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, findBucket(tt.latency), "latency %d", tt.latency)
	}
}

func TestRecordLatencyAggregatesWindow(t *testing.T) {
	db := setupTestDB(t)
	h := NewHistogram(db)

	for _, ms := range []int{800, 4000, 4500, 45000} {
		require.NoError(t, h.RecordLatency("generate", ms))
	}
	require.NoError(t, h.RecordLatency("validate", 2000))

	var rows, samples int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*), SUM(count) FROM latency_histogram WHERE operation = 'generate'`,
	).Scan(&rows, &samples))
	assert.Equal(t, 3, rows)
	assert.Equal(t, 4, samples)
}

func TestCalculatePercentiles(t *testing.T) {
	db := setupTestDB(t)
	h := NewHistogram(db)
	ts := h.window()

	insert(t, db, "generate", 1000, 5, ts)
	insert(t, db, "generate", 5000, 45, ts)
	insert(t, db, "generate", 10000, 40, ts)
	insert(t, db, "generate", 30000, 10, ts)

	p, err := h.CalculatePercentiles("generate", 60)
	require.NoError(t, err)

	assert.Equal(t, 100, p.Count)
	// 50th sample is the last one of the 1-5s bucket.
	assert.InDelta(t, 5000, p.P50, 0.001)
	// 95th sample is halfway through the 10-30s bucket.
	assert.InDelta(t, 20000, p.P95, 0.001)
	assert.LessOrEqual(t, p.P99, 30000.0)
}

func TestCalculatePercentilesNoData(t *testing.T) {
	_, err := NewHistogram(setupTestDB(t)).CalculatePercentiles("validate", 60)
	assert.Error(t, err)
}

func TestPercentilesIgnoreOldWindows(t *testing.T) {
	db := setupTestDB(t)
	h := NewHistogram(db)
	insert(t, db, "validate", 1000, 10, h.window()-3*3600)

	_, err := h.CalculatePercentiles("validate", 60)
	assert.Error(t, err)
}

func TestAllPercentiles(t *testing.T) {
	db := setupTestDB(t)
	h := NewHistogram(db)
	ts := h.window()

	insert(t, db, "generate", 5000, 10, ts)
	insert(t, db, "validate", 1000, 15, ts)

	all, err := h.AllPercentiles(60)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 15, all["validate"].Count)
}

func TestDistribution(t *testing.T) {
	db := setupTestDB(t)
	h := NewHistogram(db)
	ts := h.window()

	insert(t, db, "generate", 1000, 20, ts)
	insert(t, db, "generate", 5000, 30, ts)
	insert(t, db, "generate", 10000, 50, ts)

	dist, err := h.Distribution("generate", 60)
	require.NoError(t, err)
	require.Len(t, dist, 3)
	assert.InDelta(t, 20.0, dist[0].Percentage, 1e-9)
	assert.InDelta(t, 50.0, dist[1].Cumulative, 1e-9)
	assert.InDelta(t, 100.0, dist[2].Cumulative, 1e-9)
}

func TestCleanup(t *testing.T) {
	db := setupTestDB(t)
	h := NewHistogram(db)
	h.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	insert(t, db, "generate", 1000, 1, 1_700_000_000-8*24*3600)
	insert(t, db, "generate", 1000, 1, 1_700_000_000-24*3600)

	deleted, err := h.Cleanup(7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	var left int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM latency_histogram`).Scan(&left))
	assert.Equal(t, 1, left)
}
