// Package metrics keeps a bucketed latency histogram of model calls in
// SQLite.
package metrics

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// LatencyBuckets are the bucket upper bounds in milliseconds. Reasoning
// models routinely take tens of seconds per call.
var LatencyBuckets = []int{1000, 5000, 10000, 30000, 60000, 120000, 300000}

// Histogram records call latencies per operation in one-minute windows.
type Histogram struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistogram creates a histogram over the latency_histogram table.
func NewHistogram(db *sql.DB) *Histogram {
	return &Histogram{db: db, now: time.Now}
}

// RecordLatency adds one sample. Samples above the largest bucket are
// counted in it.
func (h *Histogram) RecordLatency(operation string, latencyMs int) error {
	_, err := h.db.Exec(`
		INSERT INTO latency_histogram (operation, bucket_ms, count, timestamp)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(operation, bucket_ms, timestamp)
		DO UPDATE SET count = count + 1
	`, operation, findBucket(latencyMs), h.window())
	if err != nil {
		return fmt.Errorf("failed to record latency for %s: %w", operation, err)
	}
	return nil
}

func findBucket(latencyMs int) int {
	for _, bucket := range LatencyBuckets {
		if latencyMs <= bucket {
			return bucket
		}
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}

func (h *Histogram) window() int64 {
	return h.now().Unix() / 60 * 60
}

func (h *Histogram) windowStart(minutes int) int64 {
	return h.window() - int64(minutes*60)
}

type bucketCount struct {
	bucket int
	count  int
}

func (h *Histogram) buckets(operation string, windowMinutes int) ([]bucketCount, int, error) {
	rows, err := h.db.Query(`
		SELECT bucket_ms, SUM(count)
		FROM latency_histogram
		WHERE operation = ? AND timestamp >= ?
		GROUP BY bucket_ms
		ORDER BY bucket_ms ASC
	`, operation, h.windowStart(windowMinutes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query histogram: %w", err)
	}
	defer rows.Close()

	var (
		out   []bucketCount
		total int
	)
	for rows.Next() {
		var bc bucketCount
		if err := rows.Scan(&bc.bucket, &bc.count); err != nil {
			return nil, 0, err
		}
		out = append(out, bc)
		total += bc.count
	}
	return out, total, rows.Err()
}

// Percentiles are interpolated latency percentiles in milliseconds.
type Percentiles struct {
	Operation string  `json:"operation"`
	P50       float64 `json:"p50_ms"`
	P95       float64 `json:"p95_ms"`
	P99       float64 `json:"p99_ms"`
	Count     int     `json:"count"`
}

// CalculatePercentiles computes p50, p95 and p99 over the last
// windowMinutes.
func (h *Histogram) CalculatePercentiles(operation string, windowMinutes int) (*Percentiles, error) {
	buckets, total, err := h.buckets(operation, windowMinutes)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("no latency samples for %s", operation)
	}

	return &Percentiles{
		Operation: operation,
		P50:       percentile(buckets, total, 0.50),
		P95:       percentile(buckets, total, 0.95),
		P99:       percentile(buckets, total, 0.99),
		Count:     total,
	}, nil
}

// percentile interpolates linearly inside the bucket holding the target
// rank.
func percentile(buckets []bucketCount, total int, p float64) float64 {
	target := int(math.Ceil(float64(total) * p))
	cumulative := 0

	for _, bc := range buckets {
		cumulative += bc.count
		if cumulative < target {
			continue
		}
		lower := lowerBound(bc.bucket)
		ratio := float64(target-(cumulative-bc.count)) / float64(bc.count)
		return float64(lower) + ratio*float64(bc.bucket-lower)
	}
	return float64(buckets[len(buckets)-1].bucket)
}

func lowerBound(bucket int) int {
	for i, b := range LatencyBuckets {
		if b == bucket && i > 0 {
			return LatencyBuckets[i-1]
		}
	}
	return 0
}

// AllPercentiles returns percentiles for every operation seen in the
// window. Operations without samples are omitted.
func (h *Histogram) AllPercentiles(windowMinutes int) (map[string]*Percentiles, error) {
	rows, err := h.db.Query(`
		SELECT DISTINCT operation FROM latency_histogram WHERE timestamp >= ?
	`, h.windowStart(windowMinutes))
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	var ops []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			rows.Close()
			return nil, err
		}
		ops = append(ops, op)
	}
	rows.Close()

	out := make(map[string]*Percentiles, len(ops))
	for _, op := range ops {
		p, err := h.CalculatePercentiles(op, windowMinutes)
		if err != nil {
			continue
		}
		out[op] = p
	}
	return out, nil
}

// BucketDistribution is the share of samples in one bucket.
type BucketDistribution struct {
	Bucket     int     `json:"bucket_ms"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
	Cumulative float64 `json:"cumulative"`
}

// Distribution returns the per-bucket breakdown for an operation.
func (h *Histogram) Distribution(operation string, windowMinutes int) ([]BucketDistribution, error) {
	buckets, total, err := h.buckets(operation, windowMinutes)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("no latency samples for %s", operation)
	}

	out := make([]BucketDistribution, len(buckets))
	cumulative := 0
	for i, bc := range buckets {
		cumulative += bc.count
		out[i] = BucketDistribution{
			Bucket:     bc.bucket,
			Count:      bc.count,
			Percentage: float64(bc.count) / float64(total) * 100,
			Cumulative: float64(cumulative) / float64(total) * 100,
		}
	}
	return out, nil
}

// Cleanup removes windows older than retentionDays.
func (h *Histogram) Cleanup(retentionDays int) (int64, error) {
	cutoff := h.now().Unix() - int64(retentionDays*24*3600)
	res, err := h.db.Exec(`DELETE FROM latency_histogram WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
