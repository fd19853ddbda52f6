package usage

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Record is the usage of one finished refinement session.
type Record struct {
	SessionID       string        `json:"session_id"`
	Project         string        `json:"project"`
	TestClass       string        `json:"test_class"`
	TestCase        string        `json:"test_case"`
	Strategy        string        `json:"strategy"`
	Cost            float64       `json:"cost"`
	Elapsed         time.Duration `json:"elapsed"`
	OuterIterations int           `json:"outer_iterations"`
	TokensUsed      int           `json:"tokens_used"`
	Success         bool          `json:"success"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// Sink persists usage records.
type Sink interface {
	RecordUsage(rec Record) error
}

// Tracker collects usage records from concurrent sessions and optionally
// forwards each one to a Sink.
type Tracker struct {
	outputDir string
	sink      Sink
	logger    *slog.Logger

	mu      sync.Mutex
	records []Record
}

// NewTracker creates a tracker writing CSV files to outputDir. sink may be
// nil.
func NewTracker(outputDir string, sink Sink, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		outputDir: outputDir,
		sink:      sink,
		logger:    logger,
	}
}

// Record stores rec in memory and in the sink. A sink failure is returned
// but the in-memory record is kept.
func (t *Tracker) Record(rec Record) error {
	t.mu.Lock()
	t.records = append(t.records, rec)
	t.mu.Unlock()

	t.logger.Debug("Usage recorded",
		"test", rec.TestClass+"."+rec.TestCase,
		"cost", fmt.Sprintf("$%.4f", rec.Cost),
		"elapsed", rec.Elapsed.Round(10*time.Millisecond),
		"loops", rec.OuterIterations)

	if t.sink == nil {
		return nil
	}
	if err := t.sink.RecordUsage(rec); err != nil {
		return fmt.Errorf("failed to persist usage: %w", err)
	}
	return nil
}

// Records returns a copy of the records collected so far.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.records...)
}

var csvHeader = []string{
	"project", "testclass", "testcase", "strategy", "cost", "time",
	"refactoring_loop", "tokens_used", "success", "error_message",
}

// SaveCSV writes the records of project to <outputDir>/<project>-usage.csv
// and returns the path. It returns "" and no error when there is nothing to
// write.
func (t *Tracker) SaveCSV(project string) (string, error) {
	var records []Record
	for _, r := range t.Records() {
		if r.Project == project {
			records = append(records, r)
		}
	}
	if len(records) == 0 {
		t.logger.Warn("No usage records to save", "project", project)
		return "", nil
	}

	if err := os.MkdirAll(t.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(t.outputDir, project+"-usage.csv")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return "", err
	}
	for _, r := range records {
		row := []string{
			r.Project,
			r.TestClass,
			r.TestCase,
			r.Strategy,
			strconv.FormatFloat(r.Cost, 'f', 6, 64),
			strconv.FormatFloat(r.Elapsed.Seconds(), 'f', 3, 64),
			strconv.Itoa(r.OuterIterations),
			strconv.Itoa(r.TokensUsed),
			strconv.FormatBool(r.Success),
			r.ErrorMessage,
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	s := Summarize(records)
	t.logger.Info("Usage statistics saved", "path", path)
	t.logger.Info("Usage summary",
		"cases", s.TotalCases,
		"successful", s.SuccessfulCases,
		"total_cost", fmt.Sprintf("$%.4f", s.TotalCost),
		"total_time", s.TotalTime.Round(10*time.Millisecond),
		"total_loops", s.TotalLoops)

	return path, nil
}

// Summary aggregates recorded usage.
type Summary struct {
	TotalCases          int           `json:"total_cases"`
	SuccessfulCases     int           `json:"successful_cases"`
	TotalCost           float64       `json:"total_cost"`
	TotalTime           time.Duration `json:"total_time"`
	TotalLoops          int           `json:"total_loops"`
	TotalTokens         int           `json:"total_tokens"`
	AverageCostPerCase  float64       `json:"average_cost_per_case"`
	AverageTimePerCase  time.Duration `json:"average_time_per_case"`
	AverageLoopsPerCase float64       `json:"average_loops_per_case"`
}

// Summary returns totals and averages over all records. The zero Summary
// is returned when nothing was recorded.
func (t *Tracker) Summary() Summary {
	return Summarize(t.Records())
}

// Summarize aggregates an arbitrary slice of records.
func Summarize(records []Record) Summary {
	var s Summary
	if len(records) == 0 {
		return s
	}

	for _, r := range records {
		s.TotalCases++
		if r.Success {
			s.SuccessfulCases++
		}
		s.TotalCost += r.Cost
		s.TotalTime += r.Elapsed
		s.TotalLoops += r.OuterIterations
		s.TotalTokens += r.TokensUsed
	}

	n := len(records)
	s.AverageCostPerCase = s.TotalCost / float64(n)
	s.AverageTimePerCase = s.TotalTime / time.Duration(n)
	s.AverageLoopsPerCase = float64(s.TotalLoops) / float64(n)
	return s
}
