package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aaarefine/internal/database"
	"aaarefine/internal/refine"
	"aaarefine/internal/testctx"
	"aaarefine/internal/verdict"
)

// OpRefine is the operation name written to the processed log.
const OpRefine = "refine"

// ErrAlreadyProcessed is returned by RunCase when the case already
// succeeded and Force is off.
var ErrAlreadyProcessed = errors.New("case already processed")

// Refiner runs one refinement session.
type Refiner interface {
	Refine(ctx context.Context, req refine.Request) *refine.Result
}

// ContextLoader loads the test context of a case.
type ContextLoader interface {
	Load(project, class, method string) (*testctx.Context, error)
}

// Options configures a Runner.
type Options struct {
	Workers   int
	Force     bool
	OutputDir string
	Mode      verdict.Mode
}

// Runner refines cases and persists sessions, results and chat histories.
type Runner struct {
	refiner   Refiner
	contexts  ContextLoader
	lifecycle *database.LifecycleDB
	output    *database.OutputDB
	metadata  *database.MetadataDB
	opts      Options
	logger    *slog.Logger

	fileMu sync.Mutex
}

// NewRunner creates a runner backed by db.
func NewRunner(refiner Refiner, contexts ContextLoader, db *sql.DB, opts Options, logger *slog.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		refiner:   refiner,
		contexts:  contexts,
		lifecycle: database.NewLifecycleDB(db),
		output:    database.NewOutputDB(db),
		metadata:  database.NewMetadataDB(db),
		opts:      opts,
		logger:    logger,
	}
}

// Hash returns the idempotence key of a case under the runner's mode.
func (r *Runner) Hash(c Case) string {
	return database.CaseHash(c.Project, c.TestClass, c.TestMethod, c.IssueType, r.opts.Mode.String())
}

// RunCase refines one case. The returned error covers infrastructure
// failures only; refinement failures are reported in the Result.
func (r *Runner) RunCase(ctx context.Context, c Case) (*refine.Result, error) {
	hash := r.Hash(c)

	if !r.opts.Force {
		done, err := r.lifecycle.IsProcessed(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to check processed log: %w", err)
		}
		if done {
			if err := r.metadata.RecordEvent(database.EventCaseSkipped, c.String()); err != nil {
				r.logger.Warn("Failed to record event", "error", err)
			}
			return nil, ErrAlreadyProcessed
		}
	}

	tc, err := r.contexts.Load(c.Project, c.TestClass, c.TestMethod)
	if err != nil {
		return nil, err
	}

	req := refine.Request{
		Project:   c.Project,
		TestClass: c.TestClass,
		TestCase:  c.TestMethod,
		Issue:     c.IssueType,
		Context:   tc,
		Strategy:  r.opts.Mode.String(),
	}
	res := r.refiner.Refine(ctx, req)

	if err := r.persist(hash, req, res); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Runner) persist(hash string, req refine.Request, res *refine.Result) error {
	if err := r.lifecycle.SaveSession(req, r.opts.Mode.String(), res); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := r.output.PublishResult(hash, req, res); err != nil {
		return err
	}
	if _, err := r.SaveChatHistory(req, res); err != nil {
		return err
	}

	// Failed cases stay unmarked so the next batch retries them.
	if !res.Success {
		return nil
	}
	summary, err := json.Marshal(map[string]any{
		"session_id": res.SessionID,
		"state":      res.State,
		"iterations": res.OuterIterationsUsed,
	})
	if err != nil {
		return err
	}
	if err := r.lifecycle.MarkProcessed(hash, OpRefine, string(summary)); err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// ChatHistoryPath is where the generation history of a case is written:
// <output>/chat_history/<project>/<SimpleClass>_<method>.json.
func ChatHistoryPath(outputDir, project, class, method string) string {
	simple := class
	if i := strings.LastIndex(class, "."); i >= 0 {
		simple = class[i+1:]
	}
	return filepath.Join(outputDir, "chat_history", project, simple+"_"+method+".json")
}

// SaveChatHistory writes the generation history of res as indented JSON and
// returns the path. Nothing is written for an empty history.
func (r *Runner) SaveChatHistory(req refine.Request, res *refine.Result) (string, error) {
	if len(res.History) == 0 {
		return "", nil
	}

	path := ChatHistoryPath(r.opts.OutputDir, req.Project, req.TestClass, req.TestCase)
	data, err := json.MarshalIndent(res.History, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat history: %w", err)
	}

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create chat history dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write chat history: %w", err)
	}
	return path, nil
}

// Report summarizes a batch. Ignored counts rows that are not runnable or
// carry no issue; GoodAAA counts runnable rows labelled Good AAA.
type Report struct {
	Total     int           `json:"total"`
	Ignored   int           `json:"ignored"`
	GoodAAA   int           `json:"good_aaa"`
	Skipped   int           `json:"skipped"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Errors    int           `json:"errors"`
	Projects  []string      `json:"projects"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Run refines every selectable case with at most Workers sessions in
// flight. Case failures are counted, not returned; the error is non-nil
// only when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, cases []Case) (Report, error) {
	start := time.Now()
	selected := Selectable(cases)

	report := Report{Total: len(cases)}
	for _, c := range cases {
		if c.Runnable() && c.GoodAAA() {
			report.GoodAAA++
			r.recordEvent(database.EventCaseSkipped, c.String()+": Good AAA")
		}
	}
	report.Ignored = len(cases) - len(selected) - report.GoodAAA

	r.recordEvent(database.EventBatchStarted, fmt.Sprintf("%d cases, %d selected", len(cases), len(selected)))
	r.logger.Info("Batch started", "cases", len(cases), "selected", len(selected), "workers", r.opts.Workers)

	var mu sync.Mutex
	seen := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for i, c := range selected {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			log := r.logger.With("case", c.String(), "index", i+1, "of", len(selected))
			res, err := r.RunCase(gctx, c)

			mu.Lock()
			defer mu.Unlock()
			if !seen[c.Project] {
				seen[c.Project] = true
				report.Projects = append(report.Projects, c.Project)
			}

			switch {
			case errors.Is(err, ErrAlreadyProcessed):
				report.Skipped++
				log.Info("Case skipped, already processed")
			case err != nil:
				report.Errors++
				log.Error("Case failed", "error", err)
			case res.Success:
				report.Succeeded++
			default:
				report.Failed++
				log.Warn("Case not refactored", "state", res.State, "error", res.ErrorMessage)
			}
			return nil
		})
	}

	err := g.Wait()
	report.Elapsed = time.Since(start)

	r.recordEvent(database.EventBatchFinished, fmt.Sprintf("succeeded=%d failed=%d errors=%d skipped=%d good_aaa=%d",
		report.Succeeded, report.Failed, report.Errors, report.Skipped, report.GoodAAA))
	r.logger.Info("Batch finished",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"errors", report.Errors,
		"skipped", report.Skipped,
		"good_aaa", report.GoodAAA,
		"elapsed", report.Elapsed.Round(time.Millisecond))

	return report, err
}

func (r *Runner) recordEvent(eventType, description string) {
	if err := r.metadata.RecordEvent(eventType, description); err != nil {
		r.logger.Warn("Failed to record event", "type", eventType, "error", err)
	}
}
