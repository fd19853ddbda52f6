package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"aaarefine/internal/batch"
	"aaarefine/internal/config"
	"aaarefine/internal/database"
	"aaarefine/internal/llm"
	"aaarefine/internal/logging"
	"aaarefine/internal/metrics"
	"aaarefine/internal/prompts"
	"aaarefine/internal/refine"
	"aaarefine/internal/sanitize"
	"aaarefine/internal/testctx"
	"aaarefine/internal/usage"
)

// app holds what every subcommand shares: configuration, the logger and the
// database.
type app struct {
	version string

	configPath string
	debug      bool
	output     string

	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer
	db        *sql.DB
}

// setup loads the configuration, applies flag overrides and installs the
// logger. stderr receives console logs.
func (a *app) setup(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	if a.output != "" && a.output != cfg.Paths.Output {
		if cfg.Paths.Database == filepath.Join(cfg.Paths.Output, "aaarefine.db") {
			cfg.Paths.Database = filepath.Join(a.output, "aaarefine.db")
		}
		cfg.Paths.Output = a.output
	}
	if a.debug {
		cfg.Debug = true
	}
	a.cfg = cfg

	logger, closer, err := logging.Setup(logging.Options{
		Debug:     cfg.Debug,
		OutputDir: cfg.Paths.Output,
		Console:   stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.logger = logger
	a.logCloser = closer
	return nil
}

func (a *app) openDB() (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.Open(a.cfg.Paths.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

// newGateway builds the configured provider wrapped in a Pacer.
func newGateway(cfg config.ModelConfig, logger *slog.Logger) (*llm.Pacer, error) {
	var gw llm.Gateway
	switch cfg.Provider {
	case config.ProviderCompatible:
		gw = llm.NewHTTPGateway(llm.HTTPConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Name,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	default:
		openai, err := llm.NewOpenAIGateway(llm.OpenAIConfig{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			Model:           cfg.Name,
			MaxTokens:       cfg.MaxTokens,
			ReasoningEffort: cfg.ReasoningEffort,
			Temperature:     cfg.Temperature,
		}, logger)
		if err != nil {
			return nil, err
		}
		gw = openai
	}
	return llm.NewPacer(gw, cfg.RequestsPerMinute, cfg.Burst), nil
}

// pipeline is a fully wired refinement stack.
type pipeline struct {
	runner  *batch.Runner
	tracker *usage.Tracker
	gateway *llm.Pacer
}

func (a *app) pipeline(opts batch.Options) (*pipeline, error) {
	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	gateway, err := newGateway(a.cfg.Model, a.logger)
	if err != nil {
		return nil, err
	}

	tracker := usage.NewTracker(a.cfg.Paths.Output, database.NewOutputDB(db), a.logger)
	controller := refine.New(
		gateway,
		sanitize.New(a.cfg.Sanitize.MaxEditRatio),
		prompts.NewManager(a.cfg.Paths.Prompts),
		a.cfg.RefineConfig(),
		refine.WithUsage(tracker),
		refine.WithLatency(metrics.NewHistogram(db)),
		refine.WithLogger(a.logger),
	)

	bounds := controller.Config()
	a.logger.Debug("Refinement pipeline ready",
		"provider", a.cfg.Model.Provider,
		"model", a.cfg.Model.Name,
		"max_outer_iterations", bounds.MaxOuterIterations,
		"max_inner_attempts", bounds.MaxInnerAttempts,
		"call_timeout", bounds.CallTimeout,
		"mode", bounds.Mode.String())

	opts.OutputDir = a.cfg.Paths.Output
	opts.Mode = a.cfg.Mode()
	if opts.Workers == 0 {
		opts.Workers = a.cfg.Workers
	}
	runner := batch.NewRunner(controller, testctx.NewLoader(a.cfg.Paths.Data), db, opts, a.logger)

	return &pipeline{runner: runner, tracker: tracker, gateway: gateway}, nil
}

// close checkpoints the WAL and releases the database and log file.
func (a *app) close() error {
	var errs []error
	if a.db != nil {
		if _, err := a.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil && a.logger != nil {
			a.logger.Warn("WAL checkpoint failed", "error", err)
		}
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
		a.logCloser = nil
	}
	return errors.Join(errs...)
}

// runE wraps a command body so the app is closed however it returns.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if cerr := a.close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args)
	}
}
