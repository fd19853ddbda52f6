package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"aaarefine/internal/batch"
	"aaarefine/internal/database"
	"aaarefine/internal/mcp"
	"aaarefine/internal/metrics"
)

// latencyWindowMinutes is the window of the percentiles shown by usage.
const latencyWindowMinutes = 24 * 60

// histogramRetentionDays bounds latency history kept by a long-running
// server.
const histogramRetentionDays = 7

func newRefineCommand(a *app) *cobra.Command {
	var (
		c     batch.Case
		smell bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "refine",
		Short: "Refactor one test method and print the result as JSON",
		Example: `  aaarefine refine --project commons-cli --class org.apache.commons.cli.BugsTest \
    --method test11457 --issue "Multiple AAA"`,
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			if smell {
				a.cfg.Refine.Mode = "smell"
			}
			p, err := a.pipeline(batch.Options{Force: force})
			if err != nil {
				return err
			}

			c.Runable = "yes"
			res, err := p.runner.RunCase(cmd.Context(), c)
			if errors.Is(err, batch.ErrAlreadyProcessed) {
				stored, gerr := database.NewOutputDB(a.db).GetResult(p.runner.Hash(c))
				if gerr != nil {
					return gerr
				}
				a.logger.Info("Case already refactored, printing stored result (use --force to rerun)")
				return printJSON(cmd.OutOrStdout(), stored.Result)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}

	cmd.Flags().StringVar(&c.Project, "project", "", "project name")
	cmd.Flags().StringVar(&c.TestClass, "class", "", "fully qualified test class name")
	cmd.Flags().StringVar(&c.TestMethod, "method", "", "test method name")
	cmd.Flags().StringVar(&c.IssueType, "issue", "", `issue to remove, e.g. "Multiple AAA"`)
	cmd.Flags().BoolVar(&smell, "smell", false, "validate with the test smell checker")
	cmd.Flags().BoolVar(&force, "force", false, "rerun even if the case already succeeded")
	for _, name := range []string{"project", "class", "method", "issue"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newBatchCommand(a *app) *cobra.Command {
	var (
		casesPath string
		force     bool
		workers   int
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Refactor every runnable case of a cases CSV",
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			cases, err := batch.ReadCasesFile(casesPath)
			if err != nil {
				return err
			}
			p, err := a.pipeline(batch.Options{Force: force, Workers: workers})
			if err != nil {
				return err
			}

			report, runErr := p.runner.Run(cmd.Context(), cases)

			for _, project := range report.Projects {
				if _, err := p.tracker.SaveCSV(project); err != nil {
					a.logger.Error("Failed to save usage CSV", "project", project, "error", err)
				}
			}
			summary := p.tracker.Summary()
			a.logger.Info("Batch usage",
				"cases", summary.TotalCases,
				"succeeded", summary.SuccessfulCases,
				"tokens", summary.TotalTokens,
				"cost", fmt.Sprintf("$%.4f", summary.TotalCost),
				"avg_loops", summary.AverageLoopsPerCase)

			stats := p.gateway.Stats()
			a.logger.Debug("Gateway pacing", "limit", float64(stats.Limit), "burst", stats.Burst, "tokens", stats.Tokens)

			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return runErr
		}),
	}

	cmd.Flags().StringVar(&casesPath, "cases", "", "cases CSV (project_name, test_class_name, test_method_name, issue_type, runable)")
	cmd.Flags().BoolVar(&force, "force", false, "rerun cases that already succeeded")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent sessions (defaults to the configured workers)")
	_ = cmd.MarkFlagRequired("cases")
	return cmd
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON-RPC tool server on stdin/stdout",
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			p, err := a.pipeline(batch.Options{})
			if err != nil {
				return err
			}
			server := mcp.NewServer(p.runner, a.db, a.version, a.logger)
			return serve(cmd.Context(), a, server)
		}),
	}
}

// serve runs server until stdin closes or ctx is cancelled, pruning old
// latency buckets hourly.
func serve(ctx context.Context, a *app, server *mcp.Server) error {
	events := database.NewMetadataDB(a.db)
	histogram := metrics.NewHistogram(a.db)

	if err := events.RecordEvent(database.EventStartup, "tool server "+a.version+" starting"); err != nil {
		a.logger.Warn("Failed to record event", "error", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(os.Stdin, os.Stdout)
	}()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	a.logger.Info("Tool server started", "version", a.version)

	for {
		select {
		case <-ticker.C:
			if n, err := histogram.Cleanup(histogramRetentionDays); err != nil {
				a.logger.Warn("Histogram cleanup failed", "error", err)
			} else if n > 0 {
				a.logger.Debug("Histogram pruned", "rows", n)
			}
		case err := <-done:
			a.logger.Info("Tool server stopped")
			return err
		case <-ctx.Done():
			a.logger.Info("Shutting down tool server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("Tool server shutdown error", "error", err)
			}
			if err := events.RecordEvent(database.EventShutdown, "tool server stopped by signal"); err != nil {
				a.logger.Warn("Failed to record event", "error", err)
			}
			return nil
		}
	}
}

func newUsageCommand(a *app) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show cost, token and latency statistics from the database",
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			output := database.NewOutputDB(db)

			summary, err := output.UsageSummary(project)
			if err != nil {
				return err
			}
			total, succeeded, err := output.ResultCounts(project)
			if err != nil {
				return err
			}
			sessions, err := database.NewLifecycleDB(db).StatusCounts()
			if err != nil {
				return err
			}
			histogram := metrics.NewHistogram(db)
			latency, err := histogram.AllPercentiles(latencyWindowMinutes)
			if err != nil {
				return fmt.Errorf("failed to get latency percentiles: %w", err)
			}
			distribution := make(map[string][]metrics.BucketDistribution, len(latency))
			for op := range latency {
				d, err := histogram.Distribution(op, latencyWindowMinutes)
				if err != nil {
					return fmt.Errorf("failed to get latency distribution: %w", err)
				}
				distribution[op] = d
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"project":      project,
				"usage":        summary,
				"results":      map[string]int{"total": total, "succeeded": succeeded},
				"sessions":     sessions,
				"latency":      latency,
				"distribution": distribution,
			})
		}),
	}

	cmd.Flags().StringVar(&project, "project", "", "restrict to one project")
	return cmd
}
