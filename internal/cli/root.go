// Package cli implements the aaarefine command line.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the aaarefine command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:   "aaarefine",
		Short: "Refactor test methods with an LLM until a validator finds no smell",
		Long: `aaarefine rewrites Java test methods that violate the Arrange-Act-Assert
pattern (or carry another test smell). Each case runs a bounded
generate/validate loop against an LLM and stores the outcome in SQLite.

Available commands:
  refine  - Refactor one test method
  batch   - Refactor every runnable case of a cases CSV
  serve   - Run the stdio JSON-RPC tool server
  usage   - Show cost, token and latency statistics`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging and the debug log file")
	root.PersistentFlags().StringVar(&a.output, "output", "", "output directory (overrides paths.output)")

	root.AddCommand(
		newRefineCommand(a),
		newBatchCommand(a),
		newServeCommand(a),
		newUsageCommand(a),
	)
	return root
}

// Execute runs the command line until completion or SIGINT/SIGTERM.
func Execute(version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return NewRootCommand(version).ExecuteContext(ctx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
