package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grenmap/grenmap-node/internal/store"
)

// NewImportsCommand creates the imports command, which lists past import
// runs.
func NewImportsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "imports",
		Short:         "List recent import runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			formatter := newFormatter(cmd, rootOpts)
			ctx := cmd.Context()

			p, err := openPipeline(ctx, cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer closePipeline(p)

			var runs []store.ImportRun
			err = p.Store().View(ctx, func(tx *store.Tx) error {
				var err error
				runs, err = tx.ImportRuns(ctx, limit)
				return err
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read import runs", err)
			}

			if formatter.Format == "json" {
				return formatter.Success(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(formatter.Writer, "No imports yet.")
				return nil
			}
			for _, run := range runs {
				finished := "-"
				if run.FinishedAt != nil {
					finished = run.FinishedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(formatter.Writer, "%s  %-11s started %s  finished %s\n",
					run.RunID, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"), finished)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")

	return cmd
}
