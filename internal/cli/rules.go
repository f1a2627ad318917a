package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grenmap/grenmap-node/internal/collation"
	"github.com/grenmap/grenmap-node/internal/config"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage and run collation rulesets",
	}

	cmd.AddCommand(newRulesRunCommand(rootOpts))
	cmd.AddCommand(newRulesSeedCommand(rootOpts))
	cmd.AddCommand(newRulesExportCommand(rootOpts))
	cmd.AddCommand(newRulesImportCommand(rootOpts))
	cmd.AddCommand(NewCompileCommand(rootOpts))
	cmd.AddCommand(newRulesCheckCommand(rootOpts))
	cmd.AddCommand(newRulesStatusCommand(rootOpts))

	return cmd
}

func newRulesRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every enabled ruleset",
		Long: `Run every enabled Ruleset in priority order under the pipeline lock.

A Rule that is invalid or fails is logged and skipped; the others still
run. The command exits with status 1 when any Rule did not complete.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			ctx, cancel := signalContext(cmd)
			defer cancel()

			p, err := openPipeline(ctx, cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer closePipeline(p)

			report, err := p.RunRulesets(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "rule run failed", err)
			}

			err = formatter.Run(report.RunID, report, func(w io.Writer) {
				printRuleReport(w, report)
			})
			if err != nil {
				return err
			}

			counts := report.Counts()
			if bad := counts[collation.StatusInvalid] + counts[collation.StatusFailed]; bad > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d rule(s) did not complete", bad))
			}
			return nil
		},
	}
}

func printRuleReport(w io.Writer, report collation.Report) {
	printRuleCounts(w, report)
	for _, rl := range report.Rules {
		fmt.Fprintf(w, "  [%s] %s / %s: matched %d, failures %d\n",
			rl.Status, rl.Ruleset, rl.Rule, len(rl.Matched), rl.Failures())
		if rl.Message != "" {
			fmt.Fprintf(w, "      %s\n", rl.Message)
		}
	}
}

func newRulesSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "seed",
		Short:         "Create the default ID collision rulesets",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			ctx := cmd.Context()

			p, err := openPipeline(ctx, cmd, rootOpts, func(cfg *config.Config) {
				cfg.Collation.SeedDefaults = false
			})
			if err != nil {
				return err
			}
			defer closePipeline(p)

			created, err := collation.SeedDefaults(ctx, p.Store())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to seed rulesets", err)
			}

			if formatter.Format == "json" {
				return formatter.Success(map[string][]string{"created": created})
			}
			if len(created) == 0 {
				fmt.Fprintln(formatter.Writer, "Default rulesets already present.")
				return nil
			}
			for _, name := range created {
				fmt.Fprintf(formatter.Writer, "Created %s\n", name)
			}
			return nil
		},
	}
}

func newRulesExportCommand(rootOpts *RootOptions) *cobra.Command {
	var out, docFormat string

	cmd := &cobra.Command{
		Use:           "export",
		Short:         "Write the stored rulesets as a document",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			format := collation.DocumentFormat(docFormat)
			if format != collation.FormatJSON && format != collation.FormatYAML {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --doc-format %q: must be json or yaml", docFormat))
			}
			ctx := cmd.Context()

			p, err := openPipeline(ctx, cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer closePipeline(p)

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to create output file", err)
				}
				defer f.Close()
				w = f
			}

			if err := collation.Export(ctx, p.Store(), w, format); err != nil {
				return WrapExitError(ExitCommandError, "failed to export rulesets", err)
			}
			if out != "" {
				newFormatter(cmd, rootOpts).VerboseLog("Wrote rulesets to %s", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&docFormat, "doc-format", "json", "document format (json|yaml)")

	return cmd
}

func newRulesImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <document>",
		Short: "Store the rulesets of a JSON or YAML document",
		Long: `Store every Ruleset of a ruleset document, replacing stored Rulesets
of the same name. A Ruleset naming an unknown match or action type is
rejected while the others are still stored.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read document", err)
			}

			p, err := openPipeline(ctx, cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer closePipeline(p)

			res, err := collation.Import(ctx, p.Store(), p.Runner().Registry(), data)
			if err != nil {
				if collation.IsDocumentError(err) {
					_ = formatter.Error("DOCUMENT", err.Error(), nil)
				}
				return WrapExitError(ExitCommandError, "failed to import rulesets", err)
			}

			rejected := make([]string, len(res.Rejected))
			for i, e := range res.Rejected {
				rejected[i] = e.Error()
			}

			if formatter.Format == "json" {
				if err := formatter.Success(map[string][]string{
					"created":  res.Created,
					"replaced": res.Replaced,
					"rejected": rejected,
				}); err != nil {
					return err
				}
			} else {
				for _, name := range res.Created {
					fmt.Fprintf(formatter.Writer, "Created  %s\n", name)
				}
				for _, name := range res.Replaced {
					fmt.Fprintf(formatter.Writer, "Replaced %s\n", name)
				}
				for _, msg := range rejected {
					fmt.Fprintf(formatter.Writer, "Rejected %s\n", msg)
				}
			}

			if len(rejected) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d ruleset(s) rejected", len(rejected)))
			}
			return nil
		},
	}
}

func newRulesCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "check",
		Short:         "Validate every stored rule without running it",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			ctx := cmd.Context()

			p, err := openPipeline(ctx, cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer closePipeline(p)

			checks, err := p.Runner().Check(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to check rules", err)
			}

			if formatter.Format == "json" {
				if err := formatter.Success(checks); err != nil {
					return err
				}
			} else {
				printChecks(formatter, checks)
			}

			if n := countInvalid(checks); n > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d invalid rule(s)", n))
			}
			return nil
		},
	}
}

func printChecks(formatter *OutputFormatter, checks []collation.RuleCheck) {
	w := formatter.Writer
	if len(checks) == 0 {
		fmt.Fprintln(w, "No rules.")
		return
	}
	for _, c := range checks {
		mark := "✓"
		if !c.Valid() {
			mark = "✗"
		}
		suffix := ""
		if !c.Enabled {
			suffix = " (disabled)"
		}
		fmt.Fprintf(w, "%s %s / %s%s\n", mark, c.Ruleset, c.Rule, suffix)
		if !c.Valid() {
			fmt.Fprintf(w, "    %s: %s\n", c.Code, c.Error)
		} else {
			formatter.VerboseLog("    operates on %s", c.Kind)
		}
	}
}

func newRulesStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the last run of every rule",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			ctx := cmd.Context()

			p, err := openPipeline(ctx, cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer closePipeline(p)

			runs, err := p.Runner().LastRuns(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read rule runs", err)
			}

			if formatter.Format == "json" {
				return formatter.Success(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(formatter.Writer, "No rule has run yet.")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(formatter.Writer, "%-10s %s / %s  run %s  matched %d, failures %d\n",
					strings.ToUpper(run.Status), run.Ruleset, run.Rule, run.RunID, run.Matched, run.Failures)
				if run.Message != "" {
					fmt.Fprintf(formatter.Writer, "           %s\n", run.Message)
				}
			}
			return nil
		},
	}
}
