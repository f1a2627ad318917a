package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grenmap/grenmap-node/internal/collation"
	"github.com/grenmap/grenmap-node/internal/compiler"
	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// CompileOptions holds flags for the rules compile command.
type CompileOptions struct {
	*RootOptions
	Save bool
}

// CompilationResult holds the compiled Rulesets and the validation result
// of each of their Rules.
type CompilationResult struct {
	Rulesets []model.Ruleset       `json:"rulesets"`
	Checks   []collation.RuleCheck `json:"checks"`
	Saved    bool                  `json:"saved"`
}

// NewCompileCommand creates the rules compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <rules-dir>",
		Short: "Compile CUE ruleset definitions",
		Long: `Compile the CUE package in a directory into Rulesets.

Every entry under the top-level ruleset field becomes a Ruleset. Each Rule
is checked against the known match and action types. With --save the
Rulesets replace the stored Rulesets of the same name; nothing is saved
unless every Rule is valid.

Example:
  grenmap rules compile ./rules
  grenmap rules compile --save ./rules`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Save, "save", false, "store the compiled rulesets")

	return cmd
}

func runCompile(opts *CompileOptions, rulesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.RootOptions)

	loadResult, loadErrors := compiler.LoadRulesets(rulesDir, compiler.LoadModeCollectAll)

	// Handle load errors (directory not found, no files, etc.)
	if loadResult == nil && len(loadErrors) > 0 {
		var loadErr *compiler.LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputCompileError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputCompileError(formatter, compiler.ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", len(loadResult.Files), rulesDir)
	for _, rs := range loadResult.Rulesets {
		formatter.VerboseLog("Compiled ruleset: %s (%d rule(s))", rs.Name, len(rs.Rules))
	}

	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	result := &CompilationResult{
		Rulesets: loadResult.Rulesets,
		Checks:   collation.DefaultRegistry().CheckRulesets(loadResult.Rulesets),
	}
	invalid := countInvalid(result.Checks)

	if opts.Save && invalid == 0 {
		if err := saveRulesets(cmd, opts.RootOptions, result.Rulesets); err != nil {
			return err
		}
		result.Saved = true
	}

	if err := outputCompileSuccess(formatter, result); err != nil {
		return err
	}
	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d invalid rule(s)", invalid))
	}
	return nil
}

func saveRulesets(cmd *cobra.Command, opts *RootOptions, sets []model.Ruleset) error {
	ctx := cmd.Context()
	p, err := openPipeline(ctx, cmd, opts, nil)
	if err != nil {
		return err
	}
	defer closePipeline(p)

	err = p.Store().Update(ctx, func(tx *store.Tx) error {
		for i := range sets {
			if _, err := tx.ReplaceRuleset(ctx, &sets[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to save rulesets", err)
	}
	return nil
}

func countInvalid(checks []collation.RuleCheck) int {
	n := 0
	for _, c := range checks {
		if !c.Valid() {
			n++
		}
	}
	return n
}

// outputCompileSuccess outputs compiled Rulesets and their rule checks.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	// Human-readable text output
	fmt.Fprintf(formatter.Writer, "✓ Compiled %d ruleset(s)\n\n", len(result.Rulesets))
	for _, rs := range result.Rulesets {
		state := "enabled"
		if !rs.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(formatter.Writer, "  %s (priority %d, %s): %d rule(s)\n", rs.Name, rs.Priority, state, len(rs.Rules))
	}
	fmt.Fprintln(formatter.Writer)

	printChecks(formatter, result.Checks)

	if result.Saved {
		fmt.Fprintf(formatter.Writer, "Saved %d ruleset(s)\n", len(result.Rulesets))
	}
	return nil
}

// outputCompileError outputs a single load error.
func outputCompileError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	// Load errors are command-level errors (exit code 2)
	return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message), nil)
}

// outputCompileErrors outputs multiple compilation errors.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	if formatter.Format == "json" {
		cliErrors := make([]ResponseError, len(errs))
		for i, err := range errs {
			code, message := parseCompileError(err)
			cliErrors[i] = ResponseError{
				Code:    code,
				Message: message,
			}
		}

		response := Response{
			Status: "error",
			Error:  &cliErrors[0],
			Data:   cliErrors, // Include all errors in data
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		code, message := parseCompileError(err)
		var loadErr *compiler.LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(),
				loadErr.Pos.Line(),
				loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", code, message)
	}

	return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

// parseCompileError extracts error code and message from an error.
func parseCompileError(err error) (string, string) {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return compiler.MapFieldToErrorCode(compileErr.Field), compileErr.Message
	}
	return compiler.ErrCodeGeneric, err.Error()
}
