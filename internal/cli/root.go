package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	EnvFile    string
	Database   string // overrides database.path when set
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the grenmap CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "grenmap",
		Short: "GRENMap node - network map collation",
		Long: `Maintain a GRENMap node database.

The node imports GRENML topology trees, folds borrowed elements back into
their originals and runs the collation Rulesets that resolve ID collisions
between institutions, nodes and links reported by different peers.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to TOML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "path to .env file with GRENMAP_* overrides")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides database.path)")

	// Add subcommands
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewImportsCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
