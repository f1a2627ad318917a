package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grenmap/grenmap-node/internal/collation"
	"github.com/grenmap/grenmap-node/internal/importer"
	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/pipeline"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Parent string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <tree.yaml>",
		Short: "Import a topology tree",
		Long: `Import a GRENML topology tree into the node database.

The tree is reconciled with the stored topologies (elements missing from
the tree are disassociated or deleted), borrowed elements are resolved to
their originals and the collation Rulesets run, all under the pipeline lock.

Example:
  grenmap import --db ./grenmap.db canarie.yaml
  grenmap import --parent ROOT-TOPOLOGY --format json canarie.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Parent, "parent", "", "ID of an existing topology to import under")

	return cmd
}

func runImport(cmd *cobra.Command, opts *ImportOptions, path string) error {
	formatter := newFormatter(cmd, opts.RootOptions)

	tree, err := readTree(path)
	if err != nil {
		_ = formatter.Error(ErrCodeBadTree, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read topology tree", err)
	}
	formatter.VerboseLog("Loaded topology tree %q from %s", tree.ID, path)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	p, err := openPipeline(ctx, cmd, opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer closePipeline(p)

	res, runErr := p.Import(ctx, tree, pipeline.ImportOptions{ParentTopologyID: opts.Parent})
	if res != nil && res.Import != nil {
		err := formatter.Run(res.Import.RunID, res, func(w io.Writer) {
			printImportResult(w, res)
		})
		if err != nil {
			return err
		}
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "import failed", runErr)
	}
	if res.Import.Status == importer.StatusAborted {
		return NewExitError(ExitFailure, "import aborted: "+res.Import.Message)
	}
	return nil
}

// ErrCodeBadTree is reported when the tree file cannot be read or decoded.
const ErrCodeBadTree = "E201"

func readTree(path string) (*model.IncomingTopology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return model.DecodeTree(f)
}

func printImportResult(w io.Writer, res *pipeline.Result) {
	rep := res.Import
	mark := "✓"
	switch rep.Status {
	case importer.StatusWarning:
		mark = "!"
	case importer.StatusAborted:
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Import %s: %s\n", mark, rep.RunID, rep.Status)
	if rep.Message != "" {
		fmt.Fprintf(w, "  %s\n", rep.Message)
	}

	fmt.Fprintln(w)
	for _, kind := range append([]model.Kind{model.KindTopology}, model.ElementKinds...) {
		c := rep.Counts[kind]
		if c == nil {
			continue
		}
		fmt.Fprintf(w, "  %-12s encountered %d, created %d, updated %d, disassociated %d, deleted %d\n",
			kind.Label()+":", c.Encountered, c.Created, c.Updated, c.Disassociated, c.Deleted)
	}

	if len(rep.Problems) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Problems:")
		for _, p := range rep.Problems {
			fmt.Fprintf(w, "  %-7s %s\n", strings.ToUpper(string(p.Severity)), p.Error())
		}
	}

	if c := res.Completeness; c != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Borrowed elements: %d replaced, %d unresolved, %d ambiguous\n",
			len(c.Replaced), len(c.Unresolved), len(c.Ambiguous))
	}

	if res.Rules != nil {
		fmt.Fprintln(w)
		printRuleCounts(w, *res.Rules)
	}
}

func printRuleCounts(w io.Writer, rep collation.Report) {
	counts := rep.Counts()
	statuses := make([]string, 0, len(counts))
	for status, n := range counts {
		statuses = append(statuses, fmt.Sprintf("%s %d", status, n))
	}
	sort.Strings(statuses)
	if len(statuses) == 0 {
		fmt.Fprintf(w, "Rules %s: none enabled\n", rep.RunID)
		return
	}
	fmt.Fprintf(w, "Rules %s: %d run (%s)\n", rep.RunID, len(rep.Rules), strings.Join(statuses, ", "))
}
