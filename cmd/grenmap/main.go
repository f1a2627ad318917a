// Command grenmap maintains a GRENMap node database: it imports topology
// trees and runs the collation Rulesets over the stored elements.
package main

import (
	"fmt"
	"os"

	"github.com/grenmap/grenmap-node/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
