// Command multistore validates, runs, replays and tests store definitions.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/multistore/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
