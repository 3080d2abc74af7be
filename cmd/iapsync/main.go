// Command iapsync reconciles in-app purchases against a store and a
// transaction ledger.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/iapsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
