// Command punchsync ingests biometric punches and reconciles daily attendance.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/punchsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
