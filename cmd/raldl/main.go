// Command raldl is the thin CLI collaborator around the Transfer Manager
// core. It wires one "get" subcommand to a Supervisor, renders per-transfer
// progress with cheggaaa/pb and fatih/color the way
// bodaay/HuggingFaceModelDownloader renders its own, and maps the result
// onto the exit codes: 0 all done, 1 any failure, 2 usage error.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(usageExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "raldl",
		Short:         "Resumable, multi-mirror, range-parallel artifact downloader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newGetCmd())
	return root
}

// usageExitCode maps a usageError (conflicting flags, an invalid config) to
// exit code 2, and every other failure — including a genuinely failed
// transfer — to 1. Cobra's own pre-RunE errors (unknown
// flag, unknown subcommand) are rare enough for this thin collaborator that
// they fall into the same bucket rather than earning their own detection.
func usageExitCode(err error) int {
	if isUsageError(err) {
		return 2
	}
	return 1
}
