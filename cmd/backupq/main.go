package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd()

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "backupq",
		Short: "Queue directory trees for placeholder backup",
		Long: `backupq runs a single background worker that mirrors source directory
trees into a destination as fixed-size placeholder files. Tasks are
submitted over HTTP; progress is streamed over SSE and WebSocket.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("log", "", "write JSON logs to file")

	rootCmd.AddCommand(
		newServeCmd(),
		newAddCmd(),
		newQueueCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newVersionCmd(),
		newDocsCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "backupq "+version)
		},
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
