package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand(version, commit, date).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(version, commit, date string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spotproxy",
		Short: "Caching proxy in front of the Spotify Web API",
		Long: `spotproxy serves Spotify Web API reads over HTTP. It keeps a small pool
of access tokens, acquires new ones on demand, and caches upstream
responses in memory, on disk, in SQLite or in Postgres.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	})

	return rootCmd
}
