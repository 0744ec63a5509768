// Package commands implements the pvaclient demonstration CLI commands.
//
// pvaclient is not a production tool: it is a thin wrapper over
// pkg/client's library API, used by integration tests and manual
// smoke-checks against a running pvaserver, mirroring the teacher's
// dfsctl being a thin CLI over a library/API client.
package commands

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	broadcastPort int
	searchTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "pvaclient",
	Short: "PV Access demonstration client",
	Long: `pvaclient is a thin demonstration CLI over pkg/client: it searches
for a channel by name, then either fetches its current value or streams
value changes, until interrupted.

Use "pvaclient [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it. It is
// called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().IntVar(&broadcastPort, "broadcast-port", 5076, "UDP port to broadcast channel searches to")
	rootCmd.PersistentFlags().DurationVar(&searchTimeout, "search-timeout", 5*time.Second, "how long to wait for a channel to be found")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
	os.Exit(1)
}
