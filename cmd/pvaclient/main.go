// Command pvaclient is a thin demonstration CLI over pkg/client, used by
// integration tests and manual smoke-checks; it is not a production tool.
package main

import (
	"fmt"
	"os"

	"github.com/epics-go/pvaccess/cmd/pvaclient/commands"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
