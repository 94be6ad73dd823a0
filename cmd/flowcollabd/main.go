// Command flowcollabd serves collaborative workflow editing and task
// dispatch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowcollabd",
		Short: "Collaborative workflow editing and worker-team task dispatch",
		Long: `flowcollabd keeps one authoritative graph per workflow, relays edits,
cursors and selections between the people editing it, and dispatches node
executions to worker teams by capability, priority and load.

Examples:
  # Serve on :8080 with in-memory storage
  flowcollabd serve

  # Persist graphs and tasks in Postgres
  DATABASE_URL=postgres://localhost/flow flowcollabd serve --storage postgres

  # Show the team catalog
  flowcollabd teams --catalog teams.yaml
`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newTeamsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
