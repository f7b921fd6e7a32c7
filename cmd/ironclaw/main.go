// Package main is the ironclaw binary: a single CLI whose default
// subcommand starts the agent runtime and whose other subcommands manage
// configuration, memory, jobs, routines, and the gateway without a full
// agent start.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 success, 1 generic failure, 2 configuration error,
// 3 authentication error.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
	exitAuth    = 3
)

// configError and authError tag failures so main can map them to the
// right exit code without string matching.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type authError struct{ err error }

func (e *authError) Error() string { return e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ironclaw:", err)
		var ce *configError
		var ae *authError
		switch {
		case errors.As(err, &ce):
			os.Exit(exitConfig)
		case errors.As(err, &ae):
			os.Exit(exitAuth)
		default:
			os.Exit(exitFailure)
		}
	}
}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	bootstrapPath string
	noDB          bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "ironclaw",
		Short:         "IronClaw is a single-user, self-hostable AI assistant runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		// With no subcommand, start the agent.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.bootstrapPath, "config", "", "bootstrap config file (default ~/.ironclaw/bootstrap.json)")
	root.PersistentFlags().BoolVar(&flags.noDB, "no-db", false, "run without a persistence connection (in-memory state)")

	root.AddCommand(
		newRunCmd(flags),
		newWorkerCmd(),
		newOnboardCmd(flags),
		newConfigCmd(flags),
		newMemoryCmd(flags),
		newPairingCmd(flags),
		newStatusCmd(flags),
		newDoctorCmd(flags),
		newGatewayCmd(flags),
		newSessionsCmd(flags),
		newHooksCmd(flags),
		newCronCmd(flags),
		newLogsCmd(flags),
		newMessageCmd(flags),
		newChannelsCmd(flags),
		newPluginsCmd(flags),
		newWebhooksCmd(flags),
		newSkillsCmd(flags),
		newAgentsCmd(flags),
		newNodesCmd(flags),
		newBrowserCmd(flags),
		newServiceCmd(),
		newToolCmd(flags),
		newMCPCmd(flags),
	)
	// cobra provides `completion` automatically for the shells it knows.

	return root
}
