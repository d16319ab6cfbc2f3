// myagent-client is an interactive development client for the plan/solve
// server: it dials the WebSocket endpoint, streams events to the terminal,
// and drives the plan-confirmation round-trip from the keyboard.
package main

import (
	"fmt"
	"os"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if err == readline.ErrInterrupt {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		url       string
		namespace string
		verbose   bool
	)

	root := &cobra.Command{
		Use:          "myagent-client",
		Short:        "Interactive client for the plan/solve server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(url, namespace, verbose)
			if err != nil {
				return err
			}
			defer c.close()
			return c.repl()
		},
	}

	root.Flags().StringVarP(&url, "url", "u", "ws://localhost:8765/ws", "server WebSocket URL")
	root.Flags().StringVar(&namespace, "namespace", "", "event namespace the server is configured with")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every event, including heartbeats")
	return root
}
