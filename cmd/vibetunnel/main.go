// Command vibetunnel is the terminal-sharing daemon. Running it with no
// subcommand starts the server; fwd spawns a tracked session in the
// foreground of the invoking terminal.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/vibetunnel/internal/server"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, server.ErrPortInUse) {
			os.Exit(9)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := serveCmd()

	root := &cobra.Command{
		Use:           "vibetunnel",
		Short:         "Terminal sharing server",
		Long:          "Spawns terminal sessions on behalf of clients, records them as asciinema streams, and serves live buffers over HTTP and WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE, // bare invocation serves
	}
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		fwdCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vibetunnel %s\n", version)
		},
	}
}
