package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atriumd",
		Short: "Real-time collaboration server",
		Long: `Atriumd runs the Atrium collaboration backbone as a standalone server.

Clients connect over WebSocket and exchange envelopes for presence,
rooms, and collaborative document sessions. Users without a live
connection get their envelopes queued and replayed on reconnect.

The HTTP surface also serves /healthz, /metrics, and a read-only
introspection API under /api/v1.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}
