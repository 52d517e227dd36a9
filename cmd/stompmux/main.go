// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

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
		Use:   "stompmux",
		Short: "Share one STOMP connection between many websocket consumers",
		Long: `stompmux keeps a single connection to an upstream STOMP server and
multiplexes channel subscriptions from many consumers over it.

Consumers attach over websocket, subscribe to channels and receive
messages or synced notification lists. An HTTP API exposes status,
connection control and the retained lists.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
