// Package cli implements the devpilot command-line interface using Cobra.
// serve runs the daemon; every other command talks to a running daemon over
// its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/devpilot/internal/daemon"
)

const defaultAddr = "http://127.0.0.1:8787"

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "devpilot",
	Short: "devpilot: background AI tasks for GitHub repositories",
	Long: `devpilot runs AI-driven GitHub tasks (issue solving, code writing, reviews,
audits and repository scaffolding) in the background and reports their
progress over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addr := os.Getenv("DEVPILOT_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", addr, "devpilot daemon address")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	daemon.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
