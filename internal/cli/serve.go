package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tutu-network/devpilot/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveBackend, "storage", "", "Task store backend: sqlite or file (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost    string
	servePort    int
	serveBackend string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the devpilot daemon",
	Long:  `Start the task API server, by default at 127.0.0.1:8787.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveBackend != "" {
		cfg.Storage.Backend = serveBackend
	}

	ctx := context.Background()
	d, err := daemon.NewWithConfig(ctx, cfg, daemon.NewLogger(cfg.Logging, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Serve(ctx)
}
