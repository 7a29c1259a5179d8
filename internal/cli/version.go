package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client and daemon versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "client: %s\n", rootCmd.Version)
		var out struct {
			Version string `json:"version"`
		}
		if err := call(cmd.Context(), http.MethodGet, "/api/version", nil, nil, nil, &out); err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon: not reachable")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "daemon: %s\n", out.Version)
		return nil
	},
}
