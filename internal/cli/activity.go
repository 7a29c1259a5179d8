package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/devpilot/internal/domain"
)

func init() {
	activityCmd.Flags().StringVar(&activityUser, "user", "", "Only entries of this user")
	activityCmd.Flags().StringVar(&activityRepo, "repo", "", "Only entries for this repository")
	activityCmd.Flags().IntVar(&activityLimit, "limit", 20, "Maximum number of entries")
	rootCmd.AddCommand(activityCmd)
}

var (
	activityUser, activityRepo string
	activityLimit              int
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show the work-history feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"limit": {strconv.Itoa(activityLimit)}}
		if activityUser != "" {
			q.Set("user", activityUser)
		}
		if activityRepo != "" {
			q.Set("repo", activityRepo)
		}
		var out struct {
			Entries []domain.WorkEntry `json:"entries"`
		}
		if err := call(cmd.Context(), http.MethodGet, "/api/activity", q, nil, nil, &out); err != nil {
			return err
		}
		if len(out.Entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No activity.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tACTION\tSTATUS\tREPO\tDURATION\tSUMMARY")
		for _, e := range out.Entries {
			dur := "-"
			if d := e.Duration(); d > 0 {
				dur = d.Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.StartedAt.Local().Format(time.DateTime), e.ActionType, e.Status, e.Repo, dur, e.Summary)
		}
		return w.Flush()
	},
}
