package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/devpilot/internal/domain"
)

func init() {
	tasksListCmd.Flags().StringVar(&listType, "type", "", "Only tasks of this type")
	tasksListCmd.Flags().StringVar(&listStatus, "status", "", "Only tasks in this status")
	tasksListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of tasks")

	tasksSubmitCmd.Flags().StringVar(&submitRepo, "repo", "", "Target repository (owner/name)")
	tasksSubmitCmd.Flags().StringVarP(&submitDesc, "description", "d", "", "What the task should do")
	tasksSubmitCmd.Flags().IntVar(&submitIssue, "issue", 0, "Issue number (issue-solver)")
	tasksSubmitCmd.Flags().StringSliceVar(&submitPaths, "path", nil, "Focus paths (code-review, audit)")
	tasksSubmitCmd.Flags().StringVar(&submitPlanTask, "plan-task", "", "Completed scaffold-plan task id (scaffold-create)")
	tasksSubmitCmd.Flags().StringVar(&submitToken, "token", os.Getenv("GITHUB_TOKEN"), "GitHub token sent with the request")
	tasksSubmitCmd.Flags().StringVar(&submitUser, "user", os.Getenv("USER"), "User id recorded in the activity feed")

	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksCancelCmd, tasksSubmitCmd, tasksWatchCmd)
	rootCmd.AddCommand(tasksCmd)
}

var (
	listType, listStatus string
	listLimit            int

	submitRepo, submitDesc, submitPlanTask string
	submitToken, submitUser                string
	submitIssue                            int
	submitPaths                            []string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Submit, inspect and cancel tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"limit": {strconv.Itoa(listLimit)}}
		if listType != "" {
			q.Set("type", listType)
		}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		var out struct {
			Tasks []domain.Task `json:"tasks"`
		}
		if err := call(cmd.Context(), http.MethodGet, "/api/tasks", q, nil, nil, &out); err != nil {
			return err
		}
		if len(out.Tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tREPO\tUPDATED\tLAST PROGRESS")
		for _, t := range out.Tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Type, t.Status, t.Repo,
				t.UpdatedAt.Local().Format(time.DateTime),
				lastProgress(t),
			)
		}
		return w.Flush()
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a task and its progress log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t domain.Task
		if err := call(cmd.Context(), http.MethodGet, "/api/tasks/"+url.PathEscape(args[0]), nil, nil, nil, &t); err != nil {
			return err
		}
		printTask(cmd.OutOrStdout(), t)
		return nil
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Task domain.Task `json:"task"`
		}
		if err := call(cmd.Context(), http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/cancel", nil, nil, nil, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", out.Task.ID)
		return nil
	},
}

var tasksSubmitCmd = &cobra.Command{
	Use:   "submit TYPE",
	Short: "Submit a task (issue-solver, code-writer, custom-task, code-review, audit, scaffold-plan, scaffold-create)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"type":        args[0],
			"repo":        submitRepo,
			"description": submitDesc,
			"options": map[string]any{
				"issueNumber": submitIssue,
				"paths":       submitPaths,
				"planTaskId":  submitPlanTask,
			},
		}
		headers := map[string]string{"X-GitHub-Token": submitToken, "X-User-ID": submitUser}
		var out struct {
			Task domain.Task `json:"task"`
		}
		if err := call(cmd.Context(), http.MethodPost, "/api/tasks", nil, headers, body, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s task %s\n", out.Task.Type, out.Task.ID)
		return nil
	},
}

var tasksWatchCmd = &cobra.Command{
	Use:   "watch ID",
	Short: "Follow a task's progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := strings.TrimRight(serverAddr, "/") + "/api/tasks/" + url.PathEscape(args[0]) + "/stream"
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		// Streams outlive the default client timeout.
		resp, err := (&http.Client{}).Do(req)
		if err != nil {
			return fmt.Errorf("is the daemon running? %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("watch %s: HTTP %d", args[0], resp.StatusCode)
		}
		return followTask(cmd.OutOrStdout(), resp.Body)
	},
}

// followTask prints progress lines as they appear in the event stream, then
// the final status.
func followTask(w io.Writer, r io.Reader) error {
	printed := 0
	var last domain.Task
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(data), &last); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		for ; printed < len(last.Progress); printed++ {
			fmt.Fprintf(w, "  %s\n", last.Progress[printed])
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if last.Status.IsTerminal() {
		fmt.Fprintf(w, "Task %s %s\n", last.ID, last.Status)
	} else {
		fmt.Fprintf(w, "Stream closed while task %s is %s; run watch again to keep following\n", last.ID, last.Status)
	}
	return nil
}

func lastProgress(t domain.Task) string {
	if len(t.Progress) == 0 {
		return "-"
	}
	p := t.Progress[len(t.Progress)-1]
	if r := []rune(p); len(r) > 60 {
		p = string(r[:57]) + "..."
	}
	return p
}

func printTask(w io.Writer, t domain.Task) {
	fmt.Fprintf(w, "ID:          %s\n", t.ID)
	fmt.Fprintf(w, "Type:        %s\n", t.Type)
	fmt.Fprintf(w, "Status:      %s\n", t.Status)
	if t.Repo != "" {
		fmt.Fprintf(w, "Repo:        %s\n", t.Repo)
	}
	fmt.Fprintf(w, "Description: %s\n", t.Description)
	if t.Branch != "" {
		fmt.Fprintf(w, "Branch:      %s\n", t.Branch)
	}
	if t.PRURL != "" {
		fmt.Fprintf(w, "PR:          %s\n", t.PRURL)
	}
	fmt.Fprintf(w, "Created:     %s\n", t.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Updated:     %s\n", t.UpdatedAt.Local().Format(time.DateTime))
	if t.Result != nil {
		fmt.Fprintf(w, "Result:      %s\n", t.Result.Summary)
	}
	if len(t.Progress) > 0 {
		fmt.Fprintln(w, "Progress:")
		for _, p := range t.Progress {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
}
