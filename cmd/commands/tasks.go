package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
)

// NewTasksCommand returns the tasks subcommand. All operations go through
// the gateway API so the running engine stays the single writer.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage background tasks",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List recent tasks",
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "submit",
				Usage:     "Submit a new task",
				ArgsUsage: "<scope_key> <prompt>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Usage: "Owner the task is attributed to"},
					&cli.StringFlag{Name: "session", Usage: "Backend session to resume"},
					&cli.FloatFlag{Name: "cost-limit", Usage: "Maximum dollars this task may spend"},
				},
				Action: runTasksSubmit,
			},
			{
				Name:      "stop",
				Usage:     "Cancel a running task",
				ArgsUsage: "<task_id>",
				Action:    runTasksStop,
			},
		},
		DefaultCommand: "list",
	}
}

type apiTask struct {
	ID        string  `json:"id"`
	ScopeKey  string  `json:"scope_key"`
	Owner     string  `json:"owner"`
	Status    string  `json:"status"`
	TotalCost float64 `json:"total_cost"`
	Retries   int     `json:"retries"`
	Elapsed   string  `json:"elapsed"`
	Summary   string  `json:"summary"`
	ErrorKind string  `json:"error_kind"`
	Error     string  `json:"error"`
	SessionID string  `json:"session_id"`
	CreatedAt string  `json:"created_at"`
}

func apiRequest(cmd *cli.Command, method, path string, body string) ([]byte, int, error) {
	cfg := loadConfigOrDefault(cmd)
	url := fmt.Sprintf("http://%s:%d%s", cfg.Gateway.Host, cfg.Gateway.Port, path)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("is the engine running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func apiError(data []byte, status int) error {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", body.Error, status)
	}
	return fmt.Errorf("unexpected response (HTTP %d)", status)
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	data, status, err := apiRequest(cmd, http.MethodGet, "/api/tasks", "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(data, status)
	}

	var list []apiTask
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSCOPE\tCOST\tELAPSED")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t%s\n",
			t.ID,
			t.Status,
			t.ScopeKey,
			t.TotalCost,
			t.Elapsed,
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: drudge tasks show <task_id>")
	}

	data, status, err := apiRequest(cmd, http.MethodGet, "/api/tasks/"+taskID, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(data, status)
	}

	var t apiTask
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}

	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Scope:    %s\n", t.ScopeKey)
	if t.Owner != "" {
		fmt.Printf("Owner:    %s\n", t.Owner)
	}
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Cost:     $%.2f\n", t.TotalCost)
	fmt.Printf("Retries:  %d\n", t.Retries)
	fmt.Printf("Elapsed:  %s\n", t.Elapsed)
	if t.SessionID != "" {
		fmt.Printf("Session:  %s\n", t.SessionID)
	}
	if t.ErrorKind != "" {
		fmt.Printf("\nError (%s): %s\n", t.ErrorKind, t.Error)
	}
	if t.Summary != "" {
		fmt.Printf("\nResult:\n%s\n", t.Summary)
	}
	return nil
}

func runTasksSubmit(_ context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: drudge tasks submit <scope_key> <prompt>")
	}
	scope := args[0]
	prompt := strings.Join(args[1:], " ")

	body, err := json.Marshal(map[string]any{
		"scope_key":  scope,
		"owner":      cmd.String("owner"),
		"prompt":     prompt,
		"session_id": cmd.String("session"),
		"cost_limit": cmd.Float("cost-limit"),
	})
	if err != nil {
		return err
	}

	data, status, err := apiRequest(cmd, http.MethodPost, "/api/tasks", string(body))
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return apiError(data, status)
	}

	var resp map[string]string
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("Task %s submitted.\n", resp["task_id"])
	return nil
}

func runTasksStop(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: drudge tasks stop <task_id>")
	}

	data, status, err := apiRequest(cmd, http.MethodDelete, "/api/tasks/"+taskID, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(data, status)
	}
	fmt.Printf("Task %s stopping.\n", taskID)
	return nil
}
