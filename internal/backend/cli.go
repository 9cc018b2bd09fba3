package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/shell"
	"mvdan.cc/sh/v3/syntax"

	"github.com/dohr-michael/drudge/internal/config"
	"github.com/dohr-michael/drudge/internal/tasks"
)

// CLI runs an external coding-agent command for each task. The configured
// command is a shell snippet; the prompt is appended as a final quoted
// argument, and DRUDGE_TASK_ID / DRUDGE_SESSION_ID are exported so the
// snippet can reference them for session resume.
//
// The agent is expected to emit one JSON object per stdout line (the
// claude-CLI stream-json format); plain lines are forwarded verbatim as
// progress output.
type CLI struct {
	command string
	parser  *syntax.Parser
}

// NewCLI validates the configured command and returns a CLI backend.
func NewCLI(cfg config.BackendConfig) (*CLI, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("cli backend: command is required")
	}
	parser := syntax.NewParser()
	if _, err := parser.Parse(strings.NewReader(command), "backend.command"); err != nil {
		return nil, fmt.Errorf("cli backend: parse command: %w", err)
	}
	return &CLI{command: command, parser: parser}, nil
}

// streamEvent is one line of the agent's stream-json output. Only the
// fields drudge consumes are declared.
type streamEvent struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	SessionID string  `json:"session_id"`
	Result    string  `json:"result"`
	IsError   bool    `json:"is_error"`
	TotalCost float64 `json:"total_cost_usd"`
	NumTurns  int     `json:"num_turns"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (c *CLI) Execute(ctx context.Context, req tasks.Request, onProgress tasks.ProgressFunc) (*tasks.Result, error) {
	src := c.command + ` "$DRUDGE_PROMPT"`
	file, err := c.parser.Parse(strings.NewReader(src), "backend.command")
	if err != nil {
		return nil, fmt.Errorf("cli backend: parse command: %w", err)
	}

	env := append(os.Environ(),
		"DRUDGE_TASK_ID="+req.TaskID,
		"DRUDGE_PROMPT="+req.Params.Prompt,
		"DRUDGE_SESSION_ID="+req.SessionID,
	)
	for k, v := range req.Params.Env {
		env = append(env, k+"="+v)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, pw, pw),
	}
	if req.Params.WorkDir != "" {
		opts = append(opts, interp.Dir(req.Params.WorkDir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("cli backend: %w", err)
	}

	runErr := make(chan error, 1)
	go func() {
		err := runner.Run(ctx, file)
		pw.Close()
		runErr <- err
	}()

	var (
		final      *streamEvent
		lastOutput string
		reported   float64
		abortErr   error
	)

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var p tasks.Progress
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err == nil && ev.Type != "" {
			switch ev.Type {
			case "result":
				final = &ev
				// The result event carries the run total; report the
				// remainder so accumulated deltas match it.
				if ev.TotalCost > reported {
					p.Cost = ev.TotalCost - reported
					reported = ev.TotalCost
				}
			case "assistant":
				for _, block := range ev.Message.Content {
					if block.Type == "text" && block.Text != "" {
						lastOutput = block.Text
						p.Output = block.Text
					}
				}
			default:
				// init and tool events count as activity but carry no text
			}
		} else {
			lastOutput = line
			p.Output = line
		}

		if p.Cost == 0 && p.Output == "" {
			p.Output = lastOutput
		}
		if err := onProgress(p); err != nil {
			abortErr = err
			cancel()
			break
		}
	}
	// Drain so the runner goroutine never blocks on the pipe.
	io.Copy(io.Discard, pr)

	err = <-runErr
	if abortErr != nil {
		return nil, abortErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if status, ok := interp.IsExitStatus(err); ok {
			msg := fmt.Sprintf("agent exited with status %d", status)
			if lastOutput != "" {
				msg += ": " + tasks.Summarize(lastOutput)
			}
			return nil, fmt.Errorf("cli backend: %s", msg)
		}
		return nil, fmt.Errorf("cli backend: %w", err)
	}

	if final == nil {
		slog.Warn("agent produced no result event", "task_id", req.TaskID)
		return &tasks.Result{Content: lastOutput, SessionID: req.SessionID}, nil
	}
	res := &tasks.Result{
		Content:   final.Result,
		Cost:      final.TotalCost,
		Turns:     final.NumTurns,
		SessionID: final.SessionID,
		IsError:   final.IsError,
	}
	if res.Content == "" {
		res.Content = lastOutput
	}
	if res.IsError {
		res.ErrorMessage = final.Result
		if res.ErrorMessage == "" {
			res.ErrorMessage = "agent reported an error"
		}
	}
	return res, nil
}

// Healthcheck verifies the agent binary is on PATH.
func (c *CLI) Healthcheck(ctx context.Context) error {
	fields, err := shell.Fields(c.command, nil)
	if err != nil || len(fields) == 0 {
		return fmt.Errorf("cli backend: invalid command %q", c.command)
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return fmt.Errorf("cli backend: %w", err)
	}
	return nil
}

var _ tasks.Backend = (*CLI)(nil)
