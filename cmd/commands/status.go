package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/drudge/internal/config"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show drudge engine status",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg := loadConfigOrDefault(cmd)

			client := &http.Client{Timeout: 5 * time.Second}
			url := fmt.Sprintf("http://%s:%d/api/health", cfg.Gateway.Host, cfg.Gateway.Port)
			resp, err := client.Get(url)
			if err != nil {
				fmt.Println("Engine: NOT RUNNING")
				return nil
			}
			defer resp.Body.Close()

			var body struct {
				Status  string `json:"status"`
				Backend string `json:"backend"`
				Running int    `json:"running"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}

			fmt.Printf("Engine:  %s\n", body.Status)
			fmt.Printf("Backend: %s\n", body.Backend)
			fmt.Printf("Running: %d task(s)\n", body.Running)
			return nil
		},
	}
}

func loadConfigOrDefault(cmd *cli.Command) *config.Config {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Default()
	}
	return cfg
}
