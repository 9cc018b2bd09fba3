package config

import (
	"os"
	"path/filepath"
)

// DrudgePath returns the root directory for drudge data.
// It uses $DRUDGE_PATH if set, otherwise defaults to ~/.drudge.
func DrudgePath() string {
	if v := os.Getenv("DRUDGE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".drudge")
	}
	return filepath.Join(home, ".drudge")
}

// ConfigPath returns the path to the drudge config file.
func ConfigPath() string {
	return filepath.Join(DrudgePath(), "config.jsonc")
}

// DotenvPath returns the path to the drudge .env file.
func DotenvPath() string {
	return filepath.Join(DrudgePath(), ".env")
}

// DBPath returns the path to the task database.
func DBPath() string {
	return filepath.Join(DrudgePath(), "tasks.db")
}
