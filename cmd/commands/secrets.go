package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/drudge/internal/secrets"
)

// NewSecretsCommand returns the secrets subcommand.
func NewSecretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage encrypted config credentials",
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Generate the age key pair used to seal credentials",
				Action: runSecretsInit,
			},
			{
				Name:   "encrypt",
				Usage:  "Encrypt a credential for use in config.jsonc",
				Action: runSecretsEncrypt,
			},
		},
	}
}

func runSecretsInit(_ context.Context, _ *cli.Command) error {
	path := secrets.KeyPath()
	if err := secrets.GenerateIdentity(path); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Printf("Key ready at %s\n", path)
	return nil
}

func runSecretsEncrypt(_ context.Context, _ *cli.Command) error {
	path := secrets.KeyPath()
	if err := secrets.GenerateIdentity(path); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	identity, err := secrets.LoadIdentity(path)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	fmt.Fprint(os.Stderr, "Value to encrypt: ")
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read value: %w", err)
	}
	if len(value) == 0 {
		return fmt.Errorf("nothing to encrypt")
	}

	blob, err := secrets.Encrypt(string(value), identity.Recipient())
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	fmt.Println(blob)
	return nil
}
