package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/dohr-michael/drudge/internal/config"
	"github.com/dohr-michael/drudge/internal/secrets"
)

// AuthKind distinguishes between API key and Bearer token auth.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBearerToken
)

// ResolvedAuth holds the resolved credentials and their kind.
type ResolvedAuth struct {
	Kind  AuthKind
	Value string
}

// ResolveAuth resolves the credentials for a provider. Configured values may
// be plain, ${VAR} references, or ENC[age:...] blobs.
// Resolution order: direct token → direct api_key → driver default env.
func ResolveAuth(cfg config.ProviderConfig) (ResolvedAuth, error) {
	keyPath := secrets.KeyPath()

	resolve := func(value string) (string, error) {
		value = strings.TrimSpace(value)
		if value == "" {
			return "", nil
		}
		if secrets.IsEncrypted(value) {
			identity, err := secrets.LoadIdentity(keyPath)
			if err != nil {
				return "", err
			}
			return secrets.Decrypt(value, identity)
		}
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			// Unset references resolve to empty, falling through to the
			// driver default.
			return os.Getenv(value[2 : len(value)-1]), nil
		}
		return value, nil
	}

	token, err := resolve(cfg.Auth.Token)
	if err != nil {
		return ResolvedAuth{}, fmt.Errorf("resolve token: %w", err)
	}
	if token != "" {
		return ResolvedAuth{Kind: AuthBearerToken, Value: token}, nil
	}

	apiKey, err := resolve(cfg.Auth.APIKey)
	if err != nil {
		return ResolvedAuth{}, fmt.Errorf("resolve api key: %w", err)
	}
	if apiKey != "" {
		return ResolvedAuth{Kind: AuthAPIKey, Value: apiKey}, nil
	}

	// Default env vars per driver
	switch strings.ToLower(cfg.Driver) {
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fmt.Errorf("ANTHROPIC_API_KEY not set")
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fmt.Errorf("OPENAI_API_KEY not set")
	case "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fmt.Errorf("GEMINI_API_KEY not set")
	case "ollama":
		return ResolvedAuth{}, nil // local, no auth
	default:
		return ResolvedAuth{}, fmt.Errorf("unknown driver %q: cannot resolve auth", cfg.Driver)
	}
}
