package models

import (
	"fmt"
	"strings"
)

// ErrModelUnavailable signals that a provider endpoint could not serve the
// request at all (network failure, proxy error, non-JSON response).
type ErrModelUnavailable struct {
	Provider string
	Body     string
	Cause    error
}

func (e *ErrModelUnavailable) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("model provider %s unavailable: %v", e.Provider, e.Cause)
	case e.Body != "":
		return fmt.Sprintf("model provider %s unavailable: %s", e.Provider, e.Body)
	default:
		return fmt.Sprintf("model provider %s unavailable", e.Provider)
	}
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

// errorBuckets maps recognizable SDK error fragments to a short label the
// rest of the system can present. Order matters: auth before rate limits,
// rate limits before generic connection noise.
var errorBuckets = []struct {
	label     string
	fragments []string
}{
	{"authentication failed", []string{"401", "403", "unauthorized", "invalid api key", "api key", "forbidden"}},
	{"rate limited", []string{"429", "rate limit", "quota", "too many requests"}},
	{"context too long", []string{"context length", "too many tokens", "max tokens", "token limit"}},
	{"model not found", []string{"model not found", "404", "not found"}},
	{"connection error", []string{"connection", "eof", "timeout", "dial", "refused"}},
}

// HandleError rewraps common SDK errors with a recognizable label.
// Unrecognized errors pass through unchanged.
func HandleError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, bucket := range errorBuckets {
		for _, frag := range bucket.fragments {
			if strings.Contains(msg, frag) {
				return fmt.Errorf("%s: %w", bucket.label, err)
			}
		}
	}
	return err
}
