package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client performs one call to the text-generation endpoint. A cancelled
// context returns context.Canceled; a non-2xx status returns *APIError;
// transport failures are wrapped and returned as-is.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// APIError reports a non-success status from the generation endpoint.
type APIError struct {
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation endpoint returned status %d", e.Status)
}

// Config controls client construction.
type Config struct {
	Mode       string
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient builds a client for the configured mode. "auto" picks HTTP when
// a URL is set and falls back to the mock otherwise.
func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPClient(cfg), nil
		}
		return NewMockClient(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("generation endpoint URL is required for http mode")
		}
		return NewHTTPClient(cfg), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported generate mode %q", cfg.Mode)
	}
}
