// Package synthesis talks to the external text-synthesis collaborator
// that turns an edit sketch plus instructions into full file content.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/agent-host/internal/retry"
)

// ErrEmptyResult is returned when the collaborator answered but produced
// no usable content.
var ErrEmptyResult = errors.New("synthesis returned empty content")

// Applier produces the full new file content for an edit.
type Applier interface {
	Apply(ctx context.Context, content, instructions, sketch string) (string, error)
}

// Disabled is the Applier used when no collaborator is configured.
// Every edit fails with a clear error instead of panicking downstream.
type Disabled struct{}

func (Disabled) Apply(context.Context, string, string, string) (string, error) {
	return "", errors.New("no synthesis endpoint configured")
}

// Config holds configuration for the HTTP client.
type Config struct {
	BaseURL     string
	AuthToken   string
	HTTPTimeout time.Duration // per-request timeout (default: 60s)
	Retry       retry.Config
}

// Client is the HTTP Applier implementation.
type Client struct {
	baseURL   string
	authToken string
	retryCfg  retry.Config
	client    *http.Client
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		retryCfg:  cfg.Retry,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

type applyRequest struct {
	Content      string `json:"content"`
	Instructions string `json:"instructions"`
	EditSketch   string `json:"editSketch,omitempty"`
}

type applyResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Apply posts the edit to the collaborator and returns the new content.
// Transient failures (network errors, 5xx) are retried with backoff;
// client errors and empty results are not.
func (c *Client) Apply(ctx context.Context, content, instructions, sketch string) (string, error) {
	body, err := json.Marshal(applyRequest{
		Content:      content,
		Instructions: instructions,
		EditSketch:   sketch,
	})
	if err != nil {
		return "", fmt.Errorf("encode apply request: %w", err)
	}

	var result string
	err = retry.Do(ctx, c.retryCfg, "synthesis-apply", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apply", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("synthesis request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return fmt.Errorf("read synthesis response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("synthesis returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Permanent(fmt.Errorf("synthesis returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
		}

		var parsed applyResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return retry.Permanent(fmt.Errorf("decode synthesis response: %w", err))
		}
		if parsed.Error != "" {
			return retry.Permanent(fmt.Errorf("synthesis error: %s", parsed.Error))
		}
		if strings.TrimSpace(parsed.Content) == "" {
			return retry.Permanent(ErrEmptyResult)
		}
		result = parsed.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
