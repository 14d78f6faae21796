// Package imaging is the client for the external image engine. Dispatch is a
// single HTTP call; completion arrives later as a RenderEvent through the
// render callback or the event directory watcher.
package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/scrypster/companion/internal/metrics"
)

// ErrDispatchFailed is returned when the image engine did not accept a task.
var ErrDispatchFailed = errors.New("image dispatch failed")

// RenderRequest asks the engine for Count images of Prompt.
type RenderRequest struct {
	PlaceholderID  string `json:"placeholder_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
	Count          int    `json:"image_num"`
	Restricted     bool   `json:"restricted"`
	CallbackURL    string `json:"callback_url,omitempty"`
}

// RenderResult is the engine's acknowledgement of a dispatched task.
type RenderResult struct {
	TaskID string `json:"task_id"`
}

// Config holds image engine client configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	CallbackURL string
	Timeout     time.Duration // default: 30s
}

// Client dispatches render tasks. It does not retry; repeated failures open
// its breaker so later dispatches fail fast.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates an image engine client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "imaging",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("circuit breaker state changed")
				metrics.BreakerState(name, to.String())
			},
		}),
	}
}

// Render dispatches req. Every failure wraps ErrDispatchFailed.
func (c *Client) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = c.cfg.CallbackURL
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.render(ctx, req)
	})
	if err != nil {
		return RenderResult{}, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return out.(RenderResult), nil
}

func (c *Client) render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RenderResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/render", bytes.NewReader(body))
	if err != nil {
		return RenderResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return RenderResult{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return RenderResult{}, fmt.Errorf("image engine returned status %d: %s", resp.StatusCode, string(b))
	}

	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return RenderResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.TaskID == "" {
		return RenderResult{}, errors.New("image engine returned no task id")
	}
	return result, nil
}
