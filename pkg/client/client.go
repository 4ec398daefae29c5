// Package client is a Go client for the notigate worker HTTP API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/notigate/pkg/models"
)

const (
	// DefaultWorkerPort is the default worker port.
	DefaultWorkerPort = 37790

	// HealthCheckTimeout is the timeout for health checks.
	HealthCheckTimeout = 1 * time.Second

	// RequestTimeout bounds every other call.
	RequestTimeout = 10 * time.Second
)

// GetWorkerPort returns the worker port from environment or default.
func GetWorkerPort() int {
	if port := os.Getenv("NOTIGATE_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return DefaultWorkerPort
}

// APIError is a non-2xx response from the worker.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker: %d %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the worker.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// Health is the worker health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Breakdown is the local model's explanation of a score.
type Breakdown struct {
	TotalTokens int     `json:"total_tokens"`
	KnownTokens int     `json:"known_tokens"`
	BaseScore   float64 `json:"base_score"`
	FinalScore  float64 `json:"final_score"`
	Rules       []struct {
		Rule  string  `json:"rule"`
		Score float64 `json:"score"`
	} `json:"rules"`
}

// Client talks to one worker.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for baseURL. token may be empty.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: RequestTimeout},
	}
}

// NewLocal creates a client for a worker on the loopback interface.
func NewLocal(port int, token string) *Client {
	return New(fmt.Sprintf("http://127.0.0.1:%d", port), token)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health returns the worker status. It uses a short timeout.
func (c *Client) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &h)
	return h, err
}

// IsRunning reports whether the worker answers health checks.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Health(ctx)
	return err == nil
}

// Post submits a notification and returns the pipeline outcome.
func (c *Client) Post(ctx context.Context, n models.Notification) (models.Outcome, error) {
	var out models.Outcome
	err := c.do(ctx, http.MethodPost, "/api/notifications", n, &out)
	return out, err
}

// Feedback reports a user or tray action on a notification: dismiss, open or close.
func (c *Client) Feedback(ctx context.Context, key, action string) error {
	switch action {
	case "dismiss", "open", "close":
	default:
		return fmt.Errorf("unknown feedback action %q", action)
	}
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(key)+"/"+action, nil, nil)
}

// Suppressed returns the suppressed list, newest first.
func (c *Client) Suppressed(ctx context.Context) ([]models.SuppressedNotification, error) {
	var resp struct {
		Items []models.SuppressedNotification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/suppressed", nil, &resp)
	return resp.Items, err
}

// ClearSuppressed empties the suppressed list without learning.
func (c *Client) ClearSuppressed(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/suppressed", nil, nil)
}

// MarkNeeded teaches the model that the records were wanted and removes them.
func (c *Client) MarkNeeded(ctx context.Context, ids []int64) (int, error) {
	var resp struct {
		Learned int `json:"learned"`
	}
	err := c.do(ctx, http.MethodPost, "/api/suppressed/needed", map[string][]int64{"ids": ids}, &resp)
	return resp.Learned, err
}

// DeleteSuppressed removes records without learning.
func (c *Client) DeleteSuppressed(ctx context.Context, ids []int64) (int, error) {
	var resp struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodPost, "/api/suppressed/delete", map[string][]int64{"ids": ids}, &resp)
	return resp.Deleted, err
}

// Score asks the local model to explain the score of a text.
func (c *Client) Score(ctx context.Context, title, body string) (Breakdown, error) {
	var b Breakdown
	err := c.do(ctx, http.MethodPost, "/api/model/score", map[string]string{"title": title, "body": body}, &b)
	return b, err
}

// Learn applies manual feedback to a text and returns the new score.
func (c *Client) Learn(ctx context.Context, title, body string, positive bool) (float64, error) {
	var resp struct {
		Score float64 `json:"score"`
	}
	req := map[string]interface{}{"title": title, "body": body, "positive": positive}
	err := c.do(ctx, http.MethodPost, "/api/model/learn", req, &resp)
	return resp.Score, err
}

// Stats returns the worker statistics document.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/api/model/stats", nil, &stats)
	return stats, err
}
