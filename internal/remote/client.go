// Package remote scores notifications with an OpenAI-compatible chat
// completion endpoint.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/notigate/internal/privacy"
	"github.com/thebtf/notigate/pkg/models"
)

const (
	// KeepScore is used whenever the remote score cannot be obtained.
	KeepScore = models.MaxScore

	// DefaultTimeout bounds a single scoring round trip.
	DefaultTimeout = 5 * time.Second

	maxTitleRunes = 10
	maxBodyRunes  = 20
)

var (
	// ErrEmptyResponse is returned when the endpoint answers without choices.
	ErrEmptyResponse = errors.New("remote: empty response")
	// ErrUnparsableScore is returned when no number can be read from the reply.
	ErrUnparsableScore = errors.New("remote: unparsable score")
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Instruction string
	Timeout     time.Duration
}

// Client is the remote scorer. It is safe for concurrent use.
type Client struct {
	api         *openai.Client
	cb          *gobreaker.CircuitBreaker
	group       singleflight.Group
	model       string
	instruction string
	timeout     time.Duration
	failures    metric.Int64Counter
	log         zerolog.Logger
}

// NewClient builds a Client with a tuned HTTP transport and circuit breaker.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := log.With().Str("component", "remote").Logger()

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	apiCfg.HTTPClient = newHTTPClient(cfg.Timeout)

	failures, err := otel.Meter("github.com/thebtf/notigate/internal/remote").Int64Counter(
		"notigate.remote.failures",
		metric.WithDescription("Remote scoring calls that fell back to keep"),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create remote failure counter")
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		cb:          gobreaker.NewCircuitBreaker(breakerSettings(logger)),
		model:       cfg.Model,
		instruction: cfg.Instruction,
		timeout:     cfg.Timeout,
		failures:    failures,
		log:         logger,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func breakerSettings(log zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "remote-scorer",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}
}

// Score asks the endpoint how important the notification is. Identical
// concurrent requests share one round trip. Callers should treat any error
// as KeepScore.
func (c *Client) Score(ctx context.Context, title, body string) (float64, error) {
	title, body = privacy.RedactNotification(title, body)
	prompt := truncate(title, maxTitleRunes) + "\n" + truncate(body, maxBodyRunes)

	v, err, _ := c.group.Do(prompt, func() (interface{}, error) {
		return c.cb.Execute(func() (interface{}, error) {
			return c.complete(ctx, prompt)
		})
	})
	if err != nil {
		c.recordFailure(ctx, err)
		return KeepScore, err
	}

	score, err := ParseScore(v.(string))
	if err != nil {
		c.recordFailure(ctx, err)
		return KeepScore, err
	}
	return score, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.instruction},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) recordFailure(ctx context.Context, err error) {
	reason := "transport"
	switch {
	case errors.Is(err, ErrUnparsableScore):
		reason = "parse"
	case errors.Is(err, ErrEmptyResponse):
		reason = "empty"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		reason = "breaker"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	}
	if c.failures != nil {
		c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	c.log.Warn().Err(err).Str("reason", reason).Msg("Remote scoring failed, keeping notification")
}

// ParseScore extracts a score from free-form text: everything except digits
// and dots is dropped, the rest parsed as a float and clamped to [0,10].
func ParseScore(text string) (float64, error) {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return KeepScore, fmt.Errorf("%w: %q", ErrUnparsableScore, text)
	}
	return models.ClampScore(v), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
