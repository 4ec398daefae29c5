package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]string{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func newTestClient(t *testing.T, url string, timeout time.Duration) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:     url,
		APIKey:      "test-key",
		Model:       "test-model",
		Instruction: "rate it",
		Timeout:     timeout,
	}, zerolog.Nop())
}

// =============================================================================
// GOOD SCENARIOS - Expected normal operations
// =============================================================================

func TestScore_SendsTruncatedRedactedPrompt(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("Score: 3")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, time.Second)
	score, err := c.Score(context.Background(), "Hello world from far away", "OTP 123456")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, score, 1e-9)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "rate it", got.Messages[0].Content)
	assert.Equal(t, "Hello worl\nOTP [CODE]", got.Messages[1].Content)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
	}{
		{"bare", "7", 7},
		{"prefixed", "Score: 8.5", 8.5},
		{"whitespace", "  2 ", 2},
		{"above range", "15", 10},
		{"zero", "0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseScore(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, v, 1e-9)
		})
	}
}

// =============================================================================
// BAD SCENARIOS - Failures fall back to keep
// =============================================================================

func TestParseScore_Unparsable(t *testing.T) {
	for _, in := range []string{"", "high", "1.2.3", "."} {
		v, err := ParseScore(in)
		assert.ErrorIs(t, err, ErrUnparsableScore, in)
		assert.Equal(t, KeepScore, v)
	}
}

func TestScore_UnparsableReplyKeeps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("very important")))
	}))
	defer srv.Close()

	score, err := newTestClient(t, srv.URL, time.Second).Score(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrUnparsableScore)
	assert.Equal(t, KeepScore, score)
}

func TestScore_TimeoutKeeps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	score, err := newTestClient(t, srv.URL, 50*time.Millisecond).Score(context.Background(), "a", "b")
	assert.Error(t, err)
	assert.Equal(t, KeepScore, score)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScore_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		score, err := c.Score(context.Background(), "a", "b")
		assert.Error(t, err)
		assert.Equal(t, KeepScore, score)
	}

	score, err := c.Score(context.Background(), "a", "b")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, KeepScore, score)
	assert.Equal(t, int32(5), hits.Load())
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestScore_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	score, err := newTestClient(t, srv.URL, time.Second).Score(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, KeepScore, score)
}

func TestTruncate_CountsRunes(t *testing.T) {
	assert.Equal(t, "验证码是多少呢今天明", truncate("验证码是多少呢今天明天后天", 10))
	assert.Equal(t, "short", truncate("short", 10))
}
