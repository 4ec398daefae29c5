package worker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/notigate/pkg/models"
)

// TextRequest is a notification text to score or learn from.
type TextRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	// Positive selects the feedback direction for learn requests.
	Positive bool `json:"positive"`
}

func (t TextRequest) empty() bool {
	return strings.TrimSpace(t.Title) == "" && strings.TrimSpace(t.Body) == ""
}

// handleScore returns the local model's score breakdown for a text.
func (s *Service) handleScore(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.empty() {
		http.Error(w, "title or body is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.model.Breakdown(req.Title, req.Body))
}

// handleLearn applies manual feedback to a text and returns the new score.
func (s *Service) handleLearn(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.empty() {
		http.Error(w, "title or body is required", http.StatusBadRequest)
		return
	}

	fb := models.FeedbackNotNeeded
	if req.Positive {
		fb = models.FeedbackNeeded
	}
	score := s.model.Learn(req.Title, req.Body, fb)
	writeJSON(w, map[string]interface{}{
		"feedback": fb.String(),
		"score":    score,
	})
}

// handleStats reports the model, the pipeline and the service plumbing.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"model":       s.model.Stats(),
		"pending":     s.pipeline.PendingCount(),
		"suppressed":  s.suppressed.Len(),
		"maintenance": s.maintenance.Stats(),
		"sse_clients": s.broadcaster.ClientCount(),
		"sse_sent":    s.broadcaster.Sent(),
		"rate_limit":  s.limiter.Stats(),
	})
}

// handleFlush writes the model if it has unsaved changes.
func (s *Service) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.model.Flush(r.Context()); err != nil {
		log.Error().Err(err).Msg("Model flush failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "flushed"})
}

// handleReset forgets everything the model learned. Rate limited.
func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.resetLimiter.Allow() {
		remaining := s.resetLimiter.Remaining()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(remaining.Seconds())+1))
		http.Error(w, "model reset on cooldown", http.StatusTooManyRequests)
		return
	}
	s.model.Reset()
	log.Warn().Str("request_id", GetRequestID(r.Context())).Msg("Model reset")
	writeJSON(w, map[string]string{"status": "reset"})
}

// handleRunMaintenance starts a maintenance run in the background.
func (s *Service) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	s.maintenance.RunNow(s.gctx)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"started"}` + "\n"))
}
