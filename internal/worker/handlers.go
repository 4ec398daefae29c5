package worker

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/notigate/pkg/models"
)

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// decodeJSON reads a request body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// handleHealth returns 200 even during init so clients can connect quickly.
// Use /api/ready for full readiness.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]interface{}{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleVersion returns the worker version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": s.version,
	})
}

// handleReady returns 200 only when fully initialized, 503 otherwise.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 if service isn't ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handlePostNotification runs an arriving notification through the pipeline.
// The outcome is final unless Pending is set, in which case a remote score
// is still outstanding and the result arrives on the event stream.
func (s *Service) handlePostNotification(w http.ResponseWriter, r *http.Request) {
	var n models.Notification
	if err := decodeJSON(r, &n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if n.Key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	if n.PostedAt.IsZero() {
		n.PostedAt = time.Now()
	}

	outcome := s.pipeline.Process(r.Context(), n)

	log.Debug().
		Str("request_id", GetRequestID(r.Context())).
		Str("key", n.Key).
		Str("source", n.PackageName).
		Str("decision", outcome.Decision).
		Float64("score", outcome.Score).
		Msg("Notification processed")

	writeJSON(w, outcome)
}

// handleGetPending returns the in-flight record for a key.
func (s *Service) handleGetPending(w http.ResponseWriter, r *http.Request) {
	outcome, ok := s.pipeline.Pending(chi.URLParam(r, "key"))
	if !ok {
		http.Error(w, "notification not pending", http.StatusNotFound)
		return
	}
	writeJSON(w, outcome)
}

type feedbackKind int

const (
	feedbackDismiss feedbackKind = iota
	feedbackOpen
	feedbackClose
)

// handleFeedback releases a pending record on a user or tray action.
// Dismiss and open also teach the local model.
func (s *Service) handleFeedback(kind feedbackKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")

		var released bool
		switch kind {
		case feedbackDismiss:
			released = s.pipeline.Dismissed(key)
		case feedbackOpen:
			released = s.pipeline.Opened(key)
		default:
			released = s.pipeline.Closed(key)
		}

		if !released {
			http.Error(w, "notification not pending", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]interface{}{"key": key, "released": true})
	}
}

// handleGetConfig returns the effective configuration. Secrets are not serialized.
func (s *Service) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.currentConfig())
}
