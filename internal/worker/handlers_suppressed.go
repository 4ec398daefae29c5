package worker

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// SelectRequest toggles selection of suppressed records.
type SelectRequest struct {
	IDs      []int64 `json:"ids"`
	All      bool    `json:"all"`
	Selected bool    `json:"selected"`
}

// IDsRequest names suppressed records. An empty list means the current selection.
type IDsRequest struct {
	IDs []int64 `json:"ids"`
}

// handleListSuppressed returns the suppressed list, newest first.
func (s *Service) handleListSuppressed(w http.ResponseWriter, r *http.Request) {
	items := s.suppressed.List()
	writeJSON(w, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// handleClearSuppressed removes every record without learning.
func (s *Service) handleClearSuppressed(w http.ResponseWriter, r *http.Request) {
	if err := s.suppressed.Clear(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to clear suppressed list")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "cleared"})
}

// handleSelectSuppressed updates the transient selection.
func (s *Service) handleSelectSuppressed(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.All {
		s.suppressed.SelectAll(req.Selected)
	} else {
		for _, id := range req.IDs {
			s.suppressed.SetSelected(id, req.Selected)
		}
	}
	writeJSON(w, map[string]interface{}{"selected": s.suppressed.Selected()})
}

// handleMarkNeeded teaches the model that records were wanted and removes them.
func (s *Service) handleMarkNeeded(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		n   int
		err error
	)
	if len(req.IDs) == 0 {
		n, err = s.suppressed.MarkSelectedNeeded(r.Context(), s.model)
	} else {
		n, err = s.suppressed.MarkNeeded(r.Context(), req.IDs, s.model)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark suppressed notifications as needed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"learned": n})
}

// handleDeleteSuppressed removes records without learning.
func (s *Service) handleDeleteSuppressed(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		n   int
		err error
	)
	if len(req.IDs) == 0 {
		n, err = s.suppressed.DeleteSelected(r.Context())
	} else {
		n, err = s.suppressed.Remove(r.Context(), req.IDs)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to delete suppressed notifications")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"deleted": n})
}
