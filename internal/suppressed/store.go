// Package suppressed keeps the list of notifications the pipeline hid,
// newest first, with transient selection for batch review actions.
package suppressed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/notigate/pkg/models"
)

// DefaultMax is the default list capacity.
const DefaultMax = 500

// Backend is durable storage for suppressed records.
type Backend interface {
	Upsert(ctx context.Context, n *models.SuppressedNotification) (int64, error)
	List(ctx context.Context, limit int) ([]*models.SuppressedNotification, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error)
	TrimTo(ctx context.Context, max int) (int64, error)
}

// Learner receives feedback when the user marks records as needed.
type Learner interface {
	Learn(title, body string, fb models.Feedback) float64
}

// Store is the suppressed-notification list. The in-memory list is
// authoritative for reads; every mutation is written through to the backend.
type Store struct {
	mu      sync.Mutex
	backend Backend
	items   []*models.SuppressedNotification
	max     int
	nextID  int64
	log     zerolog.Logger
}

// New loads the list from backend. backend may be nil for a memory-only list.
func New(ctx context.Context, backend Backend, max int, log zerolog.Logger) (*Store, error) {
	if max <= 0 {
		max = DefaultMax
	}
	s := &Store{
		backend: backend,
		max:     max,
		log:     log.With().Str("component", "suppressed").Logger(),
	}
	if backend == nil {
		return s, nil
	}

	items, err := backend.List(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("load suppressed: %w", err)
	}
	s.items = items
	for _, it := range items {
		if it.ID > s.nextID {
			s.nextID = it.ID
		}
	}
	return s, nil
}

// Add records a suppressed notification at the top of the list. A record
// with the same key is replaced.
func (s *Store) Add(ctx context.Context, n models.SuppressedNotification) (models.SuppressedNotification, error) {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	n.Selected = false

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		id, err := s.backend.Upsert(ctx, &n)
		if err != nil {
			return n, err
		}
		n.ID = id
	} else {
		s.nextID++
		n.ID = s.nextID
	}

	for i, it := range s.items {
		if it.Key == n.Key {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	rec := n
	s.items = append([]*models.SuppressedNotification{&rec}, s.items...)

	if len(s.items) > s.max {
		s.items = s.items[:s.max]
		if s.backend != nil {
			if _, err := s.backend.TrimTo(ctx, s.max); err != nil {
				s.log.Warn().Err(err).Msg("Failed to trim suppressed list")
			}
		}
	}
	return n, nil
}

// List returns copies of all records, newest first.
func (s *Store) List() []models.SuppressedNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SuppressedNotification, len(s.items))
	for i, it := range s.items {
		out[i] = *it
	}
	return out
}

// Get returns a copy of the record with id.
func (s *Store) Get(id int64) (models.SuppressedNotification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.find(id); it != nil {
		return *it, true
	}
	return models.SuppressedNotification{}, false
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) find(id int64) *models.SuppressedNotification {
	for _, it := range s.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// SetSelected toggles the selection flag of one record.
func (s *Store) SetSelected(id int64, selected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.find(id)
	if it == nil {
		return false
	}
	it.Selected = selected
	return true
}

// SelectAll sets the selection flag of every record.
func (s *Store) SelectAll(selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		it.Selected = selected
	}
}

// Selected returns the ids of selected records, newest first.
func (s *Store) Selected() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, it := range s.items {
		if it.Selected {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// Remove deletes records by id and returns the number removed.
func (s *Store) Remove(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, ids)
}

func (s *Store) removeLocked(ctx context.Context, ids []int64) (int, error) {
	if s.backend != nil {
		if _, err := s.backend.DeleteByIDs(ctx, ids); err != nil {
			return 0, err
		}
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.items[:0]
	removed := 0
	for _, it := range s.items {
		if drop[it.ID] {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	return removed, nil
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		if _, err := s.backend.DeleteAll(ctx); err != nil {
			return err
		}
	}
	s.items = nil
	return nil
}

// MarkNeeded teaches the model that each record was wanted, then removes them.
// Unknown ids are ignored. Returns the number of records learned from.
func (s *Store) MarkNeeded(ctx context.Context, ids []int64, learner Learner) (int, error) {
	s.mu.Lock()
	var recs []models.SuppressedNotification
	for _, id := range ids {
		if it := s.find(id); it != nil {
			recs = append(recs, *it)
		}
	}
	s.mu.Unlock()

	if len(recs) == 0 {
		return 0, nil
	}
	for _, r := range recs {
		learner.Learn(r.Title, r.Content, models.FeedbackNeeded)
	}

	found := make([]int64, len(recs))
	for i, r := range recs {
		found[i] = r.ID
	}
	if _, err := s.Remove(ctx, found); err != nil {
		return len(recs), err
	}
	s.log.Info().Int("count", len(recs)).Msg("Marked suppressed notifications as needed")
	return len(recs), nil
}

// MarkSelectedNeeded is MarkNeeded over the current selection.
func (s *Store) MarkSelectedNeeded(ctx context.Context, learner Learner) (int, error) {
	return s.MarkNeeded(ctx, s.Selected(), learner)
}

// DeleteSelected removes the selected records without learning.
func (s *Store) DeleteSelected(ctx context.Context) (int, error) {
	return s.Remove(ctx, s.Selected())
}

// Prune removes records older than maxAge.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		if _, err := s.backend.DeleteOlderThan(ctx, cutoff); err != nil {
			return 0, err
		}
	}
	kept := s.items[:0]
	removed := 0
	for _, it := range s.items {
		if it.Timestamp < cutoff {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	return removed, nil
}
