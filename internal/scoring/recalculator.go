package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/notigate/internal/features"
)

// Recalculator periodically refreshes the cached TF-IDF of every token.
// Learning only refreshes the tokens it touched, so IDF of other tokens
// drifts as the corpus grows until the next full pass.
type Recalculator struct {
	log      zerolog.Logger
	store    *features.Store
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration
	mu       sync.Mutex
	running  bool
	runs     int
	updated  int
	lastRun  time.Time
}

// NewRecalculator creates a new background recalculator.
func NewRecalculator(store *features.Store, interval time.Duration, log zerolog.Logger) *Recalculator {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Recalculator{
		store:    store,
		log:      log.With().Str("component", "tfidf-recalculator").Logger(),
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background recalculation loop.
// This should be called in a goroutine.
func (r *Recalculator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	interval := r.interval
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(r.doneCh)
	}()

	r.recalculate()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("recalculator shutting down due to context cancellation")
			return
		case <-r.stopCh:
			r.log.Info().Msg("recalculator stopping")
			return
		case <-ticker.C:
			r.recalculate()
		}
	}
}

// Stop stops the background recalculation loop.
func (r *Recalculator) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Recalculator) recalculate() int {
	start := time.Now()
	n := r.store.RecomputeTFIDF()

	r.mu.Lock()
	r.runs++
	r.updated = n
	r.lastRun = start
	r.mu.Unlock()

	if n > 0 {
		r.log.Debug().
			Int("count", n).
			Dur("elapsed", time.Since(start)).
			Msg("recalculated tf-idf")
	}
	return n
}

// RecalculateNow triggers an immediate recalculation and returns the number of tokens refreshed.
func (r *Recalculator) RecalculateNow() int {
	return r.recalculate()
}

// Stats returns statistics about the recalculator.
type Stats struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	Runs     int           `json:"runs"`
	Updated  int           `json:"last_updated"`
	LastRun  time.Time     `json:"last_run"`
}

// GetStats returns current recalculator statistics.
func (r *Recalculator) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Running:  r.running,
		Interval: r.interval,
		Runs:     r.runs,
		Updated:  r.updated,
		LastRun:  r.lastRun,
	}
}
