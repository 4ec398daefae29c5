package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/notigate/internal/features"
)

// ModelKey is the document key of the learned model.
const ModelKey = "model"

// DocumentStore is durable key-value storage for whole documents.
// LoadDocument returns nil data and a nil error when no document exists.
type DocumentStore interface {
	LoadDocument(ctx context.Context, key string) ([]byte, error)
	SaveDocument(ctx context.Context, key string, data []byte) error
}

// Stats reports persister activity.
type Stats struct {
	Saves       int64     `json:"saves"`
	Failures    int64     `json:"failures"`
	LastSave    time.Time `json:"last_save"`
	LastError   string    `json:"last_error,omitempty"`
	PendingSave bool      `json:"pending_save"`
}

// Persister writes the feature store to a DocumentStore, coalescing
// Schedule calls into at most one write per interval. Writes happen on a
// timer goroutine; callers never block on them.
type Persister struct {
	store    *features.Store
	docs     DocumentStore
	key      string
	interval time.Duration
	log      zerolog.Logger

	saveMu sync.Mutex // serializes writes

	mu          sync.Mutex
	timer       *time.Timer
	lastAttempt time.Time
	closed      bool
	stats       Stats
}

// NewPersister creates a persister. interval <= 0 selects five seconds.
func NewPersister(store *features.Store, docs DocumentStore, interval time.Duration, log zerolog.Logger) *Persister {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Persister{
		store:    store,
		docs:     docs,
		key:      ModelKey,
		interval: interval,
		log:      log.With().Str("component", "persister").Logger(),
	}
}

// Load restores the store from the document store. A missing document is a
// cold start. On read or decode failure the store is reset to defaults and
// the error is returned for logging; it is not fatal.
func (p *Persister) Load(ctx context.Context) error {
	data, err := p.docs.LoadDocument(ctx, p.key)
	if err != nil {
		p.store.Reset()
		p.store.ClearDirty()
		return fmt.Errorf("load model: %w", err)
	}
	if data == nil {
		p.log.Info().Msg("No saved model, starting cold")
		return nil
	}

	snap, skipped, err := Decode(data)
	if err != nil {
		p.store.Reset()
		p.store.ClearDirty()
		return err
	}
	if len(skipped) > 0 {
		p.log.Warn().Strs("sections", skipped).Msg("Skipped malformed model sections")
	}
	p.store.Restore(snap)

	p.log.Info().
		Int("features", len(snap.Records)).
		Int64("documents", snap.TotalDocuments).
		Msg("Model loaded")
	return nil
}

// Save writes the store if it is dirty. On failure the store stays dirty.
func (p *Persister) Save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	if !p.store.Dirty() {
		return nil
	}
	// Cleared before the snapshot so writes racing with the save re-dirty the store.
	p.store.ClearDirty()
	data, err := Encode(p.store.Snapshot())
	if err == nil {
		err = p.docs.SaveDocument(ctx, p.key, data)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.store.MarkDirty()
		p.stats.Failures++
		p.stats.LastError = err.Error()
		return fmt.Errorf("save model: %w", err)
	}
	p.stats.Saves++
	p.stats.LastSave = time.Now()
	p.stats.LastError = ""
	return nil
}

// Schedule requests a save. It returns immediately; the write happens no
// sooner than interval after the previous attempt.
func (p *Persister) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.timer != nil {
		return
	}
	wait := p.interval - time.Since(p.lastAttempt)
	if wait < 0 {
		wait = 0
	}
	p.timer = time.AfterFunc(wait, p.fire)
}

func (p *Persister) fire() {
	p.mu.Lock()
	p.timer = nil
	p.lastAttempt = time.Now()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Save(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Model save failed, retrying next cycle")
		p.Schedule()
	}
}

// Flush cancels any pending timer and saves synchronously.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.lastAttempt = time.Now()
	p.mu.Unlock()
	return p.Save(ctx)
}

// Close flushes and stops accepting Schedule calls.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.Flush(ctx)
}

// Reopen allows Schedule again after Close.
func (p *Persister) Reopen() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

// GetStats returns persister statistics.
func (p *Persister) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.PendingSave = p.timer != nil
	return s
}
