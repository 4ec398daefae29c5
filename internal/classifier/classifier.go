// Package classifier owns the learned relevance model: the feature store,
// the scorer, the learner and the persister, behind one lazily loaded facade.
package classifier

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/notigate/internal/features"
	"github.com/thebtf/notigate/internal/learning"
	"github.com/thebtf/notigate/internal/persist"
	"github.com/thebtf/notigate/internal/scoring"
	"github.com/thebtf/notigate/pkg/models"
)

const (
	loadTimeout    = 10 * time.Second
	loadRetryDelay = 30 * time.Second
)

// Config configures a Classifier.
type Config struct {
	MaxFeatures         int
	SaveInterval        time.Duration
	RecalculateInterval time.Duration
	Learning            learning.Config
}

// Stats is a snapshot of the model and its background workers.
type Stats struct {
	Loaded       bool            `json:"loaded"`
	Features     features.Stats  `json:"features"`
	Persistence  persist.Stats   `json:"persistence"`
	Recalculator scoring.Stats   `json:"recalculator"`
	Learning     learning.Config `json:"learning"`
}

// Classifier is the shared model. Every operation loads the saved model on
// first use; Release flushes and unloads it so the next use reloads.
type Classifier struct {
	store     *features.Store
	calc      *scoring.Calculator
	learner   *learning.Learner
	persister *persist.Persister
	recalc    *scoring.Recalculator
	log       zerolog.Logger

	// life is held shared by operations and exclusively by load and release.
	life    sync.RWMutex
	loaded  bool
	retryAt time.Time
}

// New wires a classifier over docs. Nothing is read until first use.
func New(docs persist.DocumentStore, cfg Config, log zerolog.Logger) *Classifier {
	store := features.NewStore(cfg.MaxFeatures)
	calc := scoring.NewCalculator(store)
	persister := persist.NewPersister(store, docs, cfg.SaveInterval, log)
	return &Classifier{
		store:     store,
		calc:      calc,
		persister: persister,
		learner:   learning.NewLearner(store, calc, cfg.Learning, persister, log),
		recalc:    scoring.NewRecalculator(store, cfg.RecalculateInterval, log),
		log:       log.With().Str("component", "classifier").Logger(),
	}
}

// acquire returns with life read-locked and the model loaded.
func (c *Classifier) acquire() {
	for {
		c.life.RLock()
		if !c.needsLoad() {
			return
		}
		c.life.RUnlock()

		c.life.Lock()
		if c.needsLoad() {
			c.loadLocked()
		}
		c.life.Unlock()
	}
}

// needsLoad is true before the first load, and after a failed load once the
// retry delay has passed, as long as nothing has been learned on the cold
// model in the meantime.
func (c *Classifier) needsLoad() bool {
	if !c.loaded {
		return true
	}
	if c.retryAt.IsZero() {
		return false
	}
	if c.store.Dirty() {
		return false
	}
	return time.Now().After(c.retryAt)
}

// loadLocked reads the saved model. A failed read leaves a cold model that
// serves requests until the retry succeeds.
func (c *Classifier) loadLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	c.loaded = true
	if err := c.persister.Load(ctx); err != nil {
		c.retryAt = time.Now().Add(loadRetryDelay)
		c.log.Warn().Err(err).Time("retry_at", c.retryAt).Msg("Model load failed, using cold model")
		return
	}
	c.retryAt = time.Time{}
}

// Start runs the background TF-IDF refresh until ctx is done or Close.
func (c *Classifier) Start(ctx context.Context) {
	go c.recalc.Start(ctx)
}

// Score returns the relevance score of a notification text in [0,10].
func (c *Classifier) Score(title, body string) float64 {
	c.acquire()
	defer c.life.RUnlock()
	return c.calc.ScoreText(title, body)
}

// Breakdown returns the full scoring trace for a notification text.
func (c *Classifier) Breakdown(title, body string) scoring.ScoreComponents {
	c.acquire()
	defer c.life.RUnlock()
	return c.calc.Breakdown(title, body)
}

// Learn applies feedback and returns the updated score.
func (c *Classifier) Learn(title, body string, fb models.Feedback) float64 {
	c.acquire()
	defer c.life.RUnlock()
	return c.learner.Learn(title, body, fb)
}

// SetDegree changes the user-tunable learning rate multiplier.
func (c *Classifier) SetDegree(degree float64) {
	c.learner.SetDegree(degree)
}

// Reset forgets everything learned and schedules a save of the empty model.
func (c *Classifier) Reset() {
	c.acquire()
	defer c.life.RUnlock()
	c.learner.Reset()
}

// Evict drops low-signal features when the store is over its limit.
func (c *Classifier) Evict() int {
	c.acquire()
	defer c.life.RUnlock()
	if !c.store.NeedsEviction() {
		return 0
	}
	n := c.store.Evict()
	if n > 0 {
		c.persister.Schedule()
	}
	return n
}

// RefreshTFIDF recomputes the TF-IDF of every feature.
func (c *Classifier) RefreshTFIDF() int {
	c.acquire()
	defer c.life.RUnlock()
	return c.recalc.RecalculateNow()
}

// Flush writes pending changes synchronously.
func (c *Classifier) Flush(ctx context.Context) error {
	c.life.RLock()
	defer c.life.RUnlock()
	if !c.loaded {
		return nil
	}
	return c.persister.Flush(ctx)
}

// Stats reports model statistics without forcing a load.
func (c *Classifier) Stats() Stats {
	c.life.RLock()
	defer c.life.RUnlock()
	return Stats{
		Loaded:       c.loaded,
		Features:     c.store.Stats(),
		Persistence:  c.persister.GetStats(),
		Recalculator: c.recalc.GetStats(),
		Learning:     c.learner.Config(),
	}
}

// Release flushes the model and drops it from memory. The next operation
// reloads it from storage.
func (c *Classifier) Release(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	if !c.loaded {
		return nil
	}
	c.store.WaitEviction()
	err := c.persister.Close(ctx)
	if err != nil {
		// Keep the unsaved model in memory rather than lose it.
		c.persister.Reopen()
		return err
	}
	c.store.Reset()
	c.store.ClearDirty()
	c.persister.Reopen()
	c.loaded = false
	c.retryAt = time.Time{}
	c.log.Info().Msg("Model released")
	return nil
}

// Close stops background work and releases the model.
func (c *Classifier) Close(ctx context.Context) error {
	c.recalc.Stop()
	return c.Release(ctx)
}
