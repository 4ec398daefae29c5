// Package maintenance provides scheduled upkeep of the model and the
// suppressed-notification list.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/notigate/internal/config"
)

// Model is the part of the classifier maintenance works on.
type Model interface {
	Evict() int
	RefreshTFIDF() int
	Flush(ctx context.Context) error
}

// Pruner removes suppressed records older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration, now time.Time) (int, error)
}

// PendingReleaser drops kept notifications that never received feedback.
type PendingReleaser interface {
	ReleaseStale(maxAge time.Duration, now time.Time) int
}

// Optimizer compacts the database.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Result summarizes one maintenance run.
type Result struct {
	Evicted       int           `json:"evicted"`
	Refreshed     int           `json:"refreshed"`
	Pruned        int           `json:"pruned"`
	Released      int           `json:"released"`
	Duration      time.Duration `json:"duration"`
	FlushFailed   bool          `json:"flush_failed,omitempty"`
	PruneFailed   bool          `json:"prune_failed,omitempty"`
	OptimizeError string        `json:"optimize_error,omitempty"`
}

// Service handles scheduled maintenance tasks.
type Service struct {
	log          zerolog.Logger
	lastRunTime  time.Time
	model        Model
	suppressed   Pruner
	pending      PendingReleaser
	db           Optimizer
	config       *config.Config
	stopCh       chan struct{}
	doneCh       chan struct{}
	initialDelay time.Duration
	lastResult   Result
	totalEvicted int64
	totalPruned  int64
	runs         int64
	mu           sync.Mutex
	running      bool
	now          func() time.Time
}

// NewService creates a new maintenance service. db may be nil.
func NewService(model Model, suppressed Pruner, db Optimizer, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		model:        model,
		suppressed:   suppressed,
		db:           db,
		config:       cfg,
		log:          log.With().Str("component", "maintenance").Logger(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		initialDelay: 5 * time.Minute,
		now:          time.Now,
	}
}

// WithPending sets the pipeline whose stale pending entries each run releases.
func (s *Service) WithPending(p PendingReleaser) *Service {
	s.pending = p
	return s
}

// Start begins the maintenance loop. It blocks until ctx is done or Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if !s.config.MaintenanceEnabled {
		s.log.Info().Msg("Maintenance disabled, not starting scheduler")
		return
	}

	interval := max(s.config.MaintenanceInterval, time.Minute)

	s.log.Info().
		Dur("interval", interval).
		Int("retention_days", s.config.SuppressedRetentionDays).
		Msg("Starting maintenance scheduler")

	// Let startup traffic settle before the first run.
	select {
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-time.After(s.initialDelay):
	}
	s.runMaintenance(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

// Stop signals the maintenance service to stop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait waits for the maintenance loop to finish.
func (s *Service) Wait() {
	<-s.doneCh
}

// runMaintenance executes all maintenance tasks in order.
func (s *Service) runMaintenance(ctx context.Context) Result {
	start := s.now()
	var res Result

	// Task 1: drop low-signal features when over the limit
	res.Evicted = s.model.Evict()

	// Task 2: refresh TF-IDF of every surviving feature
	res.Refreshed = s.model.RefreshTFIDF()

	// Task 3: prune old suppressed records
	if s.config.SuppressedRetentionDays > 0 && s.suppressed != nil {
		maxAge := time.Duration(s.config.SuppressedRetentionDays) * 24 * time.Hour
		pruned, err := s.suppressed.Prune(ctx, maxAge, start)
		if err != nil {
			res.PruneFailed = true
			s.log.Error().Err(err).Msg("Failed to prune suppressed notifications")
		} else {
			res.Pruned = pruned
		}
	}

	// Task 4: release pending notifications nobody answered
	if s.pending != nil {
		res.Released = s.pending.ReleaseStale(s.config.PendingTTL, start)
	}

	// Task 5: persist the model
	if err := s.model.Flush(ctx); err != nil {
		res.FlushFailed = true
		s.log.Error().Err(err).Msg("Failed to flush model")
	}

	// Task 6: optimize database
	if s.db != nil {
		if err := s.db.Optimize(ctx); err != nil {
			res.OptimizeError = err.Error()
			s.log.Error().Err(err).Msg("Failed to optimize database")
		}
	}

	res.Duration = time.Since(start)

	s.mu.Lock()
	s.lastRunTime = start
	s.lastResult = res
	s.totalEvicted += int64(res.Evicted)
	s.totalPruned += int64(res.Pruned)
	s.runs++
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", res.Duration).
		Int("evicted", res.Evicted).
		Int("refreshed", res.Refreshed).
		Int("pruned", res.Pruned).
		Int("released", res.Released).
		Msg("Maintenance run completed")
	return res
}

// Stats returns maintenance statistics.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"enabled":          s.config.MaintenanceEnabled,
		"interval":         s.config.MaintenanceInterval.String(),
		"retention_days":   s.config.SuppressedRetentionDays,
		"pending_ttl":      s.config.PendingTTL.String(),
		"last_run":         s.lastRunTime,
		"last_duration_ms": s.lastResult.Duration.Milliseconds(),
		"last_result":      s.lastResult,
		"total_evicted":    s.totalEvicted,
		"total_pruned":     s.totalPruned,
		"runs":             s.runs,
		"running":          s.running,
	}
}

// RunNow triggers an immediate maintenance run in the background.
func (s *Service) RunNow(ctx context.Context) {
	go s.runMaintenance(ctx)
}
