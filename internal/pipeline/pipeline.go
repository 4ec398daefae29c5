// Package pipeline decides, per notification, whether it is shown or
// suppressed and drives the presentation and behavior side effects.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/notigate/internal/config"
	"github.com/thebtf/notigate/pkg/models"
)

// Presenter shows notifications in the overlay.
type Presenter interface {
	Present(n models.Notification)
	Retract(key string)
	UpdateInPlace(n models.Notification)
}

// Tray is the platform notification tray.
type Tray interface {
	Cancel(key string)
}

// Behaviors are the attention effects of a kept notification.
type Behaviors interface {
	Vibrate(key string, intensity int)
	PlaySound(key string)
	AutoExpand(key string)
}

// Model is the local scorer and the target of feedback learning.
type Model interface {
	Score(title, body string) float64
	Learn(title, body string, fb models.Feedback) float64
}

// RemoteScorer scores over the network. Any error means keep.
type RemoteScorer interface {
	Score(ctx context.Context, title, body string) (float64, error)
}

// SuppressedSink receives notifications the pipeline hid.
type SuppressedSink interface {
	Add(ctx context.Context, n models.SuppressedNotification) (models.SuppressedNotification, error)
}

// SourceConfigProvider resolves per-source settings.
type SourceConfigProvider interface {
	Lookup(source string) config.SourceConfig
}

// Options are the process-wide settings the pipeline reads per notification.
type Options struct {
	Mode               config.PresentationMode
	FilterEnabled      bool
	Engine             config.FilterEngine
	Strategy           config.RemoteStrategy
	Threshold          float64
	VibrationEnabled   bool
	VibrationIntensity int
	SoundEnabled       bool
	AutoExpandEnabled  bool
}

// OptionsFrom extracts pipeline options from the service configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Mode:               cfg.PresentationMode,
		FilterEnabled:      cfg.FilterEnabled,
		Engine:             cfg.FilterEngine,
		Strategy:           cfg.RemoteStrategy,
		Threshold:          cfg.FilterThreshold,
		VibrationEnabled:   cfg.VibrationEnabled,
		VibrationIntensity: cfg.VibrationIntensity,
		SoundEnabled:       cfg.SoundEnabled,
		AutoExpandEnabled:  cfg.AutoExpandEnabled,
	}
}

// Deps are the collaborators of a Pipeline. Remote may be nil when only the
// local engine is used; a nil remote scorer behaves like a failing one.
type Deps struct {
	Presenter  Presenter
	Tray       Tray
	Behaviors  Behaviors
	Model      Model
	Remote     RemoteScorer
	Suppressed SuppressedSink
	Sources    SourceConfigProvider
}

// DefaultMaxPending bounds the pending map. Kept notifications whose
// feedback never arrives are released oldest first beyond it.
const DefaultMaxPending = 1000

// Pipeline runs notifications through pre-checks, mode dispatch, filtering
// and dispatch. Decisions are applied under a single lock; remote scoring
// runs on background goroutines and resumes under the same lock.
type Pipeline struct {
	deps Deps
	log  zerolog.Logger

	mu         sync.Mutex
	opts       Options
	pending    map[string]*Context
	maxPending int
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed  metric.Int64Counter
	suppressed metric.Int64Counter
}

// New creates a pipeline.
func New(deps Deps, opts Options, log zerolog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.With().Str("component", "pipeline").Logger()

	meter := otel.Meter("github.com/thebtf/notigate/internal/pipeline")
	processed, err := meter.Int64Counter("notigate.notifications.processed",
		metric.WithDescription("Notifications that reached a decision"))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create processed counter")
	}
	suppressed, err := meter.Int64Counter("notigate.notifications.suppressed",
		metric.WithDescription("Notifications hidden by the filter"))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create suppressed counter")
	}

	return &Pipeline{
		deps:       deps,
		log:        logger,
		opts:       opts,
		pending:    make(map[string]*Context),
		maxPending: DefaultMaxPending,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		processed:  processed,
		suppressed: suppressed,
	}
}

// SetOptions replaces the process-wide options for future notifications.
func (p *Pipeline) SetOptions(opts Options) {
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

// Options returns the current options.
func (p *Pipeline) Options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Process runs one notification. Remote strategies return a deferred
// outcome; the decision is applied when the scorer answers.
func (p *Pipeline) Process(ctx context.Context, n models.Notification) models.Outcome {
	c := newContext(n)

	if n.IsEmpty() {
		c.terminate(models.DecisionDropped, "empty")
		p.count(ctx, c)
		return c.Outcome(false)
	}

	c.Source = p.deps.Sources.Lookup(n.PackageName)
	c.State = StatePreChecked
	if !c.Source.Enabled {
		c.terminate(models.DecisionDropped, "source disabled")
		p.count(ctx, c)
		return c.Outcome(false)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	opts := p.opts

	if prev, ok := p.pending[n.Key]; ok {
		return p.updateDuplicate(ctx, prev, c, opts)
	}

	c.opts = opts
	c.arrived = p.now()
	p.admit(c)

	if opts.Mode == config.ModeOverlay && n.IsMedia {
		c.State = StateModeDispatched
		p.present(c, opts)
		p.behave(c, opts)
		c.State = StateDispatched
		c.decision = models.DecisionKeep
		c.Reason = "media"
		p.count(ctx, c)
		return c.Outcome(true)
	}

	c.State = StateModeDispatched
	if opts.Mode == config.ModeOverlay {
		p.deps.Tray.Cancel(n.Key)
	}

	c.strategy = resolveStrategy(c.Source, opts)
	switch c.strategy {
	case strategyNone:
		p.keep(ctx, c, opts, "filter off")
		return c.Outcome(true)

	case strategyLocal:
		c.State = StateFiltering
		score := models.DefaultScore
		if p.deps.Model != nil {
			score = p.deps.Model.Score(n.Title, n.Body)
		}
		p.decide(ctx, c, opts, score)
		return c.Outcome(c.State != StateTerminal)

	case strategyShowFirst:
		p.present(c, opts)
		p.behave(c, opts)
	}

	c.State = StateFiltering
	c.decision = models.DecisionDeferred
	p.scoreRemote(c)
	return c.Outcome(true)
}

func resolveStrategy(src config.SourceConfig, opts Options) strategy {
	if !opts.FilterEnabled || !src.ModelFilter {
		return strategyNone
	}
	if opts.Engine != config.EngineRemote {
		return strategyLocal
	}
	if opts.Strategy == config.StrategyShowFirst {
		return strategyShowFirst
	}
	return strategyCheckFirst
}

// updateDuplicate refreshes a pending record with new content. It never
// re-enters filtering or runs behaviors.
func (p *Pipeline) updateDuplicate(ctx context.Context, prev, c *Context, opts Options) models.Outcome {
	prev.Notification = c.Notification
	prev.Source = c.Source

	if prev.presented && opts.Mode != config.ModeTray {
		p.deps.Presenter.UpdateInPlace(prev.Notification)
	}
	if opts.Mode == config.ModeOverlay {
		p.deps.Tray.Cancel(prev.Notification.Key)
	}

	out := prev.Outcome(true)
	out.Decision = models.DecisionUpdated
	out.Reason = "duplicate"
	c.terminate(models.DecisionUpdated, "duplicate")
	p.count(ctx, c)
	return out
}

// scoreRemote asks the remote scorer on a background goroutine and applies
// the decision under the pipeline lock. Called with p.mu held.
func (p *Pipeline) scoreRemote(c *Context) {
	key, title, body := c.Notification.Key, c.Notification.Title, c.Notification.Body
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		score := models.MaxScore
		if p.deps.Remote != nil {
			s, err := p.deps.Remote.Score(p.ctx, title, body)
			if err != nil {
				p.log.Debug().Err(err).Str("key", key).Msg("Remote score unavailable, keeping")
			} else {
				score = s
			}
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.pending[key] != c {
			// Released while the scorer was running.
			c.terminate(models.DecisionDropped, "released")
			return
		}
		p.decide(p.ctx, c, c.opts, score)
	}()
}

// decide applies a score. Called with p.mu held.
func (p *Pipeline) decide(ctx context.Context, c *Context, opts Options, score float64) {
	c.Score = models.ClampScore(score)
	c.Scored = true
	c.State = StateScored

	if c.Score < opts.Threshold {
		p.suppress(ctx, c, opts)
		return
	}
	p.keep(ctx, c, opts, "above threshold")
}

// keep dispatches a notification that stays visible. Show-first
// notifications were already presented on arrival.
func (p *Pipeline) keep(ctx context.Context, c *Context, opts Options, reason string) {
	if c.strategy != strategyShowFirst {
		p.present(c, opts)
		p.behave(c, opts)
	}
	c.State = StateDispatched
	c.decision = models.DecisionKeep
	c.Reason = reason
	p.count(ctx, c)
}

// suppress hides a notification and records it for review.
func (p *Pipeline) suppress(ctx context.Context, c *Context, opts Options) {
	key := c.Notification.Key
	if c.presented {
		p.deps.Presenter.Retract(key)
	}
	if opts.Mode != config.ModeOverlay {
		p.deps.Tray.Cancel(key)
	}
	c.Filtered = true
	delete(p.pending, key)

	if p.deps.Suppressed != nil {
		_, err := p.deps.Suppressed.Add(ctx, models.SuppressedNotification{
			Key:         key,
			PackageName: c.Notification.PackageName,
			Title:       c.Notification.Title,
			Content:     c.Notification.Body,
			Score:       c.Score,
		})
		if err != nil {
			p.log.Error().Err(err).Str("key", key).Msg("Failed to record suppressed notification")
		}
	}
	if p.suppressed != nil {
		p.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", c.strategy.String())))
	}

	c.terminate(models.DecisionSuppress, "below threshold")
	p.count(ctx, c)
	p.log.Debug().Str("key", key).Float64("score", c.Score).Msg("Suppressed notification")
}

// present shows the notification in the overlay when the mode has one.
func (p *Pipeline) present(c *Context, opts Options) {
	if opts.Mode == config.ModeTray {
		return
	}
	p.deps.Presenter.Present(c.Notification)
	c.presented = true
}

// behave runs the attention effects allowed by both the source and the
// process-wide switches.
func (p *Pipeline) behave(c *Context, opts Options) {
	key := c.Notification.Key
	if c.Source.Vibration && opts.VibrationEnabled {
		p.deps.Behaviors.Vibrate(key, opts.VibrationIntensity)
	}
	if c.Source.Sound && opts.SoundEnabled {
		p.deps.Behaviors.PlaySound(key)
	}
	if c.Source.AutoExpand && opts.AutoExpandEnabled {
		p.deps.Behaviors.AutoExpand(key)
	}
}

func (p *Pipeline) count(ctx context.Context, c *Context) {
	if p.processed == nil {
		return
	}
	p.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", c.decision),
		attribute.String("strategy", c.strategy.String()),
	))
}

// Dismissed handles a swipe-away: automatic negative feedback, then release.
func (p *Pipeline) Dismissed(key string) bool {
	return p.release(key, models.FeedbackDismissed, true)
}

// Opened handles a tap: automatic positive feedback, then release.
func (p *Pipeline) Opened(key string) bool {
	return p.release(key, models.FeedbackOpened, true)
}

// Closed releases a pending notification without learning.
func (p *Pipeline) Closed(key string) bool {
	return p.release(key, models.Feedback{}, false)
}

// release drops a pending notification. Feedback is learned only by the
// local engine; remote scoring has no model to teach.
func (p *Pipeline) release(key string, fb models.Feedback, learn bool) bool {
	p.mu.Lock()
	c, ok := p.pending[key]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.pending, key)
	c.State = StateTerminal
	n := c.Notification
	learn = learn && p.opts.Engine == config.EngineLocal && p.deps.Model != nil
	p.mu.Unlock()

	if learn {
		p.deps.Model.Learn(n.Title, n.Body, fb)
	}
	return true
}

// admit adds c to the pending map, first releasing the oldest kept
// notification when the map is full. Entries still awaiting a score are
// never released here. Called with p.mu held.
func (p *Pipeline) admit(c *Context) {
	if p.maxPending > 0 && len(p.pending) >= p.maxPending {
		var oldest *Context
		for _, pc := range p.pending {
			if pc.State != StateDispatched {
				continue
			}
			if oldest == nil || pc.arrived.Before(oldest.arrived) {
				oldest = pc
			}
		}
		if oldest != nil {
			delete(p.pending, oldest.Notification.Key)
			oldest.State = StateTerminal
			p.log.Debug().Str("key", oldest.Notification.Key).Msg("Pending limit reached, released oldest")
		}
	}
	p.pending[c.Notification.Key] = c
}

// ReleaseStale releases kept notifications that arrived before now-maxAge
// without learning, as if closed. Returns the number released.
func (p *Pipeline) ReleaseStale(maxAge time.Duration, now time.Time) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()
	released := 0
	for key, c := range p.pending {
		if c.State == StateDispatched && c.arrived.Before(cutoff) {
			delete(p.pending, key)
			c.State = StateTerminal
			released++
		}
	}
	return released
}

// Pending returns the outcome of a pending notification.
func (p *Pipeline) Pending(key string) (models.Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.pending[key]
	if !ok {
		return models.Outcome{}, false
	}
	return c.Outcome(true), true
}

// PendingCount returns the number of notifications awaiting a decision or feedback.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Wait blocks until every in-flight remote decision has been applied.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels in-flight remote calls and waits for them to settle.
// Cancelled calls fall back to keep.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}
