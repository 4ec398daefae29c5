// Package learning applies feedback to the feature store with online weight updates.
package learning

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/notigate/internal/features"
	"github.com/thebtf/notigate/internal/scoring"
	"github.com/thebtf/notigate/internal/tokenize"
	"github.com/thebtf/notigate/pkg/models"
)

const (
	halfLifeDays      = 30.0
	decayGraceDays    = 1.0
	shrinkFactor      = 0.99
	positiveAsymmetry = 1.2
	negativeAsymmetry = 0.8
	manualMultiplier  = 2.0
	maturityEvents    = 2000.0
)

// Scheduler receives a request to persist the store soon.
type Scheduler interface {
	Schedule()
}

// Config holds learning parameters.
type Config struct {
	// LearningRate is the base rate before adaptive factors.
	LearningRate float64
	// Degree scales the base rate; user-tunable.
	Degree float64
}

// DefaultConfig returns the default learning parameters.
func DefaultConfig() Config {
	return Config{LearningRate: 0.15, Degree: 1.0}
}

// Learner updates token weights from feedback.
// Learn calls are serialized; scoring may run concurrently.
type Learner struct {
	mu        sync.Mutex
	store     *features.Store
	calc      *scoring.Calculator
	scheduler Scheduler
	log       zerolog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	now func() time.Time
}

// NewLearner creates a learner. scheduler may be nil.
func NewLearner(store *features.Store, calc *scoring.Calculator, cfg Config, scheduler Scheduler, log zerolog.Logger) *Learner {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultConfig().LearningRate
	}
	if cfg.Degree <= 0 {
		cfg.Degree = DefaultConfig().Degree
	}
	return &Learner{
		store:     store,
		calc:      calc,
		scheduler: scheduler,
		cfg:       cfg,
		log:       log.With().Str("component", "learner").Logger(),
		now:       time.Now,
	}
}

// SetDegree changes the user-tunable rate multiplier.
func (l *Learner) SetDegree(degree float64) {
	if degree <= 0 {
		return
	}
	l.cfgMu.Lock()
	l.cfg.Degree = degree
	l.cfgMu.Unlock()
}

// Config returns the current learning parameters.
func (l *Learner) Config() Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

// Learn applies one feedback event to title and body and returns the new score.
func (l *Learner) Learn(title, body string, fb models.Feedback) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	tokens := tokenize.Tokenize(title + " " + body)
	titleTokens := tokenize.Tokenize(title)
	included := tokenize.Filter(tokens)

	current := l.calc.Score(tokens, titleTokens)
	if len(included) == 0 {
		return current
	}

	errSignal := fb.Target() - current
	rate := l.rate(errSignal, fb.Manual, l.store.LearnEvents())
	asym := negativeAsymmetry
	if fb.Positive {
		asym = positiveAsymmetry
	}
	now := l.now()

	prev := make(map[string]features.Record, len(included))
	for _, token := range included {
		if r, ok := l.store.Get(token); ok {
			prev[token] = r
		}
	}

	for _, token := range included {
		l.store.Update(token, func(r features.Record, exists bool) features.Record {
			old := r.Weight
			if !exists {
				// A new token joins the average, so it starts no worse than the
				// score the feedback is moving away from.
				old = InitialWeight(token)
				if fb.Positive {
					old = math.Max(old, current)
				} else {
					old = math.Min(old, current)
				}
			}
			decayed := features.DefaultWeight + (old-features.DefaultWeight)*TimeDecay(r.LastUpdate, now)
			shrunk := features.DefaultWeight + (decayed-features.DefaultWeight)*shrinkFactor
			next := shrunk + rate*errSignal*Stability(r.Count)*asym

			// Feedback never moves a weight against its own direction.
			if fb.Positive {
				next = math.Max(next, decayed)
			} else {
				next = math.Min(next, decayed)
			}

			r.Weight = features.ClampWeight(next)
			r.Count++
			r.LastUpdate = now
			return r
		})
	}

	l.store.AddDocument(included)
	l.store.IncLearnEvents()
	l.store.RecomputeTFIDF(included...)

	score := l.calc.Score(tokens, titleTokens)
	if (fb.Positive && score < current) || (!fb.Positive && score > current) {
		// The rules are not monotonic in single weights; keep the text where it was.
		l.revert(included, prev)
		l.log.Debug().
			Str("feedback", fb.String()).
			Float64("before", current).
			Float64("rejected", score).
			Msg("update moved score against feedback, reverted")
		score = l.calc.Score(tokens, titleTokens)
	}

	l.store.MarkDirty()
	if l.scheduler != nil {
		l.scheduler.Schedule()
	}
	l.store.EvictAsync()

	l.log.Debug().
		Str("feedback", fb.String()).
		Int("tokens", len(included)).
		Float64("before", current).
		Float64("after", score).
		Float64("rate", rate).
		Msg("learned")
	return score
}

// revert restores the records of tokens as they were before an update.
func (l *Learner) revert(tokens []string, prev map[string]features.Record) {
	for _, token := range tokens {
		if r, ok := prev[token]; ok {
			l.store.Put(token, r)
		} else {
			l.store.Delete(token)
		}
	}
}

// Reset forgets everything learned. It waits for any in-flight Learn.
func (l *Learner) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.Reset()
	if l.scheduler != nil {
		l.scheduler.Schedule()
	}
	l.log.Info().Msg("model reset")
}

// rate is the adaptive learning rate:
//
//	base × degree × min(2, 1+|err|/10) × max(0.3, 1/(1+events/2000)) × (2 if manual)
func (l *Learner) rate(errSignal float64, manual bool, events int64) float64 {
	cfg := l.Config()
	r := cfg.LearningRate * cfg.Degree
	r *= math.Min(2, 1+math.Abs(errSignal)/10)
	r *= math.Max(0.3, 1/(1+float64(events)/maturityEvents))
	if manual {
		r *= manualMultiplier
	}
	return r
}

// TimeDecay returns the fraction of a weight's deviation retained after the
// time since last. Within one day nothing decays; after that it halves every 30 days.
func TimeDecay(last, now time.Time) float64 {
	if last.IsZero() {
		return 1
	}
	days := now.Sub(last).Hours() / 24
	if days <= decayGraceDays {
		return 1
	}
	return math.Pow(0.5, days/halfLifeDays)
}

// Stability shrinks updates for frequently seen tokens, floored at 0.2.
func Stability(count int) float64 {
	return math.Max(0.2, 1/(1+float64(count)*0.05))
}

// InitialWeight seeds an unseen token from its shape instead of the flat default.
func InitialWeight(token string) float64 {
	w := features.DefaultWeight
	kind := tokenize.KindOf(token)

	switch {
	case strings.HasPrefix(token, tokenize.EmojiPrefix):
		w -= 0.5
	case token == tokenize.TokenMoney:
		w -= 0.5
	case token == tokenize.TokenExclaim:
		w -= 0.3
	case kind == tokenize.KindNumeric && tokenize.Length(token) >= 4:
		// verification codes, order numbers
		w += 0.5
	case kind == tokenize.KindIdeographic:
		w += 0.2
	case kind == tokenize.KindWord && tokenize.Length(token) >= 6:
		w += 0.3
	}
	return features.ClampWeight(w)
}
