package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/notigate/internal/config"
	"github.com/thebtf/notigate/pkg/models"
)

// State is the position of a notification in the pipeline.
type State int

const (
	StateArrived State = iota
	StatePreChecked
	StateModeDispatched
	StateFiltering
	StateScored
	StateDispatched
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateArrived:
		return "arrived"
	case StatePreChecked:
		return "pre_checked"
	case StateModeDispatched:
		return "mode_dispatched"
	case StateFiltering:
		return "filtering"
	case StateScored:
		return "scored"
	case StateDispatched:
		return "dispatched"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Context is the processing record of one notification. It is owned by a
// single pipeline run and only mutated under the pipeline lock.
type Context struct {
	ID           string
	Notification models.Notification
	Source       config.SourceConfig
	Score        float64
	Scored       bool
	Filtered     bool
	Reason       string
	State        State

	decision  string
	presented bool
	strategy  strategy
	// opts are the options in force at dispatch; a remote continuation
	// decides with these even if settings were reloaded meanwhile.
	opts      Options
	arrived   time.Time
}

func newContext(n models.Notification) *Context {
	return &Context{
		ID:           uuid.NewString(),
		Notification: n,
		Score:        models.DefaultScore,
		State:        StateArrived,
	}
}

// terminate ends processing with a decision.
func (c *Context) terminate(decision, reason string) {
	c.decision = decision
	c.Reason = reason
	c.State = StateTerminal
}

// Outcome reports the context as seen by callers.
func (c *Context) Outcome(pending bool) models.Outcome {
	return models.Outcome{
		ID:       c.ID,
		Key:      c.Notification.Key,
		State:    c.State.String(),
		Decision: c.decision,
		Reason:   c.Reason,
		Score:    c.Score,
		Scored:   c.Scored,
		Pending:  pending,
	}
}

// strategy is how a notification is filtered once mode dispatch is done.
type strategy int

const (
	strategyNone strategy = iota // filtering off for this source
	strategyLocal
	strategyCheckFirst
	strategyShowFirst
)

func (s strategy) String() string {
	switch s {
	case strategyLocal:
		return "local"
	case strategyCheckFirst:
		return "check_first"
	case strategyShowFirst:
		return "show_first"
	default:
		return "none"
	}
}
