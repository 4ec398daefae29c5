package models

// Feedback is a learning signal for one notification text.
// Positive moves the score toward the top of the range, negative toward zero.
// Manual feedback comes from an explicit user action and learns twice as fast.
type Feedback struct {
	Positive bool `json:"positive"`
	Manual   bool `json:"manual"`
}

var (
	// FeedbackNeeded is the user marking a suppressed notification as needed.
	FeedbackNeeded = Feedback{Positive: true, Manual: true}
	// FeedbackNotNeeded is the user marking a notification as noise.
	FeedbackNotNeeded = Feedback{Positive: false, Manual: true}
	// FeedbackOpened is a tap on a presented notification.
	FeedbackOpened = Feedback{Positive: true, Manual: false}
	// FeedbackDismissed is a swipe-away of a presented notification.
	FeedbackDismissed = Feedback{Positive: false, Manual: false}
)

// Target returns the score the feedback pulls toward.
func (f Feedback) Target() float64 {
	if f.Positive {
		return MaxScore
	}
	return MinScore
}

// String returns a short label for logs.
func (f Feedback) String() string {
	switch f {
	case FeedbackNeeded:
		return "needed"
	case FeedbackNotNeeded:
		return "not-needed"
	case FeedbackOpened:
		return "opened"
	default:
		return "dismissed"
	}
}

// Score range shared by the local and remote scorers.
const (
	MinScore     = 0.0
	MaxScore     = 10.0
	DefaultScore = 5.0
)

// ClampScore bounds v to [MinScore, MaxScore].
func ClampScore(v float64) float64 {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
