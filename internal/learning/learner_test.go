package learning

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/notigate/internal/features"
	"github.com/thebtf/notigate/internal/scoring"
	"github.com/thebtf/notigate/internal/tokenize"
	"github.com/thebtf/notigate/pkg/models"
)

type countingScheduler struct{ n atomic.Int32 }

func (c *countingScheduler) Schedule() { c.n.Add(1) }

type LearnerSuite struct {
	suite.Suite
	store     *features.Store
	calc      *scoring.Calculator
	scheduler *countingScheduler
	learner   *Learner
	now       time.Time
}

func (s *LearnerSuite) SetupTest() {
	s.store = features.NewStore(0)
	s.calc = scoring.NewCalculator(s.store)
	s.scheduler = &countingScheduler{}
	s.learner = NewLearner(s.store, s.calc, DefaultConfig(), s.scheduler, zerolog.Nop())
	s.now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.learner.now = func() time.Time { return s.now }
}

func TestLearnerSuite(t *testing.T) {
	suite.Run(t, new(LearnerSuite))
}

// =============================================================================
// GOOD SCENARIOS - Expected normal operations
// =============================================================================

func (s *LearnerSuite) TestLearn_GoodScenarios_PositiveFromColdStart() {
	before := s.calc.ScoreText("Package shipped", "Your order 48213 is on the way")
	s.InDelta(5.0, before, 1e-9)

	after := s.learner.Learn("Package shipped", "Your order 48213 is on the way", models.FeedbackOpened)
	s.Greater(after, before)
	s.InDelta(after, s.calc.ScoreText("Package shipped", "Your order 48213 is on the way"), 1e-9)
	s.Equal(int32(1), s.scheduler.n.Load())
	s.True(s.store.Dirty())
}

func (s *LearnerSuite) TestLearn_GoodScenarios_NegativeFromColdStart() {
	after := s.learner.Learn("Flash SALE!!", "50% off everything today 🔥", models.FeedbackDismissed)
	s.Less(after, 5.0)
}

func (s *LearnerSuite) TestLearn_GoodScenarios_ManualLearnsFaster() {
	auto := s.learner.Learn("Weekly digest", "Top stories for you", models.FeedbackDismissed)

	s.SetupTest()
	manual := s.learner.Learn("Weekly digest", "Top stories for you", models.FeedbackNotNeeded)

	s.Less(manual, auto)
}

func (s *LearnerSuite) TestLearn_GoodScenarios_DocumentCountedOncePerCall() {
	s.learner.Learn("sale sale sale", "sale", models.FeedbackDismissed)

	s.Equal(1, s.store.DocFreq("sale"))
	s.Equal(int64(1), s.store.Documents())
	s.Equal(int64(1), s.store.LearnEvents())

	r, ok := s.store.Get("sale")
	s.Require().True(ok)
	s.Equal(1, r.Count)
	s.Equal(s.now, r.LastUpdate)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func (s *LearnerSuite) TestLearn_MonotonicPositive() {
	title, body := "Meeting moved", "Standup now at 10:30 in room Aurora"
	prev := s.calc.ScoreText(title, body)
	for i := 0; i < 15; i++ {
		next := s.learner.Learn(title, body, models.FeedbackOpened)
		s.GreaterOrEqual(next, prev-1e-9, "round %d", i)
		prev = next
	}
	s.Greater(prev, 8.0)
}

func (s *LearnerSuite) TestLearn_MonotonicNegative() {
	title, body := "Limited offer", "Get 30% cashback with code SAVE30 今日特价"
	prev := s.calc.ScoreText(title, body)
	for i := 0; i < 15; i++ {
		next := s.learner.Learn(title, body, models.FeedbackNotNeeded)
		s.LessOrEqual(next, prev+1e-9, "round %d", i)
		prev = next
	}
	s.Less(prev, 2.0)
}

func (s *LearnerSuite) TestLearn_MonotonicWithUnseenTokens() {
	for i := 0; i < 30; i++ {
		s.learner.Learn("Meeting standup", "", models.FeedbackNeeded)
	}
	before := s.calc.ScoreText("Meeting", "standup moved 😀")
	s.Greater(before, 8.0)
	after := s.learner.Learn("Meeting", "standup moved 😀", models.FeedbackOpened)
	s.GreaterOrEqual(after, before, "positive feedback lowered the score")

	for i := 0; i < 30; i++ {
		s.learner.Learn("Flash sale discount", "", models.FeedbackNotNeeded)
	}
	before = s.calc.ScoreText("Flash sale", "discount code 48213")
	s.Less(before, 2.0)
	after = s.learner.Learn("Flash sale", "discount code 48213", models.FeedbackDismissed)
	s.LessOrEqual(after, before, "negative feedback raised the score")
}

func (s *LearnerSuite) TestLearn_RejectedUpdateRestoresRecords() {
	// A stale strong token decays on update; if that would lower the score
	// under positive feedback, nothing from the call is kept.
	s.store.Put("invoice", features.Record{Weight: 9.5, Count: 40, LastUpdate: s.now.AddDate(0, 0, -120)})
	before := s.calc.ScoreText("invoice", "")

	after := s.learner.Learn("invoice", "", models.FeedbackOpened)
	s.GreaterOrEqual(after, before)

	r, ok := s.store.Get("invoice")
	s.True(ok)
	s.GreaterOrEqual(r.Weight, 9.5-1e-9)
}

func (s *LearnerSuite) TestLearn_WeightsStayBounded() {
	texts := []string{
		"Your code is 839201", "SALE SALE SALE 🔥🔥", "Mom: call me back",
		"Build failed on main", "今日头条 热点新闻", "$$$ win big $$$ !!!",
	}
	for i := 0; i < 300; i++ {
		fb := []models.Feedback{
			models.FeedbackNeeded, models.FeedbackNotNeeded,
			models.FeedbackOpened, models.FeedbackDismissed,
		}[i%4]
		s.learner.Learn(texts[i%len(texts)], texts[(i*7)%len(texts)], fb)
	}

	s.store.Range(func(token string, r features.Record) bool {
		s.GreaterOrEqual(r.Weight, features.MinWeight, token)
		s.LessOrEqual(r.Weight, features.MaxWeight, token)
		return true
	})
}

func (s *LearnerSuite) TestLearn_DirectionGuard() {
	s.store.Put("alarm", features.Record{Weight: 9.9, Count: 100, LastUpdate: s.now})
	s.learner.Learn("alarm", "", models.FeedbackOpened)
	r, _ := s.store.Get("alarm")
	s.InDelta(9.9, r.Weight, 1e-9, "positive feedback never lowers a weight")

	s.store.Put("promo", features.Record{Weight: 0.5, Count: 100, LastUpdate: s.now})
	s.learner.Learn("promo", "", models.FeedbackDismissed)
	r, _ = s.store.Get("promo")
	s.InDelta(0.5, r.Weight, 1e-9, "negative feedback never raises a weight")
}

func (s *LearnerSuite) TestLearn_StaleWeightsDecay() {
	s.store.Put("newsletter", features.Record{Weight: 9, Count: 0, LastUpdate: s.now.AddDate(0, 0, -60)})
	s.learner.Learn("newsletter", "", models.FeedbackDismissed)

	r, _ := s.store.Get("newsletter")
	// deviation 4 decays to 1 after two half-lives before the update lands
	s.LessOrEqual(r.Weight, 6.0)
}

func (s *LearnerSuite) TestLearn_EmptyTextIsNoop() {
	score := s.learner.Learn("", "  ", models.FeedbackNeeded)
	s.InDelta(5.0, score, 1e-9)
	s.Equal(int64(0), s.store.Documents())
	s.Equal(int32(0), s.scheduler.n.Load())
}

func (s *LearnerSuite) TestLearn_ConcurrentCallsSerialize() {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.learner.Learn("shared", fmt.Sprintf("variant%d", i), models.FeedbackOpened)
		}(i)
	}
	wg.Wait()

	r, _ := s.store.Get("shared")
	s.Equal(20, r.Count)
	s.Equal(20, s.store.DocFreq("shared"))
	s.Equal(int64(20), s.store.LearnEvents())
}

func (s *LearnerSuite) TestReset() {
	s.learner.Learn("hello world", "", models.FeedbackOpened)
	s.learner.Reset()
	s.Equal(0, s.store.Len())
	s.InDelta(5.0, s.calc.ScoreText("hello world", ""), 1e-9)
}

func (s *LearnerSuite) TestRate() {
	s.InDelta(0.225, s.learner.rate(5, false, 0), 1e-9)
	s.InDelta(0.45, s.learner.rate(5, true, 0), 1e-9)
	s.InDelta(0.3, s.learner.rate(10, false, 0), 1e-9, "error factor capped at 2")
	s.InDelta(0.045, s.learner.rate(0, false, 1_000_000), 1e-9, "maturity floor 0.3")

	s.learner.SetDegree(2)
	s.InDelta(0.45, s.learner.rate(5, false, 0), 1e-9)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestTimeDecay(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 1.0, TimeDecay(time.Time{}, now), 1e-9)
	assert.InDelta(t, 1.0, TimeDecay(now.Add(-12*time.Hour), now), 1e-9)
	assert.InDelta(t, 0.5, TimeDecay(now.AddDate(0, 0, -30), now), 1e-9)
	assert.InDelta(t, 0.25, TimeDecay(now.AddDate(0, 0, -60), now), 1e-9)
}

func TestStability(t *testing.T) {
	assert.InDelta(t, 1.0, Stability(0), 1e-9)
	assert.InDelta(t, 0.5, Stability(20), 1e-9)
	assert.InDelta(t, 0.2, Stability(1000), 1e-9)
}

func TestInitialWeight(t *testing.T) {
	tests := []struct {
		token string
		want  float64
	}{
		{"EMOJI_1F600", 4.5},
		{tokenize.TokenMoney, 4.5},
		{tokenize.TokenExclaim, 4.7},
		{tokenize.TokenDot, 5.0},
		{"482913", 5.5},
		{"验证", 5.2},
		{"meeting", 5.3},
		{"sale", 5.0},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			assert.InDelta(t, tt.want, InitialWeight(tt.token), 1e-9)
		})
	}
}
