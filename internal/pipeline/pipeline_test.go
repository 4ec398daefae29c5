package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/notigate/internal/config"
	"github.com/thebtf/notigate/pkg/models"
)

// recorder implements Presenter, Tray and Behaviors and logs every call in order.
type recorder struct {
	mu        sync.Mutex
	events    []string
	presented []models.Notification
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Present(n models.Notification) {
	r.mu.Lock()
	r.presented = append(r.presented, n)
	r.mu.Unlock()
	r.add("present:" + n.Key)
}
func (r *recorder) Retract(key string)                  { r.add("retract:" + key) }
func (r *recorder) UpdateInPlace(n models.Notification) { r.add("update:" + n.Key) }
func (r *recorder) Cancel(key string)                   { r.add("tray_cancel:" + key) }
func (r *recorder) Vibrate(key string, intensity int) {
	r.add(fmt.Sprintf("vibrate:%s:%d", key, intensity))
}
func (r *recorder) PlaySound(key string)  { r.add("sound:" + key) }
func (r *recorder) AutoExpand(key string) { r.add("expand:" + key) }

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.presented = nil
	r.mu.Unlock()
}

type fakeModel struct {
	mu     sync.Mutex
	score  float64
	learns []models.Feedback
}

func (m *fakeModel) Score(string, string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

func (m *fakeModel) Learn(_, _ string, fb models.Feedback) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.learns = append(m.learns, fb)
	return m.score
}

func (m *fakeModel) Learned() []models.Feedback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Feedback(nil), m.learns...)
}

// fakeRemote answers with score or err. When gate is set it blocks until
// the gate is closed or ctx ends.
type fakeRemote struct {
	score float64
	err   error
	gate  chan struct{}
}

func (f *fakeRemote) Score(ctx context.Context, _, _ string) (float64, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.score, nil
}

type fakeSink struct {
	mu    sync.Mutex
	added []models.SuppressedNotification
}

func (f *fakeSink) Add(_ context.Context, n models.SuppressedNotification) (models.SuppressedNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, n)
	return n, nil
}

func (f *fakeSink) Added() []models.SuppressedNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SuppressedNotification(nil), f.added...)
}

func baseOptions() Options {
	return Options{
		Mode:               config.ModeOverlay,
		FilterEnabled:      true,
		Engine:             config.EngineLocal,
		Strategy:           config.StrategyCheckFirst,
		Threshold:          4.0,
		VibrationEnabled:   true,
		VibrationIntensity: 2,
		SoundEnabled:       true,
		AutoExpandEnabled:  true,
	}
}

type PipelineSuite struct {
	suite.Suite
	rec     *recorder
	model   *fakeModel
	remote  *fakeRemote
	sink    *fakeSink
	sources *config.Sources
}

func (s *PipelineSuite) SetupTest() {
	s.rec = &recorder{}
	s.model = &fakeModel{score: 8}
	s.remote = &fakeRemote{score: 8}
	s.sink = &fakeSink{}
	s.sources = config.NewSources()
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) newPipeline(opts Options) *Pipeline {
	p := New(Deps{
		Presenter:  s.rec,
		Tray:       s.rec,
		Behaviors:  s.rec,
		Model:      s.model,
		Remote:     s.remote,
		Suppressed: s.sink,
		Sources:    s.sources,
	}, opts, zerolog.Nop())
	s.T().Cleanup(p.Close)
	return p
}

func note(key string) models.Notification {
	return models.Notification{Key: key, PackageName: "com.example.chat", Title: "Alice", Body: "Are you coming tonight?"}
}

// =============================================================================
// GOOD SCENARIOS - Mode and strategy combinations
// =============================================================================

type combination struct {
	mode     config.PresentationMode
	engine   config.FilterEngine
	strategy config.RemoteStrategy
}

func (c combination) String() string {
	if c.engine == config.EngineLocal {
		return string(c.mode) + "/local"
	}
	return string(c.mode) + "/" + string(c.strategy)
}

func (s *PipelineSuite) TestModeTable() {
	const behaviors = "vibrate:k:2,sound:k"
	tests := []struct {
		combo    combination
		keep     string
		suppress string
	}{
		{combination{config.ModeOverlay, config.EngineLocal, ""}, "tray_cancel:k,present:k," + behaviors, "tray_cancel:k"},
		{combination{config.ModeOverlay, config.EngineRemote, config.StrategyCheckFirst}, "tray_cancel:k,present:k," + behaviors, "tray_cancel:k"},
		{combination{config.ModeOverlay, config.EngineRemote, config.StrategyShowFirst}, "tray_cancel:k,present:k," + behaviors, "tray_cancel:k,present:k," + behaviors + ",retract:k"},
		{combination{config.ModeTray, config.EngineLocal, ""}, behaviors, "tray_cancel:k"},
		{combination{config.ModeTray, config.EngineRemote, config.StrategyCheckFirst}, behaviors, "tray_cancel:k"},
		{combination{config.ModeTray, config.EngineRemote, config.StrategyShowFirst}, behaviors, behaviors + ",tray_cancel:k"},
		{combination{config.ModeBoth, config.EngineLocal, ""}, "present:k," + behaviors, "tray_cancel:k"},
		{combination{config.ModeBoth, config.EngineRemote, config.StrategyCheckFirst}, "present:k," + behaviors, "tray_cancel:k"},
		{combination{config.ModeBoth, config.EngineRemote, config.StrategyShowFirst}, "present:k," + behaviors, "present:k," + behaviors + ",retract:k,tray_cancel:k"},
	}

	for _, tt := range tests {
		for _, suppress := range []bool{false, true} {
			name := tt.combo.String() + "/keep"
			want := tt.keep
			score := 8.0
			if suppress {
				name = tt.combo.String() + "/suppress"
				want = tt.suppress
				score = 1.0
			}
			s.Run(name, func() {
				s.SetupTest()
				s.model.score = score
				s.remote.score = score
				opts := baseOptions()
				opts.Mode, opts.Engine, opts.Strategy = tt.combo.mode, tt.combo.engine, tt.combo.strategy
				p := s.newPipeline(opts)

				out := p.Process(context.Background(), note("k"))
				if tt.combo.engine == config.EngineRemote {
					s.Equal(models.DecisionDeferred, out.Decision)
					s.True(out.Pending)
				}
				p.Wait()

				s.Equal(want, join(s.rec.Events()))
				pending, ok := p.Pending("k")
				if suppress {
					s.False(ok)
					s.Require().Len(s.sink.Added(), 1)
					s.InDelta(1.0, s.sink.Added()[0].Score, 1e-9)
					s.Equal("Are you coming tonight?", s.sink.Added()[0].Content)
				} else {
					s.True(ok)
					s.Equal(models.DecisionKeep, pending.Decision)
					s.True(pending.Scored)
					s.Empty(s.sink.Added())
				}
			})
		}
	}
}

func (s *PipelineSuite) TestFilterDisabled() {
	tests := []struct {
		mode config.PresentationMode
		want string
	}{
		{config.ModeOverlay, "tray_cancel:k,present:k,vibrate:k:2,sound:k"},
		{config.ModeTray, "vibrate:k:2,sound:k"},
		{config.ModeBoth, "present:k,vibrate:k:2,sound:k"},
	}
	for _, tt := range tests {
		s.Run(string(tt.mode), func() {
			s.SetupTest()
			s.model.score = 0
			opts := baseOptions()
			opts.Mode = tt.mode
			opts.FilterEnabled = false
			p := s.newPipeline(opts)

			out := p.Process(context.Background(), note("k"))
			s.Equal(models.DecisionKeep, out.Decision)
			s.False(out.Scored)
			s.Equal(tt.want, join(s.rec.Events()))
		})
	}
}

func (s *PipelineSuite) TestSourceWithoutModelFilterIsNotScored() {
	s.sources.Set("com.example.chat", config.SourceConfig{Enabled: true})
	s.model.score = 0
	p := s.newPipeline(baseOptions())

	out := p.Process(context.Background(), note("k"))
	s.Equal(models.DecisionKeep, out.Decision)
	s.Equal("tray_cancel:k,present:k", join(s.rec.Events()), "no behaviors enabled for this source")
}

func (s *PipelineSuite) TestLocalOutcome() {
	s.model.score = 1.5
	p := s.newPipeline(baseOptions())

	out := p.Process(context.Background(), note("k"))
	s.Equal(models.DecisionSuppress, out.Decision)
	s.Equal(StateTerminal.String(), out.State)
	s.InDelta(1.5, out.Score, 1e-9)
	s.True(out.Scored)
	s.False(out.Pending)
	s.NotEmpty(out.ID)
}

// =============================================================================
// GOOD SCENARIOS - Feedback
// =============================================================================

func (s *PipelineSuite) TestFeedback_LocalEngineLearns() {
	p := s.newPipeline(baseOptions())
	p.Process(context.Background(), note("a"))
	p.Process(context.Background(), note("b"))
	p.Process(context.Background(), note("c"))

	s.True(p.Dismissed("a"))
	s.True(p.Opened("b"))
	s.True(p.Closed("c"))
	s.False(p.Dismissed("a"), "already released")

	s.Equal([]models.Feedback{models.FeedbackDismissed, models.FeedbackOpened}, s.model.Learned())
	s.Zero(p.PendingCount())
}

func (s *PipelineSuite) TestFeedback_RemoteEngineDoesNotLearn() {
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	p := s.newPipeline(opts)
	p.Process(context.Background(), note("a"))
	p.Wait()

	s.True(p.Opened("a"))
	s.Empty(s.model.Learned())
}

// =============================================================================
// BAD SCENARIOS - Pre-check exits and remote failures
// =============================================================================

func (s *PipelineSuite) TestEmptyText_Dropped() {
	p := s.newPipeline(baseOptions())
	out := p.Process(context.Background(), models.Notification{Key: "k", PackageName: "com.example.chat", Title: "  "})
	s.Equal(models.DecisionDropped, out.Decision)
	s.Equal("empty", out.Reason)
	s.Empty(s.rec.Events())
	s.Zero(p.PendingCount())
}

func (s *PipelineSuite) TestDisabledSource_Dropped() {
	s.sources.Set("com.example.chat", config.SourceConfig{Enabled: false, ModelFilter: true})
	p := s.newPipeline(baseOptions())
	out := p.Process(context.Background(), note("k"))
	s.Equal(models.DecisionDropped, out.Decision)
	s.Equal("source disabled", out.Reason)
	s.Empty(s.rec.Events())
	s.Empty(s.sink.Added())
}

func (s *PipelineSuite) TestShowFirst_RemoteFailureKeeps() {
	s.remote.err = context.DeadlineExceeded
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	opts.Strategy = config.StrategyShowFirst
	p := s.newPipeline(opts)

	p.Process(context.Background(), note("k"))
	p.Wait()

	events := s.rec.Events()
	s.Equal(1, count(events, "present:k"))
	s.Zero(count(events, "retract:k"))
	out, ok := p.Pending("k")
	s.Require().True(ok)
	s.Equal(models.DecisionKeep, out.Decision)
	s.InDelta(models.MaxScore, out.Score, 1e-9)
}

func (s *PipelineSuite) TestNilRemote_Keeps() {
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	p := New(Deps{Presenter: s.rec, Tray: s.rec, Behaviors: s.rec, Suppressed: s.sink, Sources: s.sources}, opts, zerolog.Nop())
	defer p.Close()

	p.Process(context.Background(), note("k"))
	p.Wait()
	s.Contains(s.rec.Events(), "present:k")
	s.Empty(s.sink.Added())
}

// =============================================================================
// EDGE CASES
// =============================================================================

func (s *PipelineSuite) TestDuplicateInOverlay_UpdatesInPlace() {
	p := s.newPipeline(baseOptions())
	p.Process(context.Background(), note("k"))
	s.rec.reset()

	dup := note("k")
	dup.Body = "Running late"
	out := p.Process(context.Background(), dup)

	s.Equal(models.DecisionUpdated, out.Decision)
	s.Equal([]string{"update:k", "tray_cancel:k"}, s.rec.Events())
	s.Equal(1, p.PendingCount())
}

func (s *PipelineSuite) TestDuplicateInBoth_KeepsTray() {
	opts := baseOptions()
	opts.Mode = config.ModeBoth
	p := s.newPipeline(opts)
	p.Process(context.Background(), note("k"))
	s.rec.reset()

	p.Process(context.Background(), note("k"))
	s.Equal([]string{"update:k"}, s.rec.Events())
}

func (s *PipelineSuite) TestDuplicateWhileAwaitingScore() {
	s.remote.gate = make(chan struct{})
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	p := s.newPipeline(opts)

	p.Process(context.Background(), note("k"))
	dup := note("k")
	dup.Title = "Alice (2)"
	out := p.Process(context.Background(), dup)
	s.Equal(models.DecisionUpdated, out.Decision)
	s.Equal([]string{"tray_cancel:k", "tray_cancel:k"}, s.rec.Events(), "nothing presented yet")

	close(s.remote.gate)
	p.Wait()

	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.Require().Len(s.rec.presented, 1)
	s.Equal("Alice (2)", s.rec.presented[0].Title)
}

func (s *PipelineSuite) TestClosedWhileAwaitingScore() {
	s.remote.gate = make(chan struct{})
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	opts.Mode = config.ModeTray
	p := s.newPipeline(opts)

	p.Process(context.Background(), note("k"))
	s.True(p.Closed("k"))
	close(s.remote.gate)
	p.Wait()

	s.Empty(s.rec.Events())
	s.Empty(s.sink.Added())
}

func (s *PipelineSuite) TestCloseCancelsRemoteAndKeeps() {
	s.remote.gate = make(chan struct{})
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	p := s.newPipeline(opts)

	p.Process(context.Background(), note("k"))
	p.Close()

	s.Contains(s.rec.Events(), "present:k")
	s.Empty(s.sink.Added())
}

func (s *PipelineSuite) TestMediaInOverlay_BypassesScoring() {
	s.model.score = 0
	p := s.newPipeline(baseOptions())

	n := note("m")
	n.IsMedia = true
	out := p.Process(context.Background(), n)

	s.Equal(models.DecisionKeep, out.Decision)
	s.Equal("media", out.Reason)
	s.False(out.Scored)
	s.Equal("present:m,vibrate:m:2,sound:m", join(s.rec.Events()))
}

func (s *PipelineSuite) TestMediaInTray_IsFiltered() {
	s.model.score = 0
	opts := baseOptions()
	opts.Mode = config.ModeTray
	p := s.newPipeline(opts)

	n := note("m")
	n.IsMedia = true
	out := p.Process(context.Background(), n)
	s.Equal(models.DecisionSuppress, out.Decision)
}

func (s *PipelineSuite) TestThresholdBoundaryKeeps() {
	s.model.score = 4.0
	p := s.newPipeline(baseOptions())
	s.Equal(models.DecisionKeep, p.Process(context.Background(), note("k")).Decision)
}

func (s *PipelineSuite) TestBehaviorGating() {
	s.sources.Set("com.example.chat", config.SourceConfig{
		Enabled: true, ModelFilter: true, AutoExpand: true, Vibration: true, Sound: false,
	})
	opts := baseOptions()
	opts.Mode = config.ModeTray
	opts.VibrationEnabled = false
	p := s.newPipeline(opts)

	p.Process(context.Background(), note("k"))
	s.Equal([]string{"expand:k"}, s.rec.Events())
}

func (s *PipelineSuite) TestSetOptions_AppliesToNextNotification() {
	p := s.newPipeline(baseOptions())
	opts := p.Options()
	opts.Mode = config.ModeTray
	p.SetOptions(opts)

	p.Process(context.Background(), note("k"))
	s.Equal([]string{"vibrate:k:2", "sound:k"}, s.rec.Events())
}

func (s *PipelineSuite) TestShowFirst_ModeReloadWhileAwaitingStillRetracts() {
	s.remote.gate = make(chan struct{})
	s.remote.score = 1
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	opts.Strategy = config.StrategyShowFirst
	p := s.newPipeline(opts)

	p.Process(context.Background(), note("k"))
	reloaded := p.Options()
	reloaded.Mode = config.ModeTray
	p.SetOptions(reloaded)
	close(s.remote.gate)
	p.Wait()

	s.Equal("tray_cancel:k,present:k,vibrate:k:2,sound:k,retract:k", join(s.rec.Events()))
	s.Len(s.sink.Added(), 1)
}

func (s *PipelineSuite) TestRemoteDecisionUsesDispatchThreshold() {
	s.remote.gate = make(chan struct{})
	s.remote.score = 5
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	p := s.newPipeline(opts)

	p.Process(context.Background(), note("k"))
	reloaded := p.Options()
	reloaded.Threshold = 9
	p.SetOptions(reloaded)
	close(s.remote.gate)
	p.Wait()

	out, ok := p.Pending("k")
	s.True(ok)
	s.Equal(models.DecisionKeep, out.Decision)
	s.Empty(s.sink.Added())
}

// =============================================================================
// EDGE CASES - Pending growth
// =============================================================================

func (s *PipelineSuite) TestPendingLimit_ReleasesOldestKept() {
	p := s.newPipeline(baseOptions())
	p.maxPending = 2
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i, key := range []string{"k1", "k2", "k3"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		p.now = func() time.Time { return at }
		p.Process(context.Background(), note(key))
	}

	s.Equal(2, p.PendingCount())
	_, ok := p.Pending("k1")
	s.False(ok)
	_, ok = p.Pending("k3")
	s.True(ok)
	s.False(p.Opened("k1"), "released entries take no feedback")
	s.Empty(s.model.Learned())
}

func (s *PipelineSuite) TestPendingLimit_KeepsEntriesAwaitingScore() {
	s.remote.gate = make(chan struct{})
	opts := baseOptions()
	opts.Engine = config.EngineRemote
	p := s.newPipeline(opts)
	p.maxPending = 1

	p.Process(context.Background(), note("a"))
	p.Process(context.Background(), note("b"))
	s.Equal(2, p.PendingCount())

	close(s.remote.gate)
	p.Wait()
}

func (s *PipelineSuite) TestReleaseStale() {
	p := s.newPipeline(baseOptions())
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return t0 }
	p.Process(context.Background(), note("old"))
	p.now = func() time.Time { return t0.Add(2 * time.Hour) }
	p.Process(context.Background(), note("new"))

	s.Equal(0, p.ReleaseStale(0, t0.Add(3*time.Hour)))
	s.Equal(1, p.ReleaseStale(time.Hour, t0.Add(2*time.Hour+time.Minute)))

	_, ok := p.Pending("old")
	s.False(ok)
	_, ok = p.Pending("new")
	s.True(ok)
	s.Empty(s.model.Learned())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "arrived", StateArrived.String())
	assert.Equal(t, "terminal", StateTerminal.String())
	assert.Equal(t, "unknown", State(99).String())
}

func join(events []string) string {
	out := ""
	for i, e := range events {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return out
}

func count(events []string, e string) int {
	n := 0
	for _, x := range events {
		if x == e {
			n++
		}
	}
	return n
}
