package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/notigate/internal/config"
)

type fakeModel struct {
	mu       sync.Mutex
	calls    []string
	flushErr error
}

func (m *fakeModel) record(c string) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *fakeModel) Evict() int        { m.record("evict"); return 3 }
func (m *fakeModel) RefreshTFIDF() int { m.record("tfidf"); return 40 }
func (m *fakeModel) Flush(context.Context) error {
	m.record("flush")
	return m.flushErr
}

func (m *fakeModel) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakePruner struct {
	maxAge time.Duration
	err    error
}

func (p *fakePruner) Prune(_ context.Context, maxAge time.Duration, _ time.Time) (int, error) {
	p.maxAge = maxAge
	return 2, p.err
}

type fakeOptimizer struct{ calls int }

func (o *fakeOptimizer) Optimize(context.Context) error {
	o.calls++
	return nil
}

type fakePending struct {
	maxAge time.Duration
	now    time.Time
}

func (p *fakePending) ReleaseStale(maxAge time.Duration, now time.Time) int {
	p.maxAge, p.now = maxAge, now
	return 4
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaintenanceEnabled = true
	cfg.SuppressedRetentionDays = 7
	return cfg
}

func TestRunMaintenance_AllTasks(t *testing.T) {
	model := &fakeModel{}
	pruner := &fakePruner{}
	opt := &fakeOptimizer{}
	svc := NewService(model, pruner, opt, testConfig(), zerolog.Nop())

	res := svc.runMaintenance(context.Background())

	assert.Equal(t, []string{"evict", "tfidf", "flush"}, model.Calls())
	assert.Equal(t, 3, res.Evicted)
	assert.Equal(t, 40, res.Refreshed)
	assert.Equal(t, 2, res.Pruned)
	assert.Equal(t, 7*24*time.Hour, pruner.maxAge)
	assert.Equal(t, 1, opt.calls)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats["runs"])
	assert.Equal(t, int64(3), stats["total_evicted"])
	assert.Equal(t, int64(2), stats["total_pruned"])
}

func TestRunMaintenance_FailuresDoNotStopLaterTasks(t *testing.T) {
	model := &fakeModel{flushErr: errors.New("disk full")}
	pruner := &fakePruner{err: errors.New("locked")}
	opt := &fakeOptimizer{}
	svc := NewService(model, pruner, opt, testConfig(), zerolog.Nop())

	res := svc.runMaintenance(context.Background())
	assert.True(t, res.PruneFailed)
	assert.True(t, res.FlushFailed)
	assert.Zero(t, res.Pruned)
	assert.Equal(t, 1, opt.calls)
}

func TestRunMaintenance_ReleasesStalePending(t *testing.T) {
	cfg := testConfig()
	cfg.PendingTTL = 6 * time.Hour
	pending := &fakePending{}
	svc := NewService(&fakeModel{}, nil, nil, cfg, zerolog.Nop()).WithPending(pending)
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	res := svc.runMaintenance(context.Background())
	assert.Equal(t, 4, res.Released)
	assert.Equal(t, 6*time.Hour, pending.maxAge)
	assert.Equal(t, at, pending.now)
}

func TestRunMaintenance_RetentionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.SuppressedRetentionDays = 0
	pruner := &fakePruner{}
	svc := NewService(&fakeModel{}, pruner, nil, cfg, zerolog.Nop())

	res := svc.runMaintenance(context.Background())
	assert.Zero(t, res.Pruned)
	assert.Zero(t, pruner.maxAge)
}

func TestStart_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.MaintenanceEnabled = false
	model := &fakeModel{}
	svc := NewService(model, nil, nil, cfg, zerolog.Nop())

	svc.Start(context.Background())
	svc.Wait()
	assert.Empty(t, model.Calls())
}

func TestStart_RunsAfterDelayAndStops(t *testing.T) {
	model := &fakeModel{}
	svc := NewService(model, &fakePruner{}, nil, testConfig(), zerolog.Nop())
	svc.initialDelay = 10 * time.Millisecond

	go svc.Start(context.Background())
	require.Eventually(t, func() bool { return len(model.Calls()) >= 3 }, time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Wait()
	assert.False(t, svc.Stats()["running"].(bool))
}

func TestStart_ContextCancelDuringDelay(t *testing.T) {
	model := &fakeModel{}
	svc := NewService(model, nil, nil, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maintenance did not stop on context cancellation")
	}
	assert.Empty(t, model.Calls())
}
