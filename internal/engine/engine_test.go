package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/serenity-bot/serenity/internal/config"
	"github.com/serenity-bot/serenity/internal/database"
	"github.com/serenity-bot/serenity/internal/pattern"
)

func testRepo(t *testing.T) *database.Repository {
	t.Helper()
	config.DefaultThreshold = 10
	config.DefaultUpdateIntervalSeconds = 60

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	// One connection: an in-memory sqlite database exists per connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return database.NewRepositoryWithDB(db)
}

// fakeRates reports the same rate for every channel and window.
type fakeRates float64

func (f fakeRates) CurrentRate(string, int) float64 { return float64(f) }

type fakePlatform struct {
	mu      sync.Mutex
	current int
	sets    []int
	setErr  error
}

func (p *fakePlatform) CurrentSlowmode(string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *fakePlatform) SetSlowmode(_ context.Context, _ string, seconds int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setErr != nil {
		return p.setErr
	}
	p.sets = append(p.sets, seconds)
	p.current = seconds
	return nil
}

func testEngine(t *testing.T, repo *database.Repository, rates fakeRates, platform *fakePlatform) *Engine {
	t.Helper()
	log := zap.NewNop()
	model := pattern.NewModel(repo, log)
	tracker := NewTracker(repo, rates, log, 0.2)
	t.Cleanup(tracker.Close)

	return New(repo, rates, model, tracker, platform, log, Config{
		Policy:                testPolicy(),
		VelocityWindowSeconds: 300,
		EffectivenessWindow:   10,
		Horizon:               time.Minute,
		ReconcileInterval:     time.Minute,
	})
}

func TestTickEscalatesAndRecordsChange(t *testing.T) {
	repo := testRepo(t)
	platform := &fakePlatform{}
	// Rate 25 against threshold 10 with no learned baseline: a clear breach
	// of the 2x bar.
	e := testEngine(t, repo, fakeRates(25), platform)

	if err := e.Tick(context.Background(), "chan-1", "guild-1"); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(platform.sets) != 1 || platform.sets[0] != 5 {
		t.Fatalf("platform sets = %v, want [5]", platform.sets)
	}

	changes, err := repo.RecentChanges("chan-1", 10)
	if err != nil {
		t.Fatalf("RecentChanges: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d change records, want 1", len(changes))
	}
	c := changes[0]
	if c.OldValue != 0 || c.NewValue != 5 || !c.Applied {
		t.Errorf("change = %d -> %d applied=%v, want 0 -> 5 applied=true", c.OldValue, c.NewValue, c.Applied)
	}
	if c.Reason == "" {
		t.Error("change recorded with empty reason")
	}
}

func TestTickCooldownBlocksSecondChange(t *testing.T) {
	repo := testRepo(t)
	platform := &fakePlatform{}
	e := testEngine(t, repo, fakeRates(25), platform)

	if err := e.Tick(context.Background(), "chan-1", "guild-1"); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	if err := e.Tick(context.Background(), "chan-1", "guild-1"); err != nil {
		t.Fatalf("second Tick: %v", err)
	}

	if len(platform.sets) != 1 {
		t.Errorf("platform sets = %v, want exactly one change within the cooldown", platform.sets)
	}
}

func TestTickFailedApplyKeepsRetrying(t *testing.T) {
	repo := testRepo(t)
	platform := &fakePlatform{setErr: errors.New("missing permissions")}
	e := testEngine(t, repo, fakeRates(25), platform)

	if err := e.Tick(context.Background(), "chan-1", "guild-1"); err == nil {
		t.Fatal("Tick succeeded despite platform failure")
	}

	changes, err := repo.RecentChanges("chan-1", 10)
	if err != nil {
		t.Fatalf("RecentChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].Applied {
		t.Fatalf("changes = %+v, want one unapplied record", changes)
	}

	// The failure must not start the cooldown: once the platform recovers,
	// the next tick applies the change.
	platform.mu.Lock()
	platform.setErr = nil
	platform.mu.Unlock()

	if err := e.Tick(context.Background(), "chan-1", "guild-1"); err != nil {
		t.Fatalf("Tick after recovery: %v", err)
	}
	if len(platform.sets) != 1 || platform.sets[0] != 5 {
		t.Errorf("platform sets = %v after recovery, want [5]", platform.sets)
	}
}

func TestTickSkipsDisabledChannel(t *testing.T) {
	repo := testRepo(t)
	platform := &fakePlatform{}
	e := testEngine(t, repo, fakeRates(25), platform)

	if err := repo.UpdateChannelConfig("chan-1", "guild-1", map[string]any{"is_enabled": false}); err != nil {
		t.Fatalf("UpdateChannelConfig: %v", err)
	}

	if err := e.Tick(context.Background(), "chan-1", "guild-1"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(platform.sets) != 0 {
		t.Errorf("platform sets = %v for a disabled channel, want none", platform.sets)
	}
}

func TestTickSkipsDisabledGuild(t *testing.T) {
	repo := testRepo(t)
	platform := &fakePlatform{}
	e := testEngine(t, repo, fakeRates(25), platform)

	if err := repo.UpdateGuildConfig("guild-1", map[string]any{"is_enabled": false}); err != nil {
		t.Fatalf("UpdateGuildConfig: %v", err)
	}

	if err := e.Tick(context.Background(), "chan-1", "guild-1"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(platform.sets) != 0 {
		t.Errorf("platform sets = %v for a disabled guild, want none", platform.sets)
	}
}

func TestTickHonorsChannelThresholdOverride(t *testing.T) {
	repo := testRepo(t)
	platform := &fakePlatform{}
	// Rate 25 clears the default 2x10 bar but not an override of 50.
	e := testEngine(t, repo, fakeRates(25), platform)

	if err := repo.UpdateChannelConfig("chan-1", "guild-1", map[string]any{"threshold": 50}); err != nil {
		t.Fatalf("UpdateChannelConfig: %v", err)
	}

	if err := e.Tick(context.Background(), "chan-1", "guild-1"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(platform.sets) != 0 {
		t.Errorf("platform sets = %v, want none below the overridden threshold", platform.sets)
	}
}

func TestSchedulerRunsAndStops(t *testing.T) {
	var ticks atomic.Int64
	s := NewScheduler(func(context.Context, string, string) error {
		ticks.Add(1)
		return nil
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Ensure(ctx, "chan-1", "guild-1", 10*time.Millisecond)
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	time.Sleep(100 * time.Millisecond)
	if ticks.Load() < 2 {
		t.Errorf("ticks = %d after 100ms at 10ms interval, want at least 2", ticks.Load())
	}

	s.StopAll()
	if s.Len() != 0 {
		t.Errorf("Len = %d after StopAll, want 0", s.Len())
	}

	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if ticks.Load() != settled {
		t.Error("loop kept ticking after StopAll")
	}
}

func TestSchedulerRetain(t *testing.T) {
	s := NewScheduler(func(context.Context, string, string) error { return nil }, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Ensure(ctx, "chan-1", "guild-1", time.Minute)
	s.Ensure(ctx, "chan-2", "guild-1", time.Minute)

	s.Retain(map[string]bool{"chan-2": true})
	if s.Len() != 1 {
		t.Errorf("Len = %d after Retain, want 1", s.Len())
	}
	s.StopAll()
}

func TestBackoffCapsAtMaximum(t *testing.T) {
	interval := time.Minute

	if got := backoff(interval, 1); got != 2*time.Minute {
		t.Errorf("backoff(1m, 1) = %v, want 2m", got)
	}
	if got := backoff(interval, 3); got != 8*time.Minute {
		t.Errorf("backoff(1m, 3) = %v, want 8m", got)
	}
	if got := backoff(interval, 20); got != 15*time.Minute {
		t.Errorf("backoff(1m, 20) = %v, want the 15m cap", got)
	}
}
