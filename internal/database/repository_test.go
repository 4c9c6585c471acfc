package database

import (
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/serenity-bot/serenity/internal/config"
	"github.com/serenity-bot/serenity/internal/errs"
	"github.com/serenity-bot/serenity/internal/models"
)

func testRepo(t *testing.T) *Repository {
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

	if err := Migrate(db); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return NewRepositoryWithDB(db)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var versions []models.SchemaMigration
	if err := db.Find(&versions).Error; err != nil {
		t.Fatalf("reading schema_migrations: %v", err)
	}
	seen := make(map[int]int)
	for _, v := range versions {
		seen[v.Version]++
		if seen[v.Version] > 1 {
			t.Errorf("migration %d recorded %d times", v.Version, seen[v.Version])
		}
	}
}

func TestEnsureGuildConfigDefaults(t *testing.T) {
	repo := testRepo(t)

	cfg, err := repo.EnsureGuildConfig("guild-1")
	if err != nil {
		t.Fatalf("EnsureGuildConfig: %v", err)
	}
	if !cfg.IsEnabled {
		t.Error("new guild config not enabled by default")
	}
	if cfg.DefaultThreshold != 10 {
		t.Errorf("DefaultThreshold = %d, want 10", cfg.DefaultThreshold)
	}
	if cfg.UpdateIntervalSeconds != 60 {
		t.Errorf("UpdateIntervalSeconds = %d, want 60", cfg.UpdateIntervalSeconds)
	}
}

func TestEnsureChannelConfigConcurrent(t *testing.T) {
	repo := testRepo(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.EnsureChannelConfig("chan-1", "guild-1"); err != nil {
				t.Errorf("EnsureChannelConfig: %v", err)
			}
		}()
	}
	wg.Wait()

	var count int64
	if err := repo.db.Model(&models.ChannelConfig{}).Where("channel_id = ?", "chan-1").Count(&count).Error; err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 1 {
		t.Errorf("got %d config rows under concurrent creation, want exactly 1", count)
	}
}

func TestEnsureChannelConfigKeepsExistingSettings(t *testing.T) {
	repo := testRepo(t)

	if _, err := repo.EnsureChannelConfig("chan-1", "guild-1"); err != nil {
		t.Fatalf("EnsureChannelConfig: %v", err)
	}
	if err := repo.UpdateChannelConfig("chan-1", "guild-1", map[string]any{"threshold": 42, "is_enabled": false}); err != nil {
		t.Fatalf("UpdateChannelConfig: %v", err)
	}

	// A second Ensure must return the stored settings, not reset them.
	cfg, err := repo.EnsureChannelConfig("chan-1", "guild-1")
	if err != nil {
		t.Fatalf("EnsureChannelConfig: %v", err)
	}
	if cfg.IsEnabled {
		t.Error("IsEnabled reset to true by Ensure")
	}
	if cfg.Threshold == nil || *cfg.Threshold != 42 {
		t.Errorf("Threshold = %v, want 42", cfg.Threshold)
	}
}

func TestUpdateChannelConfigClearsThreshold(t *testing.T) {
	repo := testRepo(t)

	if err := repo.UpdateChannelConfig("chan-1", "guild-1", map[string]any{"threshold": 42}); err != nil {
		t.Fatalf("UpdateChannelConfig: %v", err)
	}
	if err := repo.UpdateChannelConfig("chan-1", "guild-1", map[string]any{"threshold": nil}); err != nil {
		t.Fatalf("UpdateChannelConfig (clear): %v", err)
	}

	cfg, err := repo.EnsureChannelConfig("chan-1", "guild-1")
	if err != nil {
		t.Fatalf("EnsureChannelConfig: %v", err)
	}
	if cfg.Threshold != nil {
		t.Errorf("Threshold = %v after clearing, want nil (inherit)", *cfg.Threshold)
	}
}

func TestAllEnabledChannelsRequiresEnabledGuild(t *testing.T) {
	repo := testRepo(t)

	if _, err := repo.EnsureChannelConfig("chan-1", "guild-1"); err != nil {
		t.Fatalf("EnsureChannelConfig: %v", err)
	}
	if _, err := repo.EnsureChannelConfig("chan-2", "guild-2"); err != nil {
		t.Fatalf("EnsureChannelConfig: %v", err)
	}
	if err := repo.UpdateGuildConfig("guild-2", map[string]any{"is_enabled": false}); err != nil {
		t.Fatalf("UpdateGuildConfig: %v", err)
	}

	channels, err := repo.AllEnabledChannels()
	if err != nil {
		t.Fatalf("AllEnabledChannels: %v", err)
	}
	if len(channels) != 1 || channels[0].ChannelID != "chan-1" {
		t.Errorf("AllEnabledChannels = %+v, want just chan-1", channels)
	}
}

func TestAddActivityAccumulates(t *testing.T) {
	repo := testRepo(t)

	windows := []models.ActivityWindow{
		{ChannelID: "chan-1", BucketStart: 1000, MessageCount: 3},
		{ChannelID: "chan-1", BucketStart: 1060, MessageCount: 2},
	}
	if err := repo.AddActivity(windows); err != nil {
		t.Fatalf("AddActivity: %v", err)
	}
	// Same bucket again: counts add, they do not overwrite.
	if err := repo.AddActivity([]models.ActivityWindow{
		{ChannelID: "chan-1", BucketStart: 1000, MessageCount: 4},
	}); err != nil {
		t.Fatalf("AddActivity (second): %v", err)
	}

	total, err := repo.SumActivity("chan-1", 0, 2000)
	if err != nil {
		t.Fatalf("SumActivity: %v", err)
	}
	if total != 9 {
		t.Errorf("SumActivity = %d, want 9", total)
	}
}

func TestActiveChannels(t *testing.T) {
	repo := testRepo(t)

	err := repo.AddActivity([]models.ActivityWindow{
		{ChannelID: "chan-1", BucketStart: 1000, MessageCount: 1},
		{ChannelID: "chan-1", BucketStart: 1060, MessageCount: 1},
		{ChannelID: "chan-2", BucketStart: 5000, MessageCount: 1},
	})
	if err != nil {
		t.Fatalf("AddActivity: %v", err)
	}

	ids, err := repo.ActiveChannels(0, 2000)
	if err != nil {
		t.Fatalf("ActiveChannels: %v", err)
	}
	if len(ids) != 1 || ids[0] != "chan-1" {
		t.Errorf("ActiveChannels = %v, want [chan-1]", ids)
	}
}

func TestUpsertPatternCellRejectsNonPositiveCount(t *testing.T) {
	repo := testRepo(t)

	err := repo.UpsertPatternCell(&models.PatternCell{
		ChannelID: "chan-1", DayOfWeek: 1, HourOfDay: 10,
		AvgRate: 5, SampleCount: 0,
	})
	if err == nil {
		t.Fatal("expected error for zero sample count")
	}
	if !errs.IsDataIntegrity(err) {
		t.Errorf("error kind = %v, want data integrity", err)
	}
}

func TestGetPatternCellMissingSlot(t *testing.T) {
	repo := testRepo(t)

	cell, err := repo.GetPatternCell("chan-1", 3, 12)
	if err != nil {
		t.Fatalf("GetPatternCell: %v", err)
	}
	if cell.SampleCount != 0 || cell.AvgRate != 0 {
		t.Errorf("missing slot = %+v, want zero cell", *cell)
	}
}

func TestLatestAppliedChange(t *testing.T) {
	repo := testRepo(t)

	change, err := repo.LatestAppliedChange("chan-1")
	if err != nil {
		t.Fatalf("LatestAppliedChange: %v", err)
	}
	if change != nil {
		t.Fatalf("got %+v for a channel with no history, want nil", change)
	}

	for _, c := range []models.SlowmodeChange{
		{ChannelID: "chan-1", NewValue: 5, Applied: true, Timestamp: 100},
		{ChannelID: "chan-1", NewValue: 10, Applied: false, Timestamp: 200},
		{ChannelID: "chan-1", NewValue: 15, Applied: true, Timestamp: 150},
	} {
		rec := c
		if err := repo.RecordSlowmodeChange(&rec); err != nil {
			t.Fatalf("RecordSlowmodeChange: %v", err)
		}
	}

	change, err = repo.LatestAppliedChange("chan-1")
	if err != nil {
		t.Fatalf("LatestAppliedChange: %v", err)
	}
	if change == nil || change.Timestamp != 150 {
		t.Errorf("LatestAppliedChange = %+v, want the applied change at t=150", change)
	}
}

func TestEscalationEffectiveness(t *testing.T) {
	repo := testRepo(t)

	if _, ok, err := repo.EscalationEffectiveness("chan-1", 10); err != nil || ok {
		t.Fatalf("no-history case: ok=%v err=%v, want ok=false", ok, err)
	}

	records := []models.SlowmodeEffectiveness{
		{ChannelID: "chan-1", AppliedAt: 100, Escalation: true, WasEffective: true},
		{ChannelID: "chan-1", AppliedAt: 200, Escalation: true, WasEffective: false},
		{ChannelID: "chan-1", AppliedAt: 300, Escalation: true, WasEffective: true},
		{ChannelID: "chan-1", AppliedAt: 400, Escalation: false, WasEffective: false}, // de-escalation, excluded
	}
	for i := range records {
		if err := repo.RecordEffectiveness(&records[i]); err != nil {
			t.Fatalf("RecordEffectiveness: %v", err)
		}
	}

	score, ok, err := repo.EscalationEffectiveness("chan-1", 10)
	if err != nil {
		t.Fatalf("EscalationEffectiveness: %v", err)
	}
	if !ok {
		t.Fatal("ok = false with escalation history present")
	}
	want := 2.0 / 3.0
	if score < want-1e-9 || score > want+1e-9 {
		t.Errorf("score = %v, want %v", score, want)
	}
}

func TestDeleteGuildData(t *testing.T) {
	repo := testRepo(t)

	if _, err := repo.EnsureChannelConfig("chan-1", "guild-1"); err != nil {
		t.Fatalf("EnsureChannelConfig: %v", err)
	}
	if _, err := repo.EnsureChannelConfig("chan-2", "guild-2"); err != nil {
		t.Fatalf("EnsureChannelConfig: %v", err)
	}

	if err := repo.DeleteGuildData("guild-1"); err != nil {
		t.Fatalf("DeleteGuildData: %v", err)
	}

	channels, err := repo.AllEnabledChannels()
	if err != nil {
		t.Fatalf("AllEnabledChannels: %v", err)
	}
	if len(channels) != 1 || channels[0].GuildID != "guild-2" {
		t.Errorf("remaining channels = %+v, want only guild-2's", channels)
	}
}

func TestCleanupActivity(t *testing.T) {
	repo := testRepo(t)

	err := repo.AddActivity([]models.ActivityWindow{
		{ChannelID: "chan-1", BucketStart: 1000, MessageCount: 5},
		{ChannelID: "chan-1", BucketStart: 9000, MessageCount: 5},
	})
	if err != nil {
		t.Fatalf("AddActivity: %v", err)
	}

	if err := repo.CleanupActivity(5000); err != nil {
		t.Fatalf("CleanupActivity: %v", err)
	}

	total, err := repo.SumActivity("chan-1", 0, 100000)
	if err != nil {
		t.Fatalf("SumActivity: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d after cleanup, want 5 (old bucket removed)", total)
	}
}
