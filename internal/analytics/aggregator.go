package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/serenity-bot/serenity/internal/database"
	"github.com/serenity-bot/serenity/internal/models"
)

// UserSource reports distinct posters per hour; satisfied by the activity
// recorder.
type UserSource interface {
	UniqueUsers(channelID string, hourStart int64) int
}

// Config holds rollup and retention tunables.
type Config struct {
	ActivityRetention  time.Duration
	AnalyticsRetention time.Duration
}

// Aggregator recomputes hourly ChannelAnalytics rows from raw activity and
// slowmode history. It is a read-only consumer of that history: the control
// loop never consults its output.
type Aggregator struct {
	repo  *database.Repository
	users UserSource
	log   *zap.Logger
	cfg   Config
	now   func() time.Time
}

func NewAggregator(repo *database.Repository, users UserSource, log *zap.Logger, cfg Config) *Aggregator {
	return &Aggregator{repo: repo, users: users, log: log, cfg: cfg, now: time.Now}
}

// Rollup recomputes the analytics row for (channel, hour) from stored
// history. Pure function of that history plus the in-memory unique-user set;
// safe to re-run, the upsert is idempotent.
func (a *Aggregator) Rollup(channelID string, hourStart int64) error {
	hourEnd := hourStart + 3600

	total, err := a.repo.SumActivity(channelID, hourStart, hourEnd)
	if err != nil {
		return err
	}

	avgSlowmode, maxSlowmode, err := a.repo.SlowmodeStats(channelID, hourStart, hourEnd)
	if err != nil {
		return err
	}

	row := &models.ChannelAnalytics{
		ChannelID:     channelID,
		HourTimestamp: hourStart,
		TotalMessages: total,
		UniqueUsers:   a.users.UniqueUsers(channelID, hourStart),
		AvgSlowmode:   avgSlowmode,
		MaxSlowmode:   maxSlowmode,
	}
	return a.repo.UpsertAnalytics(row)
}

// Run rolls up each completed hour and applies retention until ctx is
// cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.RollupCompletedHour()
			a.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// RollupCompletedHour rolls up the most recently completed hour for every
// channel that had activity in it.
func (a *Aggregator) RollupCompletedHour() {
	hourEnd := a.now().UTC().Truncate(time.Hour).Unix()
	hourStart := hourEnd - 3600

	channels, err := a.repo.ActiveChannels(hourStart, hourEnd)
	if err != nil {
		a.log.Error("analytics: listing active channels failed", zap.Error(err))
		return
	}

	rolled := 0
	for _, channelID := range channels {
		if err := a.Rollup(channelID, hourStart); err != nil {
			a.log.Warn("analytics rollup failed",
				zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		rolled++
	}
	if rolled > 0 {
		a.log.Info("analytics rollup complete", zap.Int("channels", rolled))
	}
}

func (a *Aggregator) cleanup() {
	now := a.now().Unix()

	if err := a.repo.CleanupActivity(now - int64(a.cfg.ActivityRetention/time.Second)); err != nil {
		a.log.Warn("activity cleanup failed", zap.Error(err))
	}
	analyticsCutoff := now - int64(a.cfg.AnalyticsRetention/time.Second)
	if err := a.repo.CleanupAnalytics(analyticsCutoff); err != nil {
		a.log.Warn("analytics cleanup failed", zap.Error(err))
	}
	if err := a.repo.CleanupEffectiveness(analyticsCutoff); err != nil {
		a.log.Warn("effectiveness cleanup failed", zap.Error(err))
	}
}
