package database

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/serenity-bot/serenity/internal/config"
	"github.com/serenity-bot/serenity/internal/errs"
	"github.com/serenity-bot/serenity/internal/models"
)

// Repository handles all persistence for the slowmode engine.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance
func NewRepository() *Repository {
	return &Repository{db: DB}
}

// NewRepositoryWithDB is used by tests to run against their own database.
func NewRepositoryWithDB(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// --- Guild configuration ---

// EnsureGuildConfig returns the guild's config, creating a default row on
// first sight. Safe under concurrent calls: creation is ON CONFLICT DO
// NOTHING, so exactly one row ever exists.
func (r *Repository) EnsureGuildConfig(guildID string) (*models.GuildConfig, error) {
	cfg := models.GuildConfig{
		GuildID:               guildID,
		IsEnabled:             true,
		DefaultThreshold:      config.DefaultThreshold,
		UpdateIntervalSeconds: config.DefaultUpdateIntervalSeconds,
	}
	err := WithRetry(func() error {
		if err := r.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoNothing: true,
		}).Create(&cfg).Error; err != nil {
			return err
		}
		return r.db.Where("guild_id = ?", guildID).First(&cfg).Error
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err)
	}
	return &cfg, nil
}

// UpdateGuildConfig applies partial updates to a guild's config row.
func (r *Repository) UpdateGuildConfig(guildID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if _, err := r.EnsureGuildConfig(guildID); err != nil {
		return err
	}
	return WithRetry(func() error {
		return r.db.Model(&models.GuildConfig{}).
			Where("guild_id = ?", guildID).
			Updates(updates).Error
	})
}

// --- Channel configuration ---

// EnsureChannelConfig returns the channel's config, lazily creating it (and
// its guild's config) with defaults on first sight.
func (r *Repository) EnsureChannelConfig(channelID, guildID string) (*models.ChannelConfig, error) {
	if _, err := r.EnsureGuildConfig(guildID); err != nil {
		return nil, err
	}

	cfg := models.ChannelConfig{
		ChannelID: channelID,
		GuildID:   guildID,
		IsEnabled: true,
		Threshold: nil,
	}
	err := WithRetry(func() error {
		if err := r.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}},
			DoNothing: true,
		}).Create(&cfg).Error; err != nil {
			return err
		}
		return r.db.Where("channel_id = ?", channelID).First(&cfg).Error
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err)
	}
	return &cfg, nil
}

// UpdateChannelConfig applies partial updates to a channel's config row.
func (r *Repository) UpdateChannelConfig(channelID, guildID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if _, err := r.EnsureChannelConfig(channelID, guildID); err != nil {
		return err
	}
	return WithRetry(func() error {
		return r.db.Model(&models.ChannelConfig{}).
			Where("channel_id = ?", channelID).
			Updates(updates).Error
	})
}

// EnabledChannels returns the enabled channel configs for a guild.
func (r *Repository) EnabledChannels(guildID string) ([]models.ChannelConfig, error) {
	var channels []models.ChannelConfig
	err := WithRetry(func() error {
		return r.db.Where("guild_id = ? AND is_enabled = ?", guildID, true).Find(&channels).Error
	})
	return channels, err
}

// AllEnabledChannels returns every enabled channel whose guild is also
// enabled, across all guilds.
func (r *Repository) AllEnabledChannels() ([]models.ChannelConfig, error) {
	var channels []models.ChannelConfig
	err := WithRetry(func() error {
		return r.db.
			Joins("JOIN guild_config ON guild_config.guild_id = channel_config.guild_id").
			Where("channel_config.is_enabled = ? AND guild_config.is_enabled = ?", true, true).
			Find(&channels).Error
	})
	return channels, err
}

// --- Activity windows ---

// AddActivity folds bucket deltas into message_activity. Increments are
// associative, so replays and out-of-order arrivals upsert into the matching
// bucket rather than being rejected.
func (r *Repository) AddActivity(windows []models.ActivityWindow) error {
	if len(windows) == 0 {
		return nil
	}
	return WithRetry(func() error {
		return r.db.Transaction(func(tx *gorm.DB) error {
			for i := range windows {
				w := windows[i]
				if w.MessageCount <= 0 {
					continue
				}
				err := tx.Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "channel_id"}, {Name: "bucket_start"}},
					DoUpdates: clause.Assignments(map[string]any{
						"message_count": gorm.Expr("message_activity.message_count + ?", w.MessageCount),
					}),
				}).Create(&w).Error
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// SumActivity totals persisted message counts for [from, to).
func (r *Repository) SumActivity(channelID string, from, to int64) (int64, error) {
	var total int64
	err := WithRetry(func() error {
		return r.db.Model(&models.ActivityWindow{}).
			Where("channel_id = ? AND bucket_start >= ? AND bucket_start < ?", channelID, from, to).
			Select("COALESCE(SUM(message_count), 0)").
			Scan(&total).Error
	})
	return total, err
}

// ActiveChannels returns the distinct channels with recorded activity in
// [from, to).
func (r *Repository) ActiveChannels(from, to int64) ([]string, error) {
	var ids []string
	err := WithRetry(func() error {
		return r.db.Model(&models.ActivityWindow{}).
			Where("bucket_start >= ? AND bucket_start < ?", from, to).
			Distinct("channel_id").
			Pluck("channel_id", &ids).Error
	})
	return ids, err
}

// CleanupActivity removes buckets older than cutoff.
func (r *Repository) CleanupActivity(cutoff int64) error {
	return WithRetry(func() error {
		return r.db.Delete(&models.ActivityWindow{}, "bucket_start < ?", cutoff).Error
	})
}

// --- Pattern cells ---

// GetPatternCell returns the cell for (channel, dow, hour). A slot with no
// history yields a zero cell with SampleCount 0, not an error.
func (r *Repository) GetPatternCell(channelID string, dayOfWeek, hour int) (*models.PatternCell, error) {
	cell := models.PatternCell{
		ChannelID: channelID,
		DayOfWeek: dayOfWeek,
		HourOfDay: hour,
	}
	err := WithRetry(func() error {
		result := r.db.Where(
			"channel_id = ? AND day_of_week = ? AND hour_of_day = ?",
			channelID, dayOfWeek, hour,
		).First(&cell)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			cell.AvgRate = 0
			cell.StddevRate = 0
			cell.SampleCount = 0
			return nil
		}
		return result.Error
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err)
	}
	return &cell, nil
}

// UpsertPatternCell writes the cell. The sample count is written as given;
// the pattern model is the only writer and only ever increments it.
func (r *Repository) UpsertPatternCell(cell *models.PatternCell) error {
	if cell.SampleCount <= 0 {
		return errs.Newf(errs.KindDataIntegrity, "pattern cell for channel %s has non-positive sample count %d",
			cell.ChannelID, cell.SampleCount)
	}
	return WithRetry(func() error {
		return r.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "channel_id"}, {Name: "day_of_week"}, {Name: "hour_of_day"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"avg_rate", "stddev_rate", "sample_count", "last_updated",
			}),
		}).Create(cell).Error
	})
}

// DeletePatterns drops all cells for a channel (explicit recalibration).
func (r *Repository) DeletePatterns(channelID string) error {
	return WithRetry(func() error {
		return r.db.Delete(&models.PatternCell{}, "channel_id = ?", channelID).Error
	})
}

// --- Slowmode changes ---

// RecordSlowmodeChange appends one audit entry and returns it with its ID set.
func (r *Repository) RecordSlowmodeChange(change *models.SlowmodeChange) error {
	return WithRetry(func() error {
		return r.db.Create(change).Error
	})
}

// RecentChanges returns the most recent change records, newest first.
func (r *Repository) RecentChanges(channelID string, limit int) ([]models.SlowmodeChange, error) {
	var changes []models.SlowmodeChange
	err := WithRetry(func() error {
		return r.db.Where("channel_id = ?", channelID).
			Order("timestamp DESC").
			Limit(limit).
			Find(&changes).Error
	})
	return changes, err
}

// LatestAppliedChange returns the newest applied change for a channel, or
// (nil, nil) when there is none.
func (r *Repository) LatestAppliedChange(channelID string) (*models.SlowmodeChange, error) {
	var change models.SlowmodeChange
	err := WithRetry(func() error {
		result := r.db.Where("channel_id = ? AND applied = ?", channelID, true).
			Order("timestamp DESC").
			First(&change)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return result.Error
	})
	if err != nil {
		return nil, err
	}
	if change.ID == 0 {
		return nil, nil
	}
	return &change, nil
}

// SlowmodeStats returns average and max of applied new values over [from, to),
// for the analytics rollup.
func (r *Repository) SlowmodeStats(channelID string, from, to int64) (float64, int, error) {
	type row struct {
		AvgValue float64
		MaxValue int
	}
	var res row
	err := WithRetry(func() error {
		return r.db.Model(&models.SlowmodeChange{}).
			Where("channel_id = ? AND applied = ? AND timestamp >= ? AND timestamp < ?",
				channelID, true, from, to).
			Select("COALESCE(AVG(new_value), 0) AS avg_value, COALESCE(MAX(new_value), 0) AS max_value").
			Scan(&res).Error
	})
	return res.AvgValue, res.MaxValue, err
}

// --- Effectiveness ---

func (r *Repository) RecordEffectiveness(rec *models.SlowmodeEffectiveness) error {
	return WithRetry(func() error {
		return r.db.Create(rec).Error
	})
}

// EscalationEffectiveness returns the fraction of the last n escalations on
// this channel that achieved their intended effect. ok is false when no
// escalation history exists.
func (r *Repository) EscalationEffectiveness(channelID string, n int) (float64, bool, error) {
	var records []models.SlowmodeEffectiveness
	err := WithRetry(func() error {
		return r.db.Where("channel_id = ? AND escalation = ?", channelID, true).
			Order("applied_at DESC").
			Limit(n).
			Find(&records).Error
	})
	if err != nil || len(records) == 0 {
		return 0, false, err
	}
	effective := 0
	for _, rec := range records {
		if rec.WasEffective {
			effective++
		}
	}
	return float64(effective) / float64(len(records)), true, nil
}

func (r *Repository) CleanupEffectiveness(cutoff int64) error {
	return WithRetry(func() error {
		return r.db.Delete(&models.SlowmodeEffectiveness{}, "applied_at < ?", cutoff).Error
	})
}

// --- Analytics ---

// UpsertAnalytics writes one hourly rollup row. Idempotent per
// (channel, hour): re-running with unchanged inputs produces the same row.
func (r *Repository) UpsertAnalytics(row *models.ChannelAnalytics) error {
	return WithRetry(func() error {
		return r.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}, {Name: "hour_timestamp"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_messages", "unique_users", "avg_slowmode", "max_slowmode",
			}),
		}).Create(row).Error
	})
}

// GetAnalytics returns hourly rollups newer than cutoff, newest first.
func (r *Repository) GetAnalytics(channelID string, cutoff int64) ([]models.ChannelAnalytics, error) {
	var rows []models.ChannelAnalytics
	err := WithRetry(func() error {
		return r.db.Where("channel_id = ? AND hour_timestamp >= ?", channelID, cutoff).
			Order("hour_timestamp DESC").
			Find(&rows).Error
	})
	return rows, err
}

func (r *Repository) GetAnalyticsRow(channelID string, hourTimestamp int64) (*models.ChannelAnalytics, error) {
	var row models.ChannelAnalytics
	err := WithRetry(func() error {
		result := r.db.Where("channel_id = ? AND hour_timestamp = ?", channelID, hourTimestamp).
			First(&row)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return result.Error
	})
	if err != nil {
		return nil, err
	}
	if row.ChannelID == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *Repository) CleanupAnalytics(cutoff int64) error {
	return WithRetry(func() error {
		return r.db.Delete(&models.ChannelAnalytics{}, "hour_timestamp < ?", cutoff).Error
	})
}

// DeleteGuildData removes config rows when the bot leaves a guild. History
// tables are left to retention cleanup.
func (r *Repository) DeleteGuildData(guildID string) error {
	return WithRetry(func() error {
		return r.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Delete(&models.ChannelConfig{}, "guild_id = ?", guildID).Error; err != nil {
				return err
			}
			return tx.Delete(&models.GuildConfig{}, "guild_id = ?", guildID).Error
		})
	})
}
