package models

type GuildConfig struct {
	GuildID               string `gorm:"primaryKey;column:guild_id"`
	IsEnabled             bool   `gorm:"column:is_enabled"`
	DefaultThreshold      int    `gorm:"column:default_threshold"`
	UpdateIntervalSeconds int    `gorm:"column:update_interval_seconds"`
}

func (GuildConfig) TableName() string {
	return "guild_config"
}

// ChannelConfig overrides guild defaults per channel. A nil Threshold means
// "inherit the guild default".
type ChannelConfig struct {
	ChannelID string `gorm:"primaryKey;column:channel_id"`
	GuildID   string `gorm:"column:guild_id;index"`
	IsEnabled bool   `gorm:"column:is_enabled"`
	Threshold *int   `gorm:"column:threshold"`
}

func (ChannelConfig) TableName() string {
	return "channel_config"
}

// ActivityWindow is one fixed-width counting bucket for a channel.
type ActivityWindow struct {
	ChannelID    string `gorm:"primaryKey;column:channel_id"`
	BucketStart  int64  `gorm:"primaryKey;column:bucket_start"`
	MessageCount int64  `gorm:"column:message_count"`
}

func (ActivityWindow) TableName() string {
	return "message_activity"
}

// PatternCell holds the running mean/variance of message rate for one
// (channel, weekday, hour) slot. 168 possible cells per channel.
type PatternCell struct {
	ChannelID   string  `gorm:"primaryKey;column:channel_id"`
	DayOfWeek   int     `gorm:"primaryKey;column:day_of_week"`
	HourOfDay   int     `gorm:"primaryKey;column:hour_of_day"`
	AvgRate     float64 `gorm:"column:avg_rate"`
	StddevRate  float64 `gorm:"column:stddev_rate"`
	SampleCount int64   `gorm:"column:sample_count"`
	LastUpdated int64   `gorm:"column:last_updated"`
}

func (PatternCell) TableName() string {
	return "channel_patterns"
}

// SlowmodeChange is the append-only audit log of applied (and attempted)
// slowmode decisions.
type SlowmodeChange struct {
	ID          int64   `gorm:"primaryKey;autoIncrement;column:id"`
	ChannelID   string  `gorm:"column:channel_id;index"`
	OldValue    int     `gorm:"column:old_value"`
	NewValue    int     `gorm:"column:new_value"`
	Reason      string  `gorm:"column:reason"`
	MessageRate float64 `gorm:"column:message_rate"`
	Confidence  float64 `gorm:"column:confidence"`
	Applied     bool    `gorm:"column:applied"`
	Timestamp   int64   `gorm:"column:timestamp"`
}

func (SlowmodeChange) TableName() string {
	return "slowmode_changes"
}

type SlowmodeEffectiveness struct {
	ID              int64   `gorm:"primaryKey;autoIncrement;column:id"`
	ChannelID       string  `gorm:"column:channel_id;index"`
	AppliedAt       int64   `gorm:"column:applied_at"`
	SlowmodeValue   int     `gorm:"column:slowmode_value"`
	RateBefore      float64 `gorm:"column:rate_before"`
	RateAfter       float64 `gorm:"column:rate_after"`
	DurationSeconds int     `gorm:"column:duration_seconds"`
	Escalation      bool    `gorm:"column:escalation"`
	WasEffective    bool    `gorm:"column:was_effective"`
}

func (SlowmodeEffectiveness) TableName() string {
	return "slowmode_effectiveness"
}

// ChannelAnalytics is a derived hourly rollup, recomputable from
// ActivityWindow and SlowmodeChange rows.
type ChannelAnalytics struct {
	ChannelID     string  `gorm:"primaryKey;column:channel_id"`
	HourTimestamp int64   `gorm:"primaryKey;column:hour_timestamp"`
	TotalMessages int64   `gorm:"column:total_messages"`
	UniqueUsers   int     `gorm:"column:unique_users"`
	AvgSlowmode   float64 `gorm:"column:avg_slowmode"`
	MaxSlowmode   int     `gorm:"column:max_slowmode"`
}

func (ChannelAnalytics) TableName() string {
	return "channel_analytics"
}

type SchemaMigration struct {
	Version   int   `gorm:"primaryKey;column:version"`
	AppliedAt int64 `gorm:"column:applied_at"`
}

func (SchemaMigration) TableName() string {
	return "schema_migrations"
}
