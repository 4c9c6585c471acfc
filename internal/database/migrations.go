package database

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/serenity-bot/serenity/internal/models"
)

// Migration is one schema step. Versions are applied in ascending order,
// recorded with their applied timestamp and never reapplied.
type Migration struct {
	Version int
	Name    string
	Run     func(tx *gorm.DB) error
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial schema",
		Run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.GuildConfig{},
				&models.ChannelConfig{},
				&models.ActivityWindow{},
				&models.PatternCell{},
				&models.SlowmodeChange{},
				&models.SlowmodeEffectiveness{},
				&models.ChannelAnalytics{},
			)
		},
	},
}

// Migrate runs all pending migrations against db.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.SchemaMigration{}); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	err := db.Model(&models.SchemaMigration{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&current).Error
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.Run(tx); err != nil {
				return err
			}
			return tx.Create(&models.SchemaMigration{
				Version:   m.Version,
				AppliedAt: time.Now().Unix(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}
