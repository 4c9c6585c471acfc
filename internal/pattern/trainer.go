package pattern

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/serenity-bot/serenity/internal/database"
)

// Trainer folds each completed hour of recorded activity into the pattern
// model, building the per-slot profile of "normal" the decision engine
// compares against.
type Trainer struct {
	repo  *database.Repository
	model *Model
	log   *zap.Logger
	now   func() time.Time
}

func NewTrainer(repo *database.Repository, model *Model, log *zap.Logger) *Trainer {
	return &Trainer{repo: repo, model: model, log: log, now: time.Now}
}

// Run trains on every completed hour until ctx is cancelled.
func (t *Trainer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.TrainCompletedHour()
		case <-ctx.Done():
			return
		}
	}
}

// TrainCompletedHour observes the most recently completed hour for every
// channel that had activity in it.
func (t *Trainer) TrainCompletedHour() {
	now := t.now().UTC()
	hourEnd := now.Truncate(time.Hour)
	hourStart := hourEnd.Add(-time.Hour)

	dayOfWeek := int(hourStart.Weekday())
	hour := hourStart.Hour()

	channels, err := t.repo.ActiveChannels(hourStart.Unix(), hourEnd.Unix())
	if err != nil {
		t.log.Error("pattern training: listing active channels failed", zap.Error(err))
		return
	}

	trained := 0
	for _, channelID := range channels {
		total, err := t.repo.SumActivity(channelID, hourStart.Unix(), hourEnd.Unix())
		if err != nil {
			t.log.Warn("pattern training: summing activity failed",
				zap.String("channel_id", channelID), zap.Error(err))
			continue
		}

		rate := float64(total) / 60.0 // messages per minute over the hour
		if err := t.model.Observe(channelID, dayOfWeek, hour, rate); err != nil {
			t.log.Warn("pattern training: observe failed",
				zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		trained++
	}

	if trained > 0 {
		t.log.Info("pattern training complete",
			zap.Int("channels", trained),
			zap.Int("day_of_week", dayOfWeek),
			zap.Int("hour", hour))
	}
}
