package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serenity-bot/serenity/internal/database"
	"github.com/serenity-bot/serenity/internal/models"
)

// RateSource supplies live message rates; satisfied by the activity recorder.
type RateSource interface {
	CurrentRate(channelID string, windowSeconds int) float64
}

// Tracker arms one-shot observations after applied slowmode changes and
// records whether each change achieved its intended effect. Disabling a
// channel cancels its pending observations without losing written history.
type Tracker struct {
	repo          *database.Repository
	rates         RateSource
	log           *zap.Logger
	minimalEffect float64

	mu        sync.Mutex
	timers    map[int64]*time.Timer
	byChannel map[string]map[int64]struct{}
	closed    bool

	now func() time.Time
}

func NewTracker(repo *database.Repository, rates RateSource, log *zap.Logger, minimalEffect float64) *Tracker {
	return &Tracker{
		repo:          repo,
		rates:         rates,
		log:           log,
		minimalEffect: minimalEffect,
		timers:        make(map[int64]*time.Timer),
		byChannel:     make(map[string]map[int64]struct{}),
		now:           time.Now,
	}
}

// Schedule arms a deferred effectiveness check for an applied change.
// rateBefore is the rate captured at decision time.
func (t *Tracker) Schedule(change models.SlowmodeChange, rateBefore float64, horizon time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	id := change.ID
	escalation := change.NewValue > change.OldValue

	t.timers[id] = time.AfterFunc(horizon, func() {
		t.observe(change, escalation, rateBefore, horizon)
	})
	if _, ok := t.byChannel[change.ChannelID]; !ok {
		t.byChannel[change.ChannelID] = make(map[int64]struct{})
	}
	t.byChannel[change.ChannelID][id] = struct{}{}
}

// CancelChannel drops every pending observation for the channel.
func (t *Tracker) CancelChannel(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.byChannel[channelID] {
		if timer, ok := t.timers[id]; ok {
			timer.Stop()
			delete(t.timers, id)
		}
	}
	delete(t.byChannel, channelID)
}

// Close cancels all pending observations.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.byChannel = make(map[string]map[int64]struct{})
}

func (t *Tracker) observe(change models.SlowmodeChange, escalation bool, rateBefore float64, horizon time.Duration) {
	t.mu.Lock()
	delete(t.timers, change.ID)
	if ids, ok := t.byChannel[change.ChannelID]; ok {
		delete(ids, change.ID)
	}
	t.mu.Unlock()

	horizonSeconds := int(horizon / time.Second)
	rateAfter := t.rates.CurrentRate(change.ChannelID, horizonSeconds)
	effective := Outcome(escalation, rateBefore, rateAfter, t.minimalEffect)

	rec := &models.SlowmodeEffectiveness{
		ChannelID:       change.ChannelID,
		AppliedAt:       change.Timestamp,
		SlowmodeValue:   change.NewValue,
		RateBefore:      rateBefore,
		RateAfter:       rateAfter,
		DurationSeconds: horizonSeconds,
		Escalation:      escalation,
		WasEffective:    effective,
	}
	if err := t.repo.RecordEffectiveness(rec); err != nil {
		t.log.Warn("recording effectiveness failed",
			zap.String("channel_id", change.ChannelID),
			zap.Int64("change_id", change.ID),
			zap.Error(err))
		return
	}

	t.log.Info("effectiveness observed",
		zap.String("channel_id", change.ChannelID),
		zap.Bool("escalation", escalation),
		zap.Float64("rate_before", rateBefore),
		zap.Float64("rate_after", rateAfter),
		zap.Bool("was_effective", effective))
}

// Outcome reports whether the rate moved in the change's intended direction
// by at least the minimal-effect fraction. Escalations intend the rate down;
// de-escalations intend recovery up.
func Outcome(escalation bool, rateBefore, rateAfter, minimalEffect float64) bool {
	if escalation {
		return rateBefore > 0 && rateAfter <= rateBefore*(1-minimalEffect)
	}
	if rateBefore == 0 {
		return rateAfter > 0
	}
	return rateAfter >= rateBefore*(1+minimalEffect)
}
