package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serenity-bot/serenity/internal/database"
	"github.com/serenity-bot/serenity/internal/errs"
	"github.com/serenity-bot/serenity/internal/models"
	"github.com/serenity-bot/serenity/internal/pattern"
)

// Platform is the only mutation surface the engine has on the chat platform.
type Platform interface {
	CurrentSlowmode(channelID string) (int, error)
	SetSlowmode(ctx context.Context, channelID string, seconds int) error
}

// Config carries the engine tunables beyond the decision policy itself.
type Config struct {
	Policy PolicyConfig
	// VelocityWindowSeconds is the long window for the acceleration signal.
	VelocityWindowSeconds int
	// EffectivenessWindow is how many recent escalations feed the
	// effectiveness score.
	EffectivenessWindow int
	// Horizon is how long after an applied change its effect is observed.
	Horizon time.Duration
	// ReconcileInterval is how often channel loops are reconciled against
	// stored config.
	ReconcileInterval time.Duration
}

// Engine runs the per-channel decision loop: compare live rate against the
// learned baseline and the configured threshold, and move slowmode one tier
// at a time with hysteresis.
type Engine struct {
	repo     *database.Repository
	recorder RateSource
	model    *pattern.Model
	tracker  *Tracker
	platform Platform
	log      *zap.Logger
	cfg      Config

	scheduler *Scheduler

	mu    sync.Mutex
	state map[string]*channelState

	now func() time.Time
}

type channelState struct {
	id           string
	lastChangeAt time.Time
	lastLoaded   bool
	calmStreak   int
}

func New(repo *database.Repository, recorder RateSource, model *pattern.Model, tracker *Tracker, platform Platform, log *zap.Logger, cfg Config) *Engine {
	e := &Engine{
		repo:     repo,
		recorder: recorder,
		model:    model,
		tracker:  tracker,
		platform: platform,
		log:      log,
		cfg:      cfg,
		state:    make(map[string]*channelState),
		now:      time.Now,
	}
	e.scheduler = NewScheduler(e.Tick, log)
	return e
}

// Run reconciles per-channel timer loops against stored config until ctx is
// cancelled, then tears everything down.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	e.reconcile(ctx)
	for {
		select {
		case <-ticker.C:
			e.reconcile(ctx)
		case <-ctx.Done():
			e.scheduler.StopAll()
			e.tracker.Close()
			return
		}
	}
}

// reconcile starts loops for enabled channels, applies interval changes and
// stops loops for channels or guilds that were disabled. Config edits take
// effect here, on the next pass, never retroactively.
func (e *Engine) reconcile(ctx context.Context) {
	channels, err := e.repo.AllEnabledChannels()
	if err != nil {
		e.log.Error("reconcile: listing enabled channels failed", zap.Error(err))
		return
	}

	intervals := make(map[string]time.Duration)
	active := make(map[string]bool, len(channels))
	for _, ch := range channels {
		interval, ok := intervals[ch.GuildID]
		if !ok {
			gcfg, err := e.repo.EnsureGuildConfig(ch.GuildID)
			if err != nil {
				e.log.Warn("reconcile: loading guild config failed",
					zap.String("guild_id", ch.GuildID), zap.Error(err))
				continue
			}
			interval = time.Duration(gcfg.UpdateIntervalSeconds) * time.Second
			intervals[ch.GuildID] = interval
		}
		active[ch.ChannelID] = true
		e.scheduler.Ensure(ctx, ch.ChannelID, ch.GuildID, interval)
	}

	e.scheduler.Retain(active)
	for channelID := range e.channelsWithState() {
		if !active[channelID] {
			e.tracker.CancelChannel(channelID)
		}
	}
}

// Tick runs one decision pass for a channel. A failure is isolated to this
// channel; the scheduler backs its loop off without touching any other.
func (e *Engine) Tick(ctx context.Context, channelID, guildID string) error {
	gcfg, err := e.repo.EnsureGuildConfig(guildID)
	if err != nil {
		return err
	}
	if !gcfg.IsEnabled {
		return nil
	}

	ccfg, err := e.repo.EnsureChannelConfig(channelID, guildID)
	if err != nil {
		return err
	}
	if !ccfg.IsEnabled {
		return nil
	}

	threshold := float64(gcfg.DefaultThreshold)
	if ccfg.Threshold != nil {
		threshold = float64(*ccfg.Threshold)
	}

	window := gcfg.UpdateIntervalSeconds
	if window < 60 {
		window = 60
	}
	rate := e.recorder.CurrentRate(channelID, window)
	longRate := e.recorder.CurrentRate(channelID, e.cfg.VelocityWindowSeconds)

	now := e.now().UTC()
	baseline, err := e.model.Baseline(channelID, int(now.Weekday()), now.Hour())
	if err != nil {
		return err
	}

	effectiveness := 0.5
	if score, ok, err := e.repo.EscalationEffectiveness(channelID, e.cfg.EffectivenessWindow); err == nil && ok {
		effectiveness = score
	}

	current, err := e.platform.CurrentSlowmode(channelID)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, err)
	}

	st := e.channelState(channelID)

	in := Input{
		CurrentRate:     rate,
		LongRate:        longRate,
		Baseline:        baseline,
		Threshold:       threshold,
		CurrentSlowmode: current,
		SinceLastChange: e.sinceLastChange(st, now),
		Effectiveness:   effectiveness,
	}
	if IsCalm(in) {
		st.calmStreak++
	} else {
		st.calmStreak = 0
	}
	in.CalmStreak = st.calmStreak

	decision := Evaluate(in, e.cfg.Policy)
	if decision.Action == ActionHold {
		e.log.Debug("holding slowmode",
			zap.String("channel_id", channelID),
			zap.Float64("rate", rate),
			zap.String("reason", decision.Reason))
		return nil
	}

	applyErr := e.platform.SetSlowmode(ctx, channelID, decision.NewValue)

	change := &models.SlowmodeChange{
		ChannelID:   channelID,
		OldValue:    current,
		NewValue:    decision.NewValue,
		Reason:      decision.Reason,
		MessageRate: rate,
		Confidence:  decision.Confidence,
		Applied:     applyErr == nil,
		Timestamp:   now.Unix(),
	}
	if applyErr != nil {
		change.Reason = fmt.Sprintf("%s; apply failed: %v", decision.Reason, applyErr)
	}
	if err := e.repo.RecordSlowmodeChange(change); err != nil {
		return err
	}

	if applyErr != nil {
		// Tier not advanced: cooldown state is untouched, so the next tick
		// may retry.
		return errs.Wrap(errs.KindPlatformMutation, applyErr)
	}

	st.lastChangeAt = now
	st.calmStreak = 0
	e.tracker.Schedule(*change, rate, e.cfg.Horizon)

	e.log.Info("slowmode updated",
		zap.String("channel_id", channelID),
		zap.String("guild_id", guildID),
		zap.String("action", decision.Action.String()),
		zap.Int("old", current),
		zap.Int("new", decision.NewValue),
		zap.Float64("rate", rate),
		zap.Float64("confidence", decision.Confidence),
		zap.String("reason", decision.Reason))
	return nil
}

// Scheduler exposes the per-channel loop registry.
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Recalibrate discards a channel's learned baseline. The next ticks fall back
// to threshold-only decisions while the pattern retrains.
func (e *Engine) Recalibrate(channelID string) error {
	return e.model.Recalibrate(channelID)
}

// sinceLastChange rebuilds cooldown state from the audit log on first access
// so restarts don't forget a fresh change.
func (e *Engine) sinceLastChange(st *channelState, now time.Time) time.Duration {
	if !st.lastLoaded {
		st.lastLoaded = true
		// st is only touched from this channel's sequential tick loop, so
		// the lookup happens at most once.
		if change, err := e.repo.LatestAppliedChange(st.id); err == nil && change != nil {
			st.lastChangeAt = time.Unix(change.Timestamp, 0)
		}
	}
	if st.lastChangeAt.IsZero() {
		return 24 * time.Hour
	}
	return now.Sub(st.lastChangeAt)
}

func (e *Engine) channelState(channelID string) *channelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[channelID]
	if !ok {
		st = &channelState{id: channelID}
		e.state[channelID] = st
	}
	return st
}

func (e *Engine) channelsWithState() map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]struct{}, len(e.state))
	for id := range e.state {
		out[id] = struct{}{}
	}
	return out
}
