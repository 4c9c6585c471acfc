package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/serenity-bot/serenity/internal/pattern"
)

// epsilon floors the stddev in the deviation so flat baselines don't blow up
// the z-score.
const epsilon = 0.5

type Action int

const (
	ActionHold Action = iota
	ActionEscalate
	ActionDeescalate
)

func (a Action) String() string {
	switch a {
	case ActionEscalate:
		return "escalate"
	case ActionDeescalate:
		return "de-escalate"
	default:
		return "hold"
	}
}

// PolicyConfig holds the decision policy tunables.
type PolicyConfig struct {
	// Sensitivity is the k in the avg + k*stddev escalation trigger.
	Sensitivity float64
	// ConfidenceFloor is the sample count at which historical confidence
	// saturates.
	ConfidenceFloor int
	// MinConfidence is the acceptance bar an escalation must clear.
	MinConfidence float64
	// Cooldown is the hysteresis window: a channel is never changed twice
	// within it.
	Cooldown time.Duration
	// CalmTicks is how many consecutive below-baseline ticks precede a
	// de-escalation.
	CalmTicks int
	// MaxSlowmode bounds escalation (config-bounded, at most the platform
	// maximum of 21600).
	MaxSlowmode int
}

// Input is everything one decision needs. The effectiveness feedback arrives
// here as an explicit field rather than hidden state, keeping Evaluate pure.
type Input struct {
	CurrentRate float64
	// LongRate is the rate over the longer velocity window, msgs/min.
	LongRate float64
	Baseline pattern.Baseline
	// Threshold acts as a floor override: escalation requires exceeding both
	// it and the baseline trigger.
	Threshold       float64
	CurrentSlowmode int
	// SinceLastChange is the time since the last applied change; pass a
	// large value when the channel has never been changed.
	SinceLastChange time.Duration
	// CalmStreak counts consecutive ticks (including this one) with the rate
	// below the calm bound.
	CalmStreak int
	// Effectiveness is the recent escalation success ratio in [0,1];
	// 0.5 is neutral (no history).
	Effectiveness float64
}

// Decision is the policy outcome for one tick.
type Decision struct {
	Action     Action
	NewValue   int
	Confidence float64
	Deviation  float64
	Reason     string
}

// IsCalm reports whether the current rate sits below the de-escalation
// bound: the learned baseline when one exists, otherwise half the threshold.
func IsCalm(in Input) bool {
	return in.CurrentRate < calmBound(in)
}

func calmBound(in Input) float64 {
	bound := in.Threshold / 2
	if in.Baseline.Samples > 0 && in.Baseline.AvgRate > bound {
		bound = in.Baseline.AvgRate
	}
	return bound
}

// Evaluate runs the decision policy for one channel tick. It is a pure
// function of its inputs.
func Evaluate(in Input, cfg PolicyConfig) Decision {
	deviation := (in.CurrentRate - in.Baseline.AvgRate) / math.Max(in.Baseline.StddevRate, epsilon)
	confidence := confidenceScore(in, cfg, deviation)

	d := Decision{
		Action:     ActionHold,
		NewValue:   in.CurrentSlowmode,
		Confidence: confidence,
		Deviation:  deviation,
	}

	// Hysteresis: a fresh change is not revisited until the cooldown lapses.
	if in.SinceLastChange < cfg.Cooldown {
		d.Reason = fmt.Sprintf("cooldown active (%.0fs remaining)",
			(cfg.Cooldown - in.SinceLastChange).Seconds())
		return d
	}

	trigger := math.Max(in.Threshold, in.Baseline.AvgRate+cfg.Sensitivity*in.Baseline.StddevRate)
	if in.Baseline.Samples == 0 {
		// No history to judge against: require a clear breach of the static
		// threshold alone.
		trigger = 2 * in.Threshold
	}

	if in.CurrentRate > trigger && confidence >= cfg.MinConfidence {
		next := NextTier(in.CurrentSlowmode, cfg.MaxSlowmode)
		if next != in.CurrentSlowmode {
			d.Action = ActionEscalate
			d.NewValue = next
			d.Reason = escalateReason(in, deviation)
			return d
		}
		d.Reason = "rate elevated but slowmode already at configured maximum"
		return d
	}

	if in.CurrentSlowmode > 0 && in.CalmStreak >= cfg.CalmTicks && IsCalm(in) {
		d.Action = ActionDeescalate
		d.NewValue = PrevTier(in.CurrentSlowmode)
		d.Reason = fmt.Sprintf("rate %.1f msg/min below baseline %.1f for %d ticks",
			in.CurrentRate, calmBound(in), in.CalmStreak)
		return d
	}

	d.Reason = "within normal bounds"
	return d
}

// confidenceScore combines sample depth and deviation magnitude, then scales
// by the effectiveness feedback. More history and larger deviation both raise
// confidence; a run of ineffective escalations lowers it.
func confidenceScore(in Input, cfg PolicyConfig, deviation float64) float64 {
	var confidence float64
	if in.Baseline.Samples == 0 {
		// Threshold-only path, capped low until history accumulates.
		if in.Threshold > 0 && in.CurrentRate > in.Threshold {
			confidence = math.Min(0.5, (in.CurrentRate/in.Threshold-1)/2)
		}
	} else {
		weight := math.Min(1, float64(in.Baseline.Samples)/float64(cfg.ConfidenceFloor))
		saturation := math.Abs(deviation) / (math.Abs(deviation) + 1)
		confidence = weight * saturation
	}

	// Sudden acceleration against the longer window is a secondary signal.
	if in.LongRate > 0 && in.CurrentRate > 2*in.LongRate {
		confidence = math.Min(1, confidence+0.1)
	}

	confidence *= 0.5 + in.Effectiveness
	return math.Max(0, math.Min(1, confidence))
}

func escalateReason(in Input, deviation float64) string {
	if in.Baseline.Samples == 0 {
		return fmt.Sprintf("rate %.1f msg/min exceeds threshold %.0f with no learned baseline",
			in.CurrentRate, in.Threshold)
	}
	reason := fmt.Sprintf("rate %.1f msg/min exceeds threshold %.0f (baseline %.1f±%.1f, n=%d, deviation %.1f)",
		in.CurrentRate, in.Threshold, in.Baseline.AvgRate, in.Baseline.StddevRate,
		in.Baseline.Samples, deviation)
	if in.LongRate > 0 && in.CurrentRate > 2*in.LongRate {
		reason += fmt.Sprintf(", accelerating from %.1f msg/min", in.LongRate)
	}
	return reason
}
