package pattern

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/serenity-bot/serenity/internal/database"
	"github.com/serenity-bot/serenity/internal/errs"
)

// Baseline is the expected message rate for one (channel, weekday, hour)
// slot. Samples == 0 signals "no data"; callers weigh low sample counts down
// through confidence scoring rather than rejecting the baseline.
type Baseline struct {
	AvgRate    float64
	StddevRate float64
	Samples    int64
}

// Model maintains per-channel weekly activity patterns, one running
// mean/variance cell per (channel, weekday, hour).
type Model struct {
	repo *database.Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewModel(repo *database.Repository, log *zap.Logger) *Model {
	return &Model{repo: repo, log: log, now: time.Now}
}

// Observe folds one completed window's rate into the matching cell using the
// online mean/variance update. Impossible samples are discarded, never
// propagated.
func (m *Model) Observe(channelID string, dayOfWeek, hour int, rate float64) error {
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return errs.Newf(errs.KindDataIntegrity, "discarding impossible rate sample %v for channel %s", rate, channelID)
	}
	if dayOfWeek < 0 || dayOfWeek > 6 || hour < 0 || hour > 23 {
		return errs.Newf(errs.KindDataIntegrity, "slot out of range: day=%d hour=%d", dayOfWeek, hour)
	}

	cell, err := m.repo.GetPatternCell(channelID, dayOfWeek, hour)
	if err != nil {
		return err
	}

	avg, stddev, n := Update(cell.AvgRate, cell.StddevRate, cell.SampleCount, rate)
	cell.AvgRate = avg
	cell.StddevRate = stddev
	cell.SampleCount = n
	cell.LastUpdated = m.now().Unix()

	return m.repo.UpsertPatternCell(cell)
}

// Baseline returns the learned expectation for the slot. Slots with no
// history return a zero baseline, not an error.
func (m *Model) Baseline(channelID string, dayOfWeek, hour int) (Baseline, error) {
	cell, err := m.repo.GetPatternCell(channelID, dayOfWeek, hour)
	if err != nil {
		return Baseline{}, err
	}
	return Baseline{
		AvgRate:    cell.AvgRate,
		StddevRate: cell.StddevRate,
		Samples:    cell.SampleCount,
	}, nil
}

// Recalibrate drops every learned cell for a channel. This is the only way
// sample counts ever go down.
func (m *Model) Recalibrate(channelID string) error {
	return m.repo.DeletePatterns(channelID)
}

// Update is Welford's online mean/variance step: it folds value into the
// running (avg, stddev) over n samples without storing raw history.
func Update(avg, stddev float64, n int64, value float64) (float64, float64, int64) {
	newN := n + 1
	newAvg := avg + (value-avg)/float64(newN)

	oldSumSq := stddev * stddev * float64(n)
	newSumSq := oldSumSq + (value-avg)*(value-newAvg)
	newStddev := math.Sqrt(newSumSq / float64(newN))

	return newAvg, newStddev, newN
}
