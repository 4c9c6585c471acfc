package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickFunc runs one decision pass for a channel.
type TickFunc func(ctx context.Context, channelID, guildID string) error

// Scheduler owns one timer loop per monitored channel, keyed by channel ID.
// Loops run concurrently and independently; within a channel ticks are
// strictly sequential because each loop is a single goroutine. Failing loops
// back off exponentially without delaying any other channel.
type Scheduler struct {
	tick TickFunc
	log  *zap.Logger

	mu    sync.Mutex
	loops map[string]*loop
	wg    sync.WaitGroup
}

type loop struct {
	channelID string
	guildID   string
	interval  time.Duration
	cancel    context.CancelFunc
}

func NewScheduler(tick TickFunc, log *zap.Logger) *Scheduler {
	return &Scheduler{
		tick:  tick,
		log:   log,
		loops: make(map[string]*loop),
	}
}

// Ensure starts a loop for the channel, or restarts it when the interval
// changed. Existing loops with the same interval are left alone.
func (s *Scheduler) Ensure(ctx context.Context, channelID, guildID string, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.loops[channelID]; ok {
		if l.interval == interval {
			return
		}
		l.cancel()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{channelID: channelID, guildID: guildID, interval: interval, cancel: cancel}
	s.loops[channelID] = l

	s.wg.Add(1)
	go s.run(loopCtx, l)
}

// Stop cancels the channel's loop, if any.
func (s *Scheduler) Stop(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loops[channelID]; ok {
		l.cancel()
		delete(s.loops, channelID)
	}
}

// Retain stops every loop whose channel is not in active.
func (s *Scheduler) Retain(active map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.loops {
		if !active[id] {
			l.cancel()
			delete(s.loops, id)
		}
	}
}

// StopAll cancels every loop and waits for them to exit.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for id, l := range s.loops {
		l.cancel()
		delete(s.loops, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Len reports the number of running loops.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

func (s *Scheduler) run(ctx context.Context, l *loop) {
	defer s.wg.Done()

	delay := l.interval
	failures := 0
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := s.tick(ctx, l.channelID, l.guildID); err != nil {
				failures++
				delay = backoff(l.interval, failures)
				s.log.Warn("channel tick failed",
					zap.String("channel_id", l.channelID),
					zap.Int("failures", failures),
					zap.Duration("next_in", delay),
					zap.Error(err))
			} else {
				failures = 0
				delay = l.interval
			}
			timer.Reset(delay)
		case <-ctx.Done():
			return
		}
	}
}

func backoff(interval time.Duration, failures int) time.Duration {
	const maxBackoff = 15 * time.Minute

	d := interval
	for i := 0; i < failures && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
