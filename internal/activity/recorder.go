package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serenity-bot/serenity/internal/database"
	"github.com/serenity-bot/serenity/internal/models"
)

// Recorder ingests per-message events and bucketizes counts into fixed-width
// windows per channel. Ingestion is the hot path: it only touches in-memory
// counters and never waits on the store. Bucket deltas are flushed to the
// message_activity table by a background loop with a bounded pending queue.
type Recorder struct {
	repo *database.Repository
	log  *zap.Logger

	bucketWidth   time.Duration
	flushInterval time.Duration
	pendingCap    int

	mu       sync.RWMutex
	channels map[string]*channelActivity

	// known guards lazy config creation: exactly one goroutine creates the
	// rows for a channel, even under concurrent first-message delivery.
	known sync.Map

	flushMu sync.Mutex
	pending []models.ActivityWindow

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

type channelActivity struct {
	mu      sync.Mutex
	buckets map[int64]int64
	// flushed tracks how much of each bucket has already been handed to the
	// flush queue, so deltas are only reported once.
	flushed map[int64]int64
	// users tracks distinct posters per hour for the analytics rollup.
	users map[int64]map[string]struct{}
}

func NewRecorder(repo *database.Repository, log *zap.Logger, bucketWidth, flushInterval time.Duration, pendingCap int) *Recorder {
	return &Recorder{
		repo:          repo,
		log:           log,
		bucketWidth:   bucketWidth,
		flushInterval: flushInterval,
		pendingCap:    pendingCap,
		channels:      make(map[string]*channelActivity),
		now:           time.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// RecordMessage increments the bucket containing ts. Late or out-of-order
// timestamps fold into their matching bucket rather than being rejected.
// The first message ever seen for a channel lazily creates its config rows.
func (r *Recorder) RecordMessage(channelID, guildID, userID string, ts time.Time) {
	bucket := ts.Unix() - ts.Unix()%int64(r.bucketWidth/time.Second)
	hour := ts.Unix() - ts.Unix()%3600

	ca := r.channel(channelID)
	ca.mu.Lock()
	ca.buckets[bucket]++
	if userID != "" {
		set, ok := ca.users[hour]
		if !ok {
			set = make(map[string]struct{})
			ca.users[hour] = set
		}
		set[userID] = struct{}{}
	}
	ca.mu.Unlock()

	if _, loaded := r.known.LoadOrStore(channelID, struct{}{}); !loaded {
		if _, err := r.repo.EnsureChannelConfig(channelID, guildID); err != nil {
			// Forget the channel so a later message retries creation.
			r.known.Delete(channelID)
			r.log.Warn("lazy config creation failed",
				zap.String("channel_id", channelID),
				zap.String("guild_id", guildID),
				zap.Error(err))
		}
	}
}

// CurrentRate returns messages per minute over the trailing windowSeconds,
// summing every bucket overlapping the window. Channels with no recent
// activity report 0.
func (r *Recorder) CurrentRate(channelID string, windowSeconds int) float64 {
	r.mu.RLock()
	ca, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok || windowSeconds <= 0 {
		return 0
	}

	cutoff := r.now().Unix() - int64(windowSeconds)
	width := int64(r.bucketWidth / time.Second)

	var total int64
	ca.mu.Lock()
	for start, count := range ca.buckets {
		if start+width > cutoff {
			total += count
		}
	}
	ca.mu.Unlock()

	return float64(total) / float64(windowSeconds) * 60
}

// UniqueUsers returns the number of distinct posters seen in the hour
// starting at hourStart. Only recent hours are retained in memory; older
// hours report 0.
func (r *Recorder) UniqueUsers(channelID string, hourStart int64) int {
	r.mu.RLock()
	ca, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return len(ca.users[hourStart])
}

// Run drives the periodic flush until Stop is called.
func (r *Recorder) Run() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush()
		case <-r.stop:
			r.Flush()
			return
		}
	}
}

// Stop terminates the flush loop after one final flush.
func (r *Recorder) Stop() {
	close(r.stop)
	<-r.done
}

// Flush hands unreported bucket deltas to the store. On store failure the
// deltas stay queued, bounded by pendingCap with drop-oldest overflow, so
// ingestion never blocks indefinitely on an unavailable store.
func (r *Recorder) Flush() {
	deltas := r.collect()

	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.pending = append(r.pending, deltas...)
	if over := len(r.pending) - r.pendingCap; over > 0 {
		r.log.Warn("activity flush queue overflow, dropping oldest deltas", zap.Int("dropped", over))
		r.pending = r.pending[over:]
	}
	if len(r.pending) == 0 {
		return
	}

	if err := r.repo.AddActivity(r.pending); err != nil {
		r.log.Warn("activity flush failed, will retry", zap.Int("queued", len(r.pending)), zap.Error(err))
		return
	}
	r.pending = r.pending[:0]
}

func (r *Recorder) collect() []models.ActivityWindow {
	now := r.now().Unix()
	width := int64(r.bucketWidth / time.Second)
	// Buckets and user sets are kept in memory long enough to serve the
	// longest rate window plus the hourly rollup of the previous hour.
	bucketCutoff := now - 7200

	r.mu.RLock()
	defer r.mu.RUnlock()

	var deltas []models.ActivityWindow
	for channelID, ca := range r.channels {
		ca.mu.Lock()
		for start, count := range ca.buckets {
			if d := count - ca.flushed[start]; d > 0 {
				deltas = append(deltas, models.ActivityWindow{
					ChannelID:    channelID,
					BucketStart:  start,
					MessageCount: d,
				})
				ca.flushed[start] = count
			}
			if start+width < bucketCutoff {
				delete(ca.buckets, start)
				delete(ca.flushed, start)
			}
		}
		for hour := range ca.users {
			if hour+3600 < bucketCutoff {
				delete(ca.users, hour)
			}
		}
		ca.mu.Unlock()
	}
	return deltas
}

func (r *Recorder) channel(channelID string) *channelActivity {
	r.mu.RLock()
	ca, ok := r.channels[channelID]
	r.mu.RUnlock()
	if ok {
		return ca
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ca, ok = r.channels[channelID]; ok {
		return ca
	}
	ca = &channelActivity{
		buckets: make(map[int64]int64),
		flushed: make(map[int64]int64),
		users:   make(map[int64]map[string]struct{}),
	}
	r.channels[channelID] = ca
	return ca
}
