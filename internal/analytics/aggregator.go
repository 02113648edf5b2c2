// Package analytics counts session events and periodically pushes a
// summary through the relay. Snapshots are ephemeral; nothing here is
// persisted.
package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simulwatch/relay/internal/protocol"
)

// DefaultFlushInterval is how often a running aggregator emits a snapshot.
const DefaultFlushInterval = 10 * time.Second

// Flusher delivers a snapshot to the relay, best effort.
type Flusher interface {
	FlushAnalytics(protocol.AnalyticsPayload) error
}

// Aggregator tracks per-session event counts.
type Aggregator struct {
	mu             sync.Mutex
	startTime      time.Time
	chats          int
	syncs          int
	reactions      int
	drifts         int
	reactionCounts map[string]int
	now            func() time.Time
	logger         *zap.Logger
}

// New creates an aggregator with the session clock started now.
func New(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		reactionCounts: make(map[string]int),
		now:            time.Now,
		logger:         logger,
	}
	a.startTime = a.now()
	return a
}

// SetClock replaces the wall clock and resets the session start, for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
	a.startTime = now()
}

// Chat records a chat message, sent or received.
func (a *Aggregator) Chat() {
	a.mu.Lock()
	a.chats++
	a.mu.Unlock()
}

// Sync records an applied sync.
func (a *Aggregator) Sync() {
	a.mu.Lock()
	a.syncs++
	a.mu.Unlock()
}

// Drift records a position correction made by the drift policy.
func (a *Aggregator) Drift() {
	a.mu.Lock()
	a.drifts++
	a.mu.Unlock()
}

// Reaction records a reaction by id.
func (a *Aggregator) Reaction(id string) {
	a.mu.Lock()
	a.reactions++
	a.reactionCounts[id]++
	a.mu.Unlock()
}

// Snapshot returns the session summary as of now.
func (a *Aggregator) Snapshot() protocol.AnalyticsPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts := make(map[string]int, len(a.reactionCounts))
	for k, v := range a.reactionCounts {
		counts[k] = v
	}
	return protocol.AnalyticsPayload{
		Duration: int64(a.now().Sub(a.startTime).Seconds()),
		Events: protocol.EventCounts{
			Chats:     a.chats,
			Syncs:     a.syncs,
			Reactions: a.reactions,
			Drifts:    a.drifts,
		},
		ReactionCounts: counts,
		StartTime:      a.startTime.UnixMilli(),
	}
}

// Run flushes a snapshot every interval until ctx is cancelled, then
// flushes one final snapshot. The relay's teardown grace window exists to
// let that last flush reach the socket.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, flusher Flusher) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.flush(flusher)
			return
		case <-ticker.C:
			a.flush(flusher)
		}
	}
}

func (a *Aggregator) flush(flusher Flusher) {
	if err := flusher.FlushAnalytics(a.Snapshot()); err != nil {
		a.logger.Debug("analytics flush dropped", zap.Error(err))
	}
}
