package playback

import (
	"sync"
	"time"
)

// remoteGuard marks the span during which player mutations originate from
// an inbound room update. Playback event handlers consult it before
// emitting outbound actions; anything fired under the guard is an echo.
// The guard stays active while any application is in progress and for a
// settle window after the last one releases, covering event callbacks the
// host delivers late.
type remoteGuard struct {
	mu     sync.Mutex
	depth  int
	until  time.Time
	settle time.Duration
	now    func() time.Time
}

func newRemoteGuard(settle time.Duration, now func() time.Time) *remoteGuard {
	return &remoteGuard{settle: settle, now: now}
}

// Acquire enters the guarded scope and returns its release. Releasing
// arms the settle window; releasing twice is a no-op.
func (g *remoteGuard) Acquire() (release func()) {
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.depth--
			g.until = g.now().Add(g.settle)
			g.mu.Unlock()
		})
	}
}

// Active reports whether a remote update is being applied or settled.
func (g *remoteGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0 || g.now().Before(g.until)
}
