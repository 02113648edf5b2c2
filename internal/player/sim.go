package player

import (
	"sync"
	"time"
)

// SimPlayer is a clock-driven Player. While playing, its position
// advances with wall time from the last anchor point, the same way a
// video element's clock does.
type SimPlayer struct {
	mu       sync.Mutex
	base     float64
	anchorAt time.Time
	playing  bool
	buffered []Range
	listener Listener
	now      func() time.Time
}

// NewSimPlayer creates a paused player at position zero with the whole
// timeline buffered.
func NewSimPlayer() *SimPlayer {
	return &SimPlayer{
		buffered: []Range{{Start: 0, End: 1 << 20}},
		now:      time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (p *SimPlayer) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *SimPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *SimPlayer) positionLocked() float64 {
	if !p.playing {
		return p.base
	}
	return p.base + p.now().Sub(p.anchorAt).Seconds()
}

func (p *SimPlayer) Seek(seconds float64) {
	p.mu.Lock()
	p.base = seconds
	p.anchorAt = p.now()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l.OnSeeked()
	}
}

func (p *SimPlayer) Play() error {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return nil
	}
	p.playing = true
	p.anchorAt = p.now()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l.OnPlay()
	}
	return nil
}

func (p *SimPlayer) Pause() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.base = p.positionLocked()
	p.playing = false
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l.OnPause()
	}
}

func (p *SimPlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.playing
}

func (p *SimPlayer) Buffered() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Range, len(p.buffered))
	copy(out, p.buffered)
	return out
}

// SetBuffered replaces the buffered spans, for tests exercising the
// drift policy's buffering rule.
func (p *SimPlayer) SetBuffered(ranges []Range) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffered = ranges
}

func (p *SimPlayer) SetListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}
