// Package player abstracts the host runtime's video element. The sync
// engine only ever talks to these interfaces; the real element lives in
// the host environment, and SimPlayer stands in for it in tests and in
// the headless tab client.
package player

// Range is one buffered span of the media timeline, in seconds.
type Range struct {
	Start float64
	End   float64
}

// Contains reports whether t falls inside the range, inclusive.
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t <= r.End
}

// Listener receives playback events from a player. Events fire for every
// transition, whether triggered by the local user or programmatically.
type Listener interface {
	OnPlay()
	OnPause()
	OnSeeked()
}

// Player is a bound, controllable media element.
type Player interface {
	// Position is the current playback position in seconds.
	Position() float64
	// Seek moves the playback position.
	Seek(seconds float64)
	Play() error
	Pause()
	Paused() bool
	// Buffered returns the currently buffered spans.
	Buffered() []Range
	// SetListener registers the single playback-event listener.
	SetListener(l Listener)
}

// Watcher announces playable media as the host makes it available. The
// channel yields the first element found and any replacement after the
// previous one goes stale; it closes when watching stops.
type Watcher interface {
	Players() <-chan Player
}

// StaticWatcher announces a fixed set of players, then keeps the channel
// open. Used where the media element is known up front.
type StaticWatcher struct {
	ch chan Player
}

// NewStaticWatcher creates a watcher pre-loaded with the given players.
func NewStaticWatcher(players ...Player) *StaticWatcher {
	ch := make(chan Player, len(players)+1)
	for _, p := range players {
		ch <- p
	}
	return &StaticWatcher{ch: ch}
}

// Announce delivers another player, as if one appeared in the page.
func (w *StaticWatcher) Announce(p Player) {
	w.ch <- p
}

func (w *StaticWatcher) Players() <-chan Player {
	return w.ch
}
