package playback

import (
	"github.com/simulwatch/relay/internal/chat"
	"github.com/simulwatch/relay/internal/protocol"
)

// Events is the overlay-facing signal surface. The visual overlay is a
// host collaborator; the engine only tells it what changed.
type Events interface {
	// Status reflects the relay link state for the network indicator.
	Status(protocol.Status)
	// Playback carries the human-readable transition, e.g. "PLAYING by alice".
	Playback(text string)
	// ChatMessage fires once per newly rendered message.
	ChatMessage(chat.Message)
	// Reaction fires for every reaction, local or remote.
	Reaction(id, userID string)
	// UserList replaces the room roster.
	UserList([]protocol.User)
	// Secure reflects whether chat confidentiality is established.
	Secure(bool)
}

// NopEvents discards every signal.
type NopEvents struct{}

func (NopEvents) Status(protocol.Status)   {}
func (NopEvents) Playback(string)          {}
func (NopEvents) ChatMessage(chat.Message) {}
func (NopEvents) Reaction(string, string)  {}
func (NopEvents) UserList([]protocol.User) {}
func (NopEvents) Secure(bool)              {}
