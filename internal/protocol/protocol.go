// Package protocol defines the message envelopes crossing the two wire
// boundaries of the system: the local port channel between a tab and the
// relay, and the socket link between the relay and the room server. Every
// shape is a closed tagged variant; consumers dispatch with an exhaustive
// switch rather than on raw string tags.
package protocol

import (
	"encoding/json"
	"fmt"
)

// PortType tags messages on the local port channel.
type PortType string

const (
	// Tab -> relay.
	PortConnect   PortType = "CONNECT"
	PortAction    PortType = "ACTION"
	PortChat      PortType = "CHAT"
	PortReaction  PortType = "REACTION"
	PortAnalytics PortType = "ANALYTICS"

	// Relay -> tab.
	PortStatus    PortType = "STATUS"
	PortConnected PortType = "CONNECTED"
	PortServer    PortType = "SERVER"
)

// Status is the relay-reported connection state of a tab's socket.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// PortMessage is the envelope for the local duplex channel.
// Field presence depends on Type: CONNECT carries URL/RoomID/UserID,
// forward kinds carry Payload, STATUS carries Status, CONNECTED carries
// RoomID/UserID, SERVER wraps a forwarded inbound Frame.
type PortMessage struct {
	Type    PortType        `json:"type"`
	URL     string          `json:"url,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Status  Status          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Frame   *Frame          `json:"frame,omitempty"`
}

// FrameType tags JSON frames on the socket between relay and room server.
type FrameType string

const (
	FrameAction    FrameType = "action"
	FrameChat      FrameType = "chat"
	FrameReaction  FrameType = "reaction"
	FrameAnalytics FrameType = "analytics"
	FrameHeartbeat FrameType = "heartbeat"

	// Inbound only.
	FrameSync     FrameType = "sync"
	FrameUserList FrameType = "user_list"
)

// Frame is the socket envelope: {type, payload}.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseFrame decodes an inbound socket message. Unknown frame types are
// preserved as-is; the relay forwards them opaquely and the tab decides.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("parse frame: missing type")
	}
	return f, nil
}

// ForwardFrameType maps a tab-side forward kind to its socket frame type.
// Returns false for port types that are not forwardable.
func ForwardFrameType(t PortType) (FrameType, bool) {
	switch t {
	case PortAction:
		return FrameAction, true
	case PortChat:
		return FrameChat, true
	case PortReaction:
		return FrameReaction, true
	case PortAnalytics:
		return FrameAnalytics, true
	case PortConnect, PortStatus, PortConnected, PortServer:
		return "", false
	default:
		return "", false
	}
}
