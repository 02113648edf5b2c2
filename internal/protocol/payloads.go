package protocol

import "encoding/json"

// PlaybackStatus is the room-authoritative playback state.
type PlaybackStatus string

const (
	PlaybackPlaying PlaybackStatus = "playing"
	PlaybackPaused  PlaybackStatus = "paused"
	PlaybackStopped PlaybackStatus = "stopped"
)

// SyncAction is the verb carried by an action frame.
type SyncAction string

const (
	ActionPlay  SyncAction = "play"
	ActionPause SyncAction = "pause"
	// ActionMatch is a position-only correction with no play/pause intent.
	ActionMatch SyncAction = "match"
)

// SyncPayload is the body of action and sync frames.
type SyncPayload struct {
	Action    SyncAction     `json:"action,omitempty"`
	Time      float64        `json:"time"`
	Status    PlaybackStatus `json:"status,omitempty"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
}

// EffectiveStatus resolves the playback status of a sync payload. An
// explicit status field wins; otherwise the action verb is mapped.
func (p SyncPayload) EffectiveStatus() PlaybackStatus {
	if p.Status != "" {
		return p.Status
	}
	switch p.Action {
	case ActionPlay:
		return PlaybackPlaying
	case ActionPause:
		return PlaybackPaused
	default:
		return PlaybackStopped
	}
}

// ChatPayload is the body of chat frames. Text is ciphertext on the wire.
type ChatPayload struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// ReactionPayload is the body of reaction frames.
type ReactionPayload struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
}

// EventCounts holds per-kind session event totals.
type EventCounts struct {
	Chats     int `json:"chats"`
	Syncs     int `json:"syncs"`
	Reactions int `json:"reactions"`
	Drifts    int `json:"drifts"`
}

// AnalyticsPayload is the body of analytics frames.
type AnalyticsPayload struct {
	Duration       int64          `json:"duration"` // seconds since session start
	Events         EventCounts    `json:"events"`
	ReactionCounts map[string]int `json:"reactionCounts"`
	StartTime      int64          `json:"startTime"` // unix millis
}

// User is one roster entry of a user_list frame.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Marshal encodes a payload for embedding in an envelope. The payload
// types above never fail to encode.
func Marshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
