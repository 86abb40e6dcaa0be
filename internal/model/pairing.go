package model

import "time"

// SessionUpdate is an incoming status report from any producer. Artifact and
// ChannelIdentifier are optional.
type SessionUpdate struct {
	Status            SessionStatus
	Artifact          *string
	ChannelIdentifier *string
	Source            UpdateSource
}

// ChannelConnected is emitted once per successful pairing.
type ChannelConnected struct {
	OwnerID           string    `json:"ownerId"`
	SessionID         string    `json:"sessionId"`
	ChannelIdentifier string    `json:"channelIdentifier"`
	ConnectedAt       time.Time `json:"connectedAt"`
}

// SessionEvent is the payload broadcast on every Session Store mutation.
type SessionEvent struct {
	SessionID string          `json:"sessionId"`
	OwnerID   string          `json:"ownerId"`
	Deleted   bool            `json:"deleted,omitempty"`
	Session   *PairingSession `json:"session,omitempty"`
}

// Event types carried on the session and owner broker channels.
const (
	EventSessionUpdated   = "session_updated"
	EventSessionDeleted   = "session_deleted"
	EventChannelConnected = "channel_connected"
)
