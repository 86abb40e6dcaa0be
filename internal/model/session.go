package model

import "time"

type PairingSession struct {
	ID                string        `db:"id" json:"id"`
	OwnerID           string        `db:"owner_id" json:"ownerId"`
	SessionName       string        `db:"session_name" json:"sessionName"`
	Status            SessionStatus `db:"status" json:"status"`
	PairingArtifact   *string       `db:"pairing_artifact" json:"pairingArtifact,omitempty"`
	ChannelIdentifier *string       `db:"channel_identifier" json:"channelIdentifier,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updatedAt"`
	ConnectedAt       *time.Time    `db:"connected_at" json:"connectedAt,omitempty"`
}

func (s *PairingSession) HasArtifact() bool {
	return s.PairingArtifact != nil && *s.PairingArtifact != ""
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s *PairingSession) Clone() *PairingSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.PairingArtifact != nil {
		v := *s.PairingArtifact
		c.PairingArtifact = &v
	}
	if s.ChannelIdentifier != nil {
		v := *s.ChannelIdentifier
		c.ChannelIdentifier = &v
	}
	if s.ConnectedAt != nil {
		v := *s.ConnectedAt
		c.ConnectedAt = &v
	}
	return &c
}

type CreatePairingSessionParams struct {
	ID              string
	OwnerID         string
	SessionName     string
	Status          SessionStatus
	PairingArtifact *string
	CreatedAt       time.Time
}
