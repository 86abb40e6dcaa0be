// Package provider talks to the external pairing provider that owns the
// messaging channel. Only call and response contracts matter to the rest of
// the service; the wire format lives here.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/salescrm/pairing-server/internal/model"
)

// Client is the set of provider calls the pairing engine depends on.
type Client interface {
	Create(ctx context.Context, name string) (*CreateResult, error)
	Status(ctx context.Context, name string) (*StatusResult, error)
	RegisterPushTarget(ctx context.Context, name, url string) error
	SetPresence(ctx context.Context, name string, state Presence) error
	EnsureOrganization(ctx context.Context, ownerID string) error
	Terminate(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
)

// CreateResult carries the raw creation response. The artifact, if any, is
// extracted by the caller.
type CreateResult struct {
	Raw json.RawMessage
}

// StatusResult is a provider status report mapped onto SessionStatus. Raw is
// kept so the caller can look for an embedded artifact.
type StatusResult struct {
	SessionName       string
	ProviderStatus    string
	Status            model.SessionStatus
	ChannelIdentifier *string
	Raw               json.RawMessage
}

// Known reports whether the provider status mapped onto a SessionStatus.
func (r *StatusResult) Known() bool {
	return r.Status != ""
}

// StatusError is returned for a non-2xx provider response.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s failed with status %d", e.Operation, e.StatusCode)
}
