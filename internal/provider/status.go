package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/salescrm/pairing-server/internal/model"
)

// Provider session states as reported on the wire.
const (
	StateStarting   = "STARTING"
	StateScanQRCode = "SCAN_QR_CODE"
	StateConnecting = "CONNECTING"
	StateWorking    = "WORKING"
	StateFailed     = "FAILED"
	StateStopped    = "STOPPED"
)

var statusMap = map[string]model.SessionStatus{
	StateStarting:   model.SessionStatusCreating,
	StateScanQRCode: model.SessionStatusWaitingQR,
	StateConnecting: model.SessionStatusConnecting,
	StateWorking:    model.SessionStatusConnected,
	StateFailed:     model.SessionStatusDisconnected,
	StateStopped:    model.SessionStatusDisconnected,
}

// MapStatus returns the SessionStatus for a provider state, or "" when the
// state is unknown.
func MapStatus(providerStatus string) model.SessionStatus {
	return statusMap[strings.ToUpper(strings.TrimSpace(providerStatus))]
}

type statusBody struct {
	Name    string  `json:"name"`
	Session string  `json:"session"`
	Status  string  `json:"status"`
	Me      *meBody `json:"me"`
	Phone   string  `json:"phone"`
}

type meBody struct {
	ID       string `json:"id"`
	PushName string `json:"pushName"`
}

// pushBody is the envelope of a provider-originated push.
type pushBody struct {
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Payload json.RawMessage `json:"payload"`
}

// ParseStatus decodes a status response body.
func ParseStatus(raw []byte) (*StatusResult, error) {
	var body statusBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}

	name := body.Name
	if name == "" {
		name = body.Session
	}

	return &StatusResult{
		SessionName:       name,
		ProviderStatus:    body.Status,
		Status:            MapStatus(body.Status),
		ChannelIdentifier: channelIdentifier(body),
		Raw:               json.RawMessage(raw),
	}, nil
}

// ParsePush decodes a push notification. The session name comes from the
// envelope; the payload has the same shape as a status response.
func ParsePush(raw []byte) (*StatusResult, error) {
	var envelope pushBody
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode push: %w", err)
	}
	if envelope.Session == "" {
		return nil, fmt.Errorf("push has no session")
	}
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("push has no payload")
	}

	result, err := ParseStatus(envelope.Payload)
	if err != nil {
		return nil, err
	}
	result.SessionName = envelope.Session
	return result, nil
}

func channelIdentifier(body statusBody) *string {
	id := body.Phone
	if body.Me != nil && body.Me.ID != "" {
		id = body.Me.ID
	}
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		return nil
	}
	return &id
}
