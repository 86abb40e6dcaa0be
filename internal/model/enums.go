package model

type SessionStatus string

const (
	SessionStatusCreating     SessionStatus = "creating"
	SessionStatusWaitingQR    SessionStatus = "waiting_qr"
	SessionStatusConnecting   SessionStatus = "connecting"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// PendingStatuses are the statuses of a session that has not reached CONNECTED yet.
var PendingStatuses = []SessionStatus{
	SessionStatusCreating,
	SessionStatusWaitingQR,
	SessionStatusConnecting,
}

// Rank orders statuses along the pairing path. DISCONNECTED has no rank and
// reports -1.
func (s SessionStatus) Rank() int {
	switch s {
	case SessionStatusCreating:
		return 0
	case SessionStatusWaitingQR:
		return 1
	case SessionStatusConnecting:
		return 2
	case SessionStatusConnected:
		return 3
	default:
		return -1
	}
}

func (s SessionStatus) IsPending() bool {
	switch s {
	case SessionStatusCreating, SessionStatusWaitingQR, SessionStatusConnecting:
		return true
	}
	return false
}

func (s SessionStatus) IsValid() bool {
	return s.IsPending() || s == SessionStatusConnected || s == SessionStatusDisconnected
}

// UpdateSource names the producer of a reconcile call.
type UpdateSource string

const (
	SourceWebhook  UpdateSource = "webhook"
	SourcePoll     UpdateSource = "poll"
	SourceSweep    UpdateSource = "sweep"
	SourceCreation UpdateSource = "creation"
	SourceUser     UpdateSource = "user"
)
