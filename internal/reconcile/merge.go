// Package reconcile holds the single merge rule every writer of a pairing
// session goes through. It is pure: it never touches storage.
package reconcile

import (
	"time"

	"github.com/salescrm/pairing-server/internal/model"
)

type Outcome string

const (
	// OutcomeApplied means the stored row must be replaced by Decision.Next.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the update was accepted but changes nothing.
	OutcomeNoop Outcome = "noop"
	// OutcomeRejected means the update is stale and must be dropped.
	OutcomeRejected Outcome = "rejected"
)

type Decision struct {
	Outcome Outcome
	Next    *model.PairingSession
	Reason  string
	// BecameConnected is set only on the transition into CONNECTED.
	BecameConnected bool
}

// Accepted reports whether the update was applied or was an idempotent no-op.
func (d Decision) Accepted() bool {
	return d.Outcome != OutcomeRejected
}

// Merge decides what happens when incoming arrives for current.
//
//   - CONNECTED rows only accept DISCONNECTED (or a repeat of CONNECTED, a no-op).
//   - DISCONNECTED rows are final.
//   - Pending rows move forward along CREATING → WAITING_QR → CONNECTING →
//     CONNECTED; a same-status update may refresh the artifact.
//   - CONNECTED clears the artifact and stamps connected_at.
func Merge(current *model.PairingSession, incoming model.SessionUpdate, now time.Time) Decision {
	if current == nil {
		return reject("session not found")
	}
	if !incoming.Status.IsValid() {
		return reject("unknown status")
	}

	switch current.Status {
	case model.SessionStatusDisconnected:
		if incoming.Status == model.SessionStatusDisconnected {
			return noop(current)
		}
		return reject("session is disconnected")

	case model.SessionStatusConnected:
		switch incoming.Status {
		case model.SessionStatusDisconnected:
			return apply(disconnect(current, now), false)
		case model.SessionStatusConnected:
			return noop(current)
		default:
			return reject("session already connected")
		}
	}

	// current is pending from here on.
	switch {
	case incoming.Status == model.SessionStatusDisconnected:
		return apply(disconnect(current, now), false)

	case incoming.Status == model.SessionStatusConnected:
		next := current.Clone()
		next.Status = model.SessionStatusConnected
		next.PairingArtifact = nil
		if incoming.ChannelIdentifier != nil && *incoming.ChannelIdentifier != "" {
			id := *incoming.ChannelIdentifier
			next.ChannelIdentifier = &id
		}
		if next.ConnectedAt == nil {
			t := now
			next.ConnectedAt = &t
		}
		next.UpdatedAt = now
		return apply(next, true)

	case incoming.Status.Rank() < current.Status.Rank():
		return reject("status would move backward")
	}

	next := current.Clone()
	changed := false
	if incoming.Status != current.Status {
		next.Status = incoming.Status
		changed = true
	}
	if incoming.Artifact != nil && *incoming.Artifact != "" &&
		(current.PairingArtifact == nil || *current.PairingArtifact != *incoming.Artifact) {
		a := *incoming.Artifact
		next.PairingArtifact = &a
		changed = true
	}
	if !changed {
		return noop(current)
	}
	next.UpdatedAt = now
	return apply(next, false)
}

func disconnect(current *model.PairingSession, now time.Time) *model.PairingSession {
	next := current.Clone()
	next.Status = model.SessionStatusDisconnected
	next.PairingArtifact = nil
	next.UpdatedAt = now
	return next
}

func apply(next *model.PairingSession, becameConnected bool) Decision {
	return Decision{Outcome: OutcomeApplied, Next: next, BecameConnected: becameConnected}
}

func noop(current *model.PairingSession) Decision {
	return Decision{Outcome: OutcomeNoop, Next: current.Clone(), Reason: "unchanged"}
}

func reject(reason string) Decision {
	return Decision{Outcome: OutcomeRejected, Reason: reason}
}
