package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/metrics"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/reconcile"
	redisclient "github.com/salescrm/pairing-server/internal/redis"
	"github.com/salescrm/pairing-server/internal/repository"
	"github.com/salescrm/pairing-server/internal/sse"
)

// ConnectedHook receives every ChannelConnected event. Hooks run synchronously
// after the write commits and must not block.
type ConnectedHook func(ctx context.Context, event model.ChannelConnected)

type ReconcileResult struct {
	Outcome reconcile.Outcome
	// Session is the row after the merge (unchanged when rejected), nil when
	// it does not exist.
	Session *model.PairingSession
	Reason  string
}

func (r ReconcileResult) Applied() bool {
	return r.Outcome == reconcile.OutcomeApplied
}

func (r ReconcileResult) Rejected() bool {
	return r.Outcome == reconcile.OutcomeRejected
}

// Reconciler is the only writer of session status. Webhook pushes, polls and
// the sweep all land here.
type Reconciler struct {
	repo    repository.PairingSessionRepository
	broker  *sse.Broker
	cleanup *CleanupCoordinator
	now     func() time.Time

	mu    sync.RWMutex
	hooks []ConnectedHook
}

// NewReconciler builds a Reconciler. cleanup releases the provider side of
// channels demoted by a newer pairing; it may be nil.
func NewReconciler(repo repository.PairingSessionRepository, broker *sse.Broker, cleanup *CleanupCoordinator) *Reconciler {
	return &Reconciler{
		repo:    repo,
		broker:  broker,
		cleanup: cleanup,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) OnConnected(hook ConnectedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, update model.SessionUpdate) (ReconcileResult, error) {
	var (
		decision reconcile.Decision
		current  *model.PairingSession
		demoted  []model.PairingSession
	)
	now := r.now()

	err := r.repo.InTx(ctx, func(tx repository.PairingSessionRepository) error {
		var err error
		current, err = tx.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		decision = reconcile.Merge(current, update, now)
		if decision.Outcome != reconcile.OutcomeApplied {
			return nil
		}

		if decision.BecameConnected {
			demoted, err = tx.DisconnectOtherConnected(ctx, current.OwnerID, current.ID, now)
			if err != nil {
				return fmt.Errorf("disconnect previous channel: %w", err)
			}
		}

		if err := tx.Update(ctx, decision.Next); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	metrics.ReconcileTotal.WithLabelValues(string(update.Source), string(decision.Outcome)).Inc()

	result := ReconcileResult{
		Outcome: decision.Outcome,
		Session: decision.Next,
		Reason:  decision.Reason,
	}
	if result.Session == nil {
		// Rejected: report the row as it stands.
		result.Session = current
	}

	switch decision.Outcome {
	case reconcile.OutcomeRejected:
		log.Debug().
			Str("sessionId", sessionID).
			Str("source", string(update.Source)).
			Str("incomingStatus", string(update.Status)).
			Str("reason", decision.Reason).
			Msg("stale session update rejected")
		return result, nil
	case reconcile.OutcomeNoop:
		return result, nil
	}

	session := decision.Next
	log.Info().
		Str("sessionId", session.ID).
		Str("sessionName", session.SessionName).
		Str("ownerId", session.OwnerID).
		Str("source", string(update.Source)).
		Str("status", string(session.Status)).
		Msg("session status reconciled")

	for i := range demoted {
		log.Info().
			Str("sessionId", demoted[i].ID).
			Str("ownerId", demoted[i].OwnerID).
			Msg("previous channel disconnected by new pairing")
		publishSession(ctx, r.broker, &demoted[i])
		if r.cleanup != nil {
			r.cleanup.DiscardRemoteAsync(demoted[i].SessionName)
		}
	}
	publishSession(ctx, r.broker, session)

	if decision.BecameConnected {
		r.emitConnected(ctx, session)
	}

	return result, nil
}

// ReconcileByName resolves the provider-facing session name first. Updates
// for unknown names are rejected.
func (r *Reconciler) ReconcileByName(ctx context.Context, sessionName string, update model.SessionUpdate) (ReconcileResult, error) {
	session, err := r.repo.FindBySessionName(ctx, sessionName)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("find session by name: %w", err)
	}
	if session == nil {
		metrics.ReconcileTotal.WithLabelValues(string(update.Source), string(reconcile.OutcomeRejected)).Inc()
		return ReconcileResult{Outcome: reconcile.OutcomeRejected, Reason: "session not found"}, nil
	}
	return r.Reconcile(ctx, session.ID, update)
}

func (r *Reconciler) emitConnected(ctx context.Context, session *model.PairingSession) {
	event := model.ChannelConnected{
		OwnerID:   session.OwnerID,
		SessionID: session.ID,
	}
	if session.ChannelIdentifier != nil {
		event.ChannelIdentifier = *session.ChannelIdentifier
	}
	if session.ConnectedAt != nil {
		event.ConnectedAt = *session.ConnectedAt
	}

	metrics.ChannelsConnectedTotal.Inc()

	log.Info().
		Str("sessionId", event.SessionID).
		Str("ownerId", event.OwnerID).
		Str("channelIdentifier", event.ChannelIdentifier).
		Msg("channel connected")

	if err := r.broker.PublishJSON(ctx, redisclient.OwnerChannel(event.OwnerID), model.EventChannelConnected, event); err != nil {
		log.Warn().
			Err(err).
			Str("ownerId", event.OwnerID).
			Msg("failed to publish channel connected")
	}

	r.mu.RLock()
	hooks := append([]ConnectedHook(nil), r.hooks...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, event)
	}
}
