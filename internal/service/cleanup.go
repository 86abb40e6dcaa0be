package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/config"
	"github.com/salescrm/pairing-server/internal/metrics"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/provider"
	"github.com/salescrm/pairing-server/internal/repository"
	"github.com/salescrm/pairing-server/internal/sse"
)

// Reasons recorded when a pending session is cleaned up.
const (
	CleanupReasonStale     = "stale"
	CleanupReasonCancelled = "cancelled"
	CleanupReasonExpired   = "expired"
)

// CleanupCoordinator tears down pending sessions remotely and locally. Every
// step is best-effort: failures are logged and counted, never returned.
type CleanupCoordinator struct {
	repo     repository.PairingSessionRepository
	provider provider.Client
	broker   *sse.Broker
	wg       sync.WaitGroup
}

func NewCleanupCoordinator(repo repository.PairingSessionRepository, providerClient provider.Client, broker *sse.Broker) *CleanupCoordinator {
	return &CleanupCoordinator{
		repo:     repo,
		provider: providerClient,
		broker:   broker,
	}
}

// CleanupStaleAsync starts CleanupStale on a detached context and returns
// immediately.
func (c *CleanupCoordinator) CleanupStaleAsync(ownerID string, excludeIDs ...string) {
	c.detach(func(ctx context.Context) {
		c.CleanupStale(ctx, ownerID, excludeIDs...)
	})
}

// CleanupSessionAsync runs CleanupSession on a detached context.
func (c *CleanupCoordinator) CleanupSessionAsync(session *model.PairingSession, reason string) {
	session = session.Clone()
	c.detach(func(ctx context.Context) {
		c.CleanupSession(ctx, session, reason)
	})
}

// DiscardRemoteAsync terminates and deletes a remote session that has no
// pending local row: one that was never stored, or one superseded by a newer
// connected pairing.
func (c *CleanupCoordinator) DiscardRemoteAsync(sessionName string) {
	c.detach(func(ctx context.Context) {
		c.terminateRemote(ctx, sessionName)
	})
}

// Wait blocks until every detached pass has finished.
func (c *CleanupCoordinator) Wait() {
	c.wg.Wait()
}

func (c *CleanupCoordinator) detach(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), config.CleanupTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// CleanupStale removes every pending session of ownerID except excludeIDs.
// Connected sessions are never touched. It returns how many local rows were
// removed.
func (c *CleanupCoordinator) CleanupStale(ctx context.Context, ownerID string, excludeIDs ...string) int {
	sessions, err := c.repo.FindPendingByOwner(ctx, ownerID)
	if err != nil {
		log.Error().
			Err(err).
			Str("ownerId", ownerID).
			Msg("cleanup: failed to list pending sessions")
		return 0
	}

	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	removed := 0
	for i := range sessions {
		if excluded[sessions[i].ID] {
			continue
		}
		if c.CleanupSession(ctx, &sessions[i], CleanupReasonStale) {
			removed++
		}
	}

	if removed > 0 {
		log.Info().
			Str("ownerId", ownerID).
			Int("removed", removed).
			Msg("stale pairing sessions cleaned up")
	}
	return removed
}

// CleanupSession removes one pending session. The provider session is only
// terminated and deleted after the local row was claimed; a row that has
// reached CONNECTED is never claimed. Remote failures are only logged.
// It reports whether the local row was removed.
func (c *CleanupCoordinator) CleanupSession(ctx context.Context, session *model.PairingSession, reason string) bool {
	deleted, err := c.repo.DeleteIfPending(ctx, session.ID)
	if err != nil {
		log.Error().
			Err(err).
			Str("sessionId", session.ID).
			Msg("cleanup: failed to delete local session")
		return false
	}
	if !deleted {
		// Already gone or connected.
		return false
	}

	metrics.SessionsCleanedTotal.WithLabelValues(reason).Inc()
	log.Info().
		Str("sessionId", session.ID).
		Str("sessionName", session.SessionName).
		Str("ownerId", session.OwnerID).
		Str("reason", reason).
		Msg("pairing session removed")

	publishDeleted(ctx, c.broker, session)

	c.terminateRemote(ctx, session.SessionName)
	return true
}

func (c *CleanupCoordinator) terminateRemote(ctx context.Context, sessionName string) {
	if err := c.provider.Terminate(ctx, sessionName); err != nil {
		metrics.CleanupTaskFailuresTotal.WithLabelValues("terminate").Inc()
		log.Warn().
			Err(err).
			Str("sessionName", sessionName).
			Str("task", "terminate").
			Msg("cleanup task failed")
	}
	if err := c.provider.Delete(ctx, sessionName); err != nil {
		metrics.CleanupTaskFailuresTotal.WithLabelValues("delete").Inc()
		log.Warn().
			Err(err).
			Str("sessionName", sessionName).
			Str("task", "delete").
			Msg("cleanup task failed")
	}
}
