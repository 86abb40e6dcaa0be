package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/provider"
	"github.com/salescrm/pairing-server/internal/repository"
)

const sweepConcurrency = 4

// Sweeper holds the slow, dialog-independent passes over stored sessions.
type Sweeper struct {
	repo        repository.PairingSessionRepository
	provider    provider.Client
	reconciler  *Reconciler
	cleanup     *CleanupCoordinator
	maxLifetime time.Duration
	retention   time.Duration
	now         func() time.Time
}

// NewSweeper builds a Sweeper. A zero maxLifetime disables force-expiry.
func NewSweeper(
	repo repository.PairingSessionRepository,
	providerClient provider.Client,
	reconciler *Reconciler,
	cleanup *CleanupCoordinator,
	maxLifetime time.Duration,
	retention time.Duration,
) *Sweeper {
	return &Sweeper{
		repo:        repo,
		provider:    providerClient,
		reconciler:  reconciler,
		cleanup:     cleanup,
		maxLifetime: maxLifetime,
		retention:   retention,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RefreshPending polls the provider for every pending session and reconciles
// the result. It catches connections that completed while nobody watched.
// Per-session failures are logged and skipped.
func (s *Sweeper) RefreshPending(ctx context.Context) (int64, error) {
	sessions, err := s.repo.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending sessions: %w", err)
	}

	var applied atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for i := range sessions {
		session := sessions[i]
		g.Go(func() error {
			status, err := s.provider.Status(gctx, session.SessionName)
			if err != nil {
				log.Debug().
					Err(err).
					Str("sessionName", session.SessionName).
					Msg("sweep: status call failed")
				return nil
			}

			update, ok := UpdateFromStatus(status, model.SourceSweep)
			if !ok {
				return nil
			}

			result, err := s.reconciler.Reconcile(gctx, session.ID, update)
			if err != nil {
				log.Warn().
					Err(err).
					Str("sessionId", session.ID).
					Msg("sweep: reconcile failed")
				return nil
			}
			if result.Applied() {
				applied.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()
	return applied.Load(), nil
}

// ExpirePending removes pending sessions older than the configured maximum
// pairing lifetime.
func (s *Sweeper) ExpirePending(ctx context.Context) (int64, error) {
	if s.maxLifetime <= 0 {
		return 0, nil
	}

	sessions, err := s.repo.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending sessions: %w", err)
	}

	cutoff := s.now().Add(-s.maxLifetime)
	var expired int64
	for i := range sessions {
		if !sessions[i].CreatedAt.Before(cutoff) {
			continue
		}
		if s.cleanup.CleanupSession(ctx, &sessions[i], CleanupReasonExpired) {
			expired++
		}
	}
	return expired, nil
}

// PurgeDisconnected deletes DISCONNECTED rows past the retention window.
func (s *Sweeper) PurgeDisconnected(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	return s.repo.DeleteDisconnectedBefore(ctx, s.now().Add(-s.retention))
}
