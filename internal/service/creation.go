package service

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/salescrm/pairing-server/internal/artifact"
	"github.com/salescrm/pairing-server/internal/config"
	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/metrics"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/provider"
	"github.com/salescrm/pairing-server/internal/repository"
	"github.com/salescrm/pairing-server/internal/sse"
)

const (
	sessionNamePrefix   = "crm"
	ownerFragmentLength = 8
)

// Names of the best-effort setup tasks run after a session is created.
const (
	TaskRegisterPushTarget = "register_push_target"
	TaskSetPresence        = "set_presence"
	TaskEnsureOrganization = "ensure_organization"
)

type CreateSessionResult struct {
	SessionID   string              `json:"sessionId"`
	SessionName string              `json:"sessionName"`
	Status      model.SessionStatus `json:"status"`
	Artifact    *string             `json:"artifact"`
}

type CreationOrchestrator struct {
	repo       repository.PairingSessionRepository
	provider   provider.Client
	cleanup    *CleanupCoordinator
	broker     *sse.Broker
	webhookURL string
	now        func() time.Time
	setupWG    sync.WaitGroup
}

func NewCreationOrchestrator(
	repo repository.PairingSessionRepository,
	providerClient provider.Client,
	cleanup *CleanupCoordinator,
	broker *sse.Broker,
	webhookURL string,
) *CreationOrchestrator {
	return &CreationOrchestrator{
		repo:       repo,
		provider:   providerClient,
		cleanup:    cleanup,
		broker:     broker,
		webhookURL: webhookURL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession creates a remote session and its local row, returning as soon
// as the row exists. Cleanup of older attempts and the setup calls run
// detached and are never awaited. Setup only starts once the row is stored.
func (o *CreationOrchestrator) CreateSession(ctx context.Context, ownerID string) (*CreateSessionResult, error) {
	sessionID := uuid.NewString()
	sessionName := newSessionName(ownerID)

	o.cleanup.CleanupStaleAsync(ownerID, sessionID)

	created, err := o.provider.Create(ctx, sessionName)
	if err != nil {
		metrics.CreationFailuresTotal.WithLabelValues(string(apperrors.ErrCodeProviderUnavailable)).Inc()
		log.Error().
			Err(err).
			Str("ownerId", ownerID).
			Str("sessionName", sessionName).
			Msg("provider create failed")
		return nil, apperrors.ProviderUnavailable("create", err)
	}

	norm := artifact.Normalize(created.Raw)
	if norm.IsInvalid() {
		metrics.CreationFailuresTotal.WithLabelValues(string(apperrors.ErrCodeInvalidArtifact)).Inc()
		log.Error().
			Str("ownerId", ownerID).
			Str("sessionName", sessionName).
			Str("extractor", norm.Source).
			Str("reason", norm.Reason).
			Msg("provider returned an invalid pairing artifact")
		o.cleanup.DiscardRemoteAsync(sessionName)
		return nil, apperrors.InvalidArtifact(norm.Reason)
	}

	status := model.SessionStatusCreating
	if norm.IsPresent() {
		status = model.SessionStatusWaitingQR
	}

	session, err := o.repo.Create(ctx, model.CreatePairingSessionParams{
		ID:              sessionID,
		OwnerID:         ownerID,
		SessionName:     sessionName,
		Status:          status,
		PairingArtifact: norm.Ptr(),
		CreatedAt:       o.now(),
	})
	if err != nil {
		metrics.CreationFailuresTotal.WithLabelValues(string(apperrors.ErrCodeDatabase)).Inc()
		log.Error().
			Err(err).
			Str("ownerId", ownerID).
			Str("sessionName", sessionName).
			Msg("failed to store pairing session")
		o.cleanup.DiscardRemoteAsync(sessionName)
		return nil, apperrors.Database(err)
	}

	o.runSetup(sessionName, ownerID)

	metrics.SessionsCreatedTotal.WithLabelValues(string(status)).Inc()
	log.Info().
		Str("sessionId", session.ID).
		Str("sessionName", session.SessionName).
		Str("ownerId", ownerID).
		Str("status", string(status)).
		Bool("hasArtifact", session.HasArtifact()).
		Msg("pairing session created")

	publishSession(ctx, o.broker, session)

	return &CreateSessionResult{
		SessionID:   session.ID,
		SessionName: session.SessionName,
		Status:      session.Status,
		Artifact:    session.PairingArtifact,
	}, nil
}

// WaitSetup blocks until every detached setup fan-out has finished.
func (o *CreationOrchestrator) WaitSetup() {
	o.setupWG.Wait()
}

// runSetup fans the setup calls out in parallel on a detached context. Each
// task swallows its own error so siblings are never cancelled.
func (o *CreationOrchestrator) runSetup(sessionName, ownerID string) {
	o.setupWG.Add(1)
	go func() {
		defer o.setupWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), config.SetupTaskTimeout)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		tasks := map[string]func(context.Context) error{
			TaskRegisterPushTarget: func(ctx context.Context) error {
				if o.webhookURL == "" {
					log.Debug().Str("sessionName", sessionName).Msg("no public base url, skipping push target")
					return nil
				}
				return o.provider.RegisterPushTarget(ctx, sessionName, o.webhookURL)
			},
			TaskSetPresence: func(ctx context.Context) error {
				return o.provider.SetPresence(ctx, sessionName, provider.PresenceAvailable)
			},
			TaskEnsureOrganization: func(ctx context.Context) error {
				return o.provider.EnsureOrganization(ctx, ownerID)
			},
		}

		for name, task := range tasks {
			g.Go(func() error {
				if err := task(gctx); err != nil {
					metrics.SetupTaskFailuresTotal.WithLabelValues(name).Inc()
					log.Warn().
						Err(err).
						Str("sessionName", sessionName).
						Str("ownerId", ownerID).
						Str("task", name).
						Msg("setup task failed")
				}
				return nil
			})
		}

		_ = g.Wait()
	}()
}

// newSessionName builds crm-<owner fragment>-<ulid>. The ulid carries the
// timestamp and keeps names unique across instances.
func newSessionName(ownerID string) string {
	return sessionNamePrefix + "-" + ownerFragment(ownerID) + "-" + strings.ToLower(ulid.Make().String())
}

func ownerFragment(ownerID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ownerID) {
		if b.Len() >= ownerFragmentLength {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "owner"
	}
	return b.String()
}
