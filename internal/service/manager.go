package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/artifact"
	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/metrics"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/provider"
	"github.com/salescrm/pairing-server/internal/repository"
	"github.com/salescrm/pairing-server/internal/sse"
)

const defaultPollInterval = 1500 * time.Millisecond

// Manager is the caller-facing side of pairing: start, watch, cancel and
// disconnect.
type Manager struct {
	repo         repository.PairingSessionRepository
	provider     provider.Client
	broker       *sse.Broker
	creator      *CreationOrchestrator
	cleanup      *CleanupCoordinator
	reconciler   *Reconciler
	pollInterval time.Duration

	mu       sync.Mutex
	attempts map[string]map[*Attempt]struct{}
}

func NewManager(
	repo repository.PairingSessionRepository,
	providerClient provider.Client,
	broker *sse.Broker,
	creator *CreationOrchestrator,
	cleanup *CleanupCoordinator,
	reconciler *Reconciler,
	pollInterval time.Duration,
) *Manager {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Manager{
		repo:         repo,
		provider:     providerClient,
		broker:       broker,
		creator:      creator,
		cleanup:      cleanup,
		reconciler:   reconciler,
		pollInterval: pollInterval,
		attempts:     make(map[string]map[*Attempt]struct{}),
	}
}

func (m *Manager) CreateSession(ctx context.Context, ownerID string) (*CreateSessionResult, error) {
	if ownerID == "" {
		return nil, apperrors.MissingRequired("ownerId")
	}
	return m.creator.CreateSession(ctx, ownerID)
}

// StartPairing creates a session and attaches an Attempt to it. The first
// update on the Attempt carries whatever artifact creation produced.
func (m *Manager) StartPairing(ctx context.Context, ownerID string) (*Attempt, error) {
	created, err := m.CreateSession(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return m.Watch(ctx, created.SessionID)
}

// Watch attaches a new Attempt to an existing session. The caller must Close
// or Cancel it.
func (m *Manager) Watch(ctx context.Context, sessionID string) (*Attempt, error) {
	// Subscribe before reading the row so no change falls in between.
	a := newAttempt(m, sessionID)

	session, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		a.abort()
		return nil, apperrors.Database(err)
	}
	if session == nil {
		a.abort()
		return nil, apperrors.NotFound("pairing session")
	}

	a.start(session)
	return a, nil
}

// CancelPairing abandons a pending session: attached Attempts settle as
// cancelled and the remote and local cleanup runs detached.
func (m *Manager) CancelPairing(ctx context.Context, sessionID string) error {
	session, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		return apperrors.NotFound("pairing session")
	}

	switch session.Status {
	case model.SessionStatusConnected:
		return apperrors.AlreadyConnected()
	case model.SessionStatusDisconnected:
		return apperrors.Conflict("Pairing session has already ended")
	}

	for _, a := range m.attemptsFor(sessionID) {
		a.settle(AttemptCancelled, nil)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("ownerId", session.OwnerID).
		Msg("pairing cancelled")

	m.cleanup.CleanupSessionAsync(session, CleanupReasonCancelled)
	return nil
}

// Disconnect logs a connected channel out on the provider and marks its row
// DISCONNECTED. A failed logout leaves the row untouched so the caller can
// retry; a failed remote delete after logout is only logged.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) (*model.PairingSession, error) {
	session, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("pairing session")
	}
	if session.Status != model.SessionStatusConnected {
		return nil, apperrors.NotConnected()
	}

	if err := m.provider.Terminate(ctx, session.SessionName); err != nil {
		return nil, apperrors.ProviderUnavailable("terminate", err)
	}
	if err := m.provider.Delete(ctx, session.SessionName); err != nil {
		metrics.CleanupTaskFailuresTotal.WithLabelValues("delete").Inc()
		log.Warn().
			Err(err).
			Str("sessionName", session.SessionName).
			Str("task", "delete").
			Msg("disconnect: remote delete failed")
	}

	result, err := m.reconciler.Reconcile(ctx, sessionID, model.SessionUpdate{
		Status: model.SessionStatusDisconnected,
		Source: model.SourceUser,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if result.Session == nil {
		return nil, apperrors.NotFound("pairing session")
	}
	return result.Session, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (*model.PairingSession, error) {
	session, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("pairing session")
	}
	return session, nil
}

// ConnectedChannel returns the owner's connected session.
func (m *Manager) ConnectedChannel(ctx context.Context, ownerID string) (*model.PairingSession, error) {
	session, err := m.repo.FindConnectedByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("connected channel")
	}
	return session, nil
}

// ActiveAttempts counts attempts that are still polling.
func (m *Manager) ActiveAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.attempts {
		n += len(set)
	}
	return n
}

// Shutdown detaches every open Attempt and waits for them to stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var all []*Attempt
	for _, set := range m.attempts {
		for a := range set {
			all = append(all, a)
		}
	}
	m.mu.Unlock()

	for _, a := range all {
		a.Close()
	}
	for _, a := range all {
		<-a.Done()
	}
}

func (m *Manager) newTicker() *time.Ticker {
	return time.NewTicker(m.pollInterval)
}

func (m *Manager) track(a *Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.attempts[a.sessionID]
	if set == nil {
		set = make(map[*Attempt]struct{})
		m.attempts[a.sessionID] = set
	}
	set[a] = struct{}{}
}

func (m *Manager) untrack(a *Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.attempts[a.sessionID]
	delete(set, a)
	if len(set) == 0 {
		delete(m.attempts, a.sessionID)
	}
}

func (m *Manager) attemptsFor(sessionID string) []*Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Attempt, 0, len(m.attempts[sessionID]))
	for a := range m.attempts[sessionID] {
		out = append(out, a)
	}
	return out
}

// UpdateFromStatus turns a provider status report into a reconcile input.
// Unknown provider states yield false. An invalid artifact is dropped from
// the update rather than failing it.
func UpdateFromStatus(result *provider.StatusResult, source model.UpdateSource) (model.SessionUpdate, bool) {
	if result == nil || !result.Known() {
		return model.SessionUpdate{}, false
	}

	norm := artifact.Normalize(result.Raw)
	if norm.IsInvalid() {
		log.Warn().
			Str("sessionName", result.SessionName).
			Str("source", string(source)).
			Str("reason", norm.Reason).
			Msg("ignoring invalid pairing artifact")
	}

	return model.SessionUpdate{
		Status:            result.Status,
		Artifact:          norm.Ptr(),
		ChannelIdentifier: result.ChannelIdentifier,
		Source:            source,
	}, true
}
