package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/metrics"
	"github.com/salescrm/pairing-server/internal/model"
	redisclient "github.com/salescrm/pairing-server/internal/redis"
	"github.com/salescrm/pairing-server/internal/sse"
)

type AttemptState string

const (
	AttemptDisplaying   AttemptState = "displaying"
	AttemptConnected    AttemptState = "connected"
	AttemptCancelled    AttemptState = "cancelled"
	AttemptDisconnected AttemptState = "disconnected"
	// AttemptClosed means the caller detached without the pairing settling.
	AttemptClosed AttemptState = "closed"
)

func (s AttemptState) Settled() bool {
	return s != AttemptDisplaying
}

// StatusUpdate is one element of an Attempt's update stream.
type StatusUpdate struct {
	SessionID         string              `json:"sessionId"`
	State             AttemptState        `json:"state"`
	Status            model.SessionStatus `json:"status,omitempty"`
	Artifact          *string             `json:"artifact,omitempty"`
	ChannelIdentifier *string             `json:"channelIdentifier,omitempty"`
}

const attemptBufferSize = 16

// Attempt follows one pairing session for one caller: it polls the provider
// and listens for change notifications until the session settles or the
// caller closes it. Settling happens at most once.
type Attempt struct {
	m         *Manager
	sessionID string
	sub       *sse.Client

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	updates chan StatusUpdate
	done    chan struct{}

	mu           sync.Mutex
	state        AttemptState
	sessionName  string
	lastStatus   model.SessionStatus
	lastArtifact string
}

func newAttempt(m *Manager, sessionID string) *Attempt {
	ctx, stop := context.WithCancel(context.Background())
	return &Attempt{
		m:         m,
		sessionID: sessionID,
		sub:       m.broker.Subscribe(redisclient.SessionChannel(sessionID)),
		ctx:       ctx,
		stop:      stop,
		updates:   make(chan StatusUpdate, attemptBufferSize),
		done:      make(chan struct{}),
		state:     AttemptDisplaying,
	}
}

func (a *Attempt) SessionID() string {
	return a.sessionID
}

// Updates yields status changes and exactly one final update when the
// attempt settles. It is closed once the attempt has stopped.
func (a *Attempt) Updates() <-chan StatusUpdate {
	return a.updates
}

// Done is closed after polling and the subscription have stopped.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

func (a *Attempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Close detaches from the session without cancelling it.
func (a *Attempt) Close() {
	a.mu.Lock()
	if a.state == AttemptDisplaying {
		a.state = AttemptClosed
	}
	a.mu.Unlock()
	a.stop()
}

// Cancel abandons the pairing. See Manager.CancelPairing.
func (a *Attempt) Cancel(ctx context.Context) error {
	return a.m.CancelPairing(ctx, a.sessionID)
}

func (a *Attempt) abort() {
	a.stop()
	a.m.broker.Unsubscribe(a.sub)
	close(a.updates)
	close(a.done)
}

func (a *Attempt) start(session *model.PairingSession) {
	a.mu.Lock()
	a.sessionName = session.SessionName
	a.mu.Unlock()

	a.m.track(a)
	metrics.ActiveAttempts.Inc()

	a.wg.Add(2)
	go a.listen()
	go a.poll()
	go a.finish()

	a.deliver(session)
}

func (a *Attempt) finish() {
	a.wg.Wait()
	a.m.broker.Unsubscribe(a.sub)
	a.m.untrack(a)
	metrics.ActiveAttempts.Dec()

	a.mu.Lock()
	if a.state == AttemptDisplaying {
		a.state = AttemptClosed
	}
	close(a.updates)
	a.mu.Unlock()

	close(a.done)
	log.Debug().
		Str("sessionId", a.sessionID).
		Str("state", string(a.State())).
		Msg("pairing attempt stopped")
}

func (a *Attempt) listen() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.sub.Done:
			return
		case event := <-a.sub.Events:
			var payload model.SessionEvent
			if err := json.Unmarshal(event.Data, &payload); err != nil {
				log.Warn().Err(err).Str("sessionId", a.sessionID).Msg("malformed session event")
				continue
			}

			switch event.Type {
			case model.EventSessionDeleted:
				a.settle(AttemptCancelled, nil)
			case model.EventSessionUpdated:
				if payload.Session != nil {
					a.deliver(payload.Session)
				}
			}
		}
	}
}

func (a *Attempt) poll() {
	defer a.wg.Done()

	ticker := a.m.newTicker()
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce()
		}
	}
}

func (a *Attempt) pollOnce() {
	a.mu.Lock()
	name := a.sessionName
	a.mu.Unlock()

	status, err := a.m.provider.Status(a.ctx, name)
	if err != nil {
		if a.ctx.Err() == nil {
			log.Debug().Err(err).Str("sessionName", name).Msg("pairing poll failed")
		}
		return
	}

	update, ok := UpdateFromStatus(status, model.SourcePoll)
	if !ok {
		return
	}

	result, err := a.m.reconciler.Reconcile(a.ctx, a.sessionID, update)
	if err != nil {
		if a.ctx.Err() == nil {
			log.Warn().Err(err).Str("sessionId", a.sessionID).Msg("pairing poll reconcile failed")
		}
		return
	}

	if result.Session == nil {
		a.settle(AttemptCancelled, nil)
		return
	}
	a.deliver(result.Session)
}

// deliver turns a reconciled row into an update. Duplicates and anything
// behind what was already emitted are dropped.
func (a *Attempt) deliver(session *model.PairingSession) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Settled() {
		return
	}

	switch session.Status {
	case model.SessionStatusConnected:
		a.settleLocked(AttemptConnected, session)
		return
	case model.SessionStatusDisconnected:
		a.settleLocked(AttemptDisconnected, session)
		return
	}

	artifact := ""
	if session.PairingArtifact != nil {
		artifact = *session.PairingArtifact
	}
	if session.Status.Rank() < a.lastStatus.Rank() {
		return
	}
	if session.Status == a.lastStatus && artifact == a.lastArtifact {
		return
	}
	a.lastStatus = session.Status
	a.lastArtifact = artifact

	a.emitLocked(StatusUpdate{
		SessionID: a.sessionID,
		State:     AttemptDisplaying,
		Status:    session.Status,
		Artifact:  session.PairingArtifact,
	})
}

// settle moves a displaying attempt to a final state. It reports whether this
// call did the transition.
func (a *Attempt) settle(state AttemptState, session *model.PairingSession) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Settled() {
		return false
	}
	a.settleLocked(state, session)
	return true
}

func (a *Attempt) settleLocked(state AttemptState, session *model.PairingSession) {
	a.state = state

	update := StatusUpdate{SessionID: a.sessionID, State: state}
	if session != nil {
		update.Status = session.Status
		update.ChannelIdentifier = session.ChannelIdentifier
	}
	a.emitLocked(update)
	a.stop()

	log.Info().
		Str("sessionId", a.sessionID).
		Str("state", string(state)).
		Msg("pairing attempt settled")
}

// emitLocked never blocks: when the buffer is full the oldest update is
// dropped so the newest, including the final one, is always kept.
func (a *Attempt) emitLocked(update StatusUpdate) {
	select {
	case a.updates <- update:
		return
	default:
	}
	select {
	case <-a.updates:
	default:
	}
	select {
	case a.updates <- update:
	default:
		log.Warn().Str("sessionId", a.sessionID).Msg("pairing attempt update dropped")
	}
}
