package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/salescrm/pairing-server/internal/database"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/provider"
	"github.com/salescrm/pairing-server/internal/repository"
	"github.com/salescrm/pairing-server/internal/sse"
)

var errProviderDown = errors.New("provider down")

// samplePNG is long enough to pass artifact validation.
var samplePNG = "iVBORw0KGgo" + strings.Repeat("QUFBQUFBQUFB", 12)

type fakeProvider struct {
	mu        sync.Mutex
	createRaw json.RawMessage
	createErr error
	statuses  map[string]*provider.StatusResult
	failing   map[string]error
	calls     map[string][]string
	// blockTerminate, when set, holds Terminate until it is closed.
	blockTerminate chan struct{}
	// blockSetup, when set, holds every setup call until it is closed.
	blockSetup chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		createRaw: json.RawMessage(`{"qr":"` + samplePNG + `"}`),
		statuses:  make(map[string]*provider.StatusResult),
		failing:   make(map[string]error),
		calls:     make(map[string][]string),
	}
}

func (p *fakeProvider) record(op, arg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op] = append(p.calls[op], arg)
	return p.failing[op]
}

func (p *fakeProvider) count(op, arg string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.calls[op] {
		if a == arg {
			n++
		}
	}
	return n
}

func (p *fakeProvider) callsFor(op string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls[op]...)
}

func (p *fakeProvider) fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[op] = err
}

func (p *fakeProvider) setCreate(raw string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createRaw = json.RawMessage(raw)
	p.createErr = err
}

func (p *fakeProvider) setStatus(name, providerStatus, raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result, err := provider.ParseStatus([]byte(raw))
	if err != nil {
		panic(err)
	}
	result.SessionName = name
	result.ProviderStatus = providerStatus
	result.Status = provider.MapStatus(providerStatus)
	p.statuses[name] = result
}

func (p *fakeProvider) Create(ctx context.Context, name string) (*provider.CreateResult, error) {
	_ = p.record("create", name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &provider.CreateResult{Raw: p.createRaw}, nil
}

func (p *fakeProvider) Status(ctx context.Context, name string) (*provider.StatusResult, error) {
	if err := p.record("status", name); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	result, ok := p.statuses[name]
	if !ok {
		return nil, &provider.StatusError{Operation: "status", StatusCode: 404}
	}
	copied := *result
	return &copied, nil
}

func (p *fakeProvider) waitSetup(ctx context.Context) {
	if p.blockSetup == nil {
		return
	}
	select {
	case <-p.blockSetup:
	case <-ctx.Done():
	}
}

func (p *fakeProvider) RegisterPushTarget(ctx context.Context, name, url string) error {
	p.waitSetup(ctx)
	return p.record("register_push_target", name+" "+url)
}

func (p *fakeProvider) SetPresence(ctx context.Context, name string, state provider.Presence) error {
	p.waitSetup(ctx)
	return p.record("set_presence", name+" "+string(state))
}

func (p *fakeProvider) EnsureOrganization(ctx context.Context, ownerID string) error {
	p.waitSetup(ctx)
	return p.record("ensure_organization", ownerID)
}

func (p *fakeProvider) Terminate(ctx context.Context, name string) error {
	if p.blockTerminate != nil {
		select {
		case <-p.blockTerminate:
		case <-ctx.Done():
		}
	}
	return p.record("terminate", name)
}

func (p *fakeProvider) Delete(ctx context.Context, name string) error {
	return p.record("delete", name)
}

type testEnv struct {
	db         *database.DB
	repo       repository.PairingSessionRepository
	provider   *fakeProvider
	broker     *sse.Broker
	reconciler *Reconciler
	cleanup    *CleanupCoordinator
	creator    *CreationOrchestrator
	manager    *Manager
}

func newTestEnv(t *testing.T, pollInterval time.Duration) *testEnv {
	t.Helper()

	db, err := database.Connect("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:       db,
		repo:     repository.NewPairingSessionRepository(db),
		provider: newFakeProvider(),
		broker:   sse.NewLocalBroker(),
	}
	env.cleanup = NewCleanupCoordinator(env.repo, env.provider, env.broker)
	env.reconciler = NewReconciler(env.repo, env.broker, env.cleanup)
	env.creator = NewCreationOrchestrator(env.repo, env.provider, env.cleanup, env.broker, "https://crm.example.com/provider/webhook")
	env.manager = NewManager(env.repo, env.provider, env.broker, env.creator, env.cleanup, env.reconciler, pollInterval)

	t.Cleanup(func() {
		env.manager.Shutdown()
		env.cleanup.Wait()
		env.creator.WaitSetup()
		env.broker.Close()
	})
	return env
}

func (e *testEnv) insert(t *testing.T, id, owner string, status model.SessionStatus, artifact *string, createdAt time.Time) *model.PairingSession {
	t.Helper()
	s, err := e.repo.Create(context.Background(), model.CreatePairingSessionParams{
		ID:              id,
		OwnerID:         owner,
		SessionName:     "crm-" + id,
		Status:          status,
		PairingArtifact: artifact,
		CreatedAt:       createdAt,
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) find(t *testing.T, id string) *model.PairingSession {
	t.Helper()
	s, err := e.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

func nextUpdate(t *testing.T, a *Attempt) StatusUpdate {
	t.Helper()
	select {
	case u, ok := <-a.Updates():
		require.True(t, ok, "updates closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return StatusUpdate{}
	}
}

// settledUpdate skips displaying updates until the final one.
func settledUpdate(t *testing.T, a *Attempt) StatusUpdate {
	t.Helper()
	for {
		u := nextUpdate(t, a)
		if u.State.Settled() {
			return u
		}
	}
}

func waitDone(t *testing.T, a *Attempt) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not stop")
	}
}

func strPtr(s string) *string { return &s }
