package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/salescrm/pairing-server/internal/config"
	"github.com/salescrm/pairing-server/internal/database"
	"github.com/salescrm/pairing-server/internal/middleware"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/provider"
	"github.com/salescrm/pairing-server/internal/repository"
	"github.com/salescrm/pairing-server/internal/service"
	"github.com/salescrm/pairing-server/internal/sse"
)

const testWebhookSecret = "handler-test-webhook-secret"

var samplePNG = "iVBORw0KGgo" + strings.Repeat("QUFBQUFBQUFB", 12)

// stubProvider answers every call successfully unless told otherwise.
type stubProvider struct {
	mu           sync.Mutex
	terminateErr error
	calls        []string
}

func (p *stubProvider) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *stubProvider) called(call string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (p *stubProvider) failTerminate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateErr = err
}

func (p *stubProvider) Create(ctx context.Context, name string) (*provider.CreateResult, error) {
	p.record("create " + name)
	return &provider.CreateResult{Raw: json.RawMessage(`{"name":"` + name + `","qr":"` + samplePNG + `"}`)}, nil
}

func (p *stubProvider) Status(ctx context.Context, name string) (*provider.StatusResult, error) {
	return nil, &provider.StatusError{Operation: "status", StatusCode: http.StatusNotFound}
}

func (p *stubProvider) RegisterPushTarget(ctx context.Context, name, url string) error {
	return nil
}

func (p *stubProvider) SetPresence(ctx context.Context, name string, state provider.Presence) error {
	return nil
}

func (p *stubProvider) EnsureOrganization(ctx context.Context, ownerID string) error {
	return nil
}

func (p *stubProvider) Terminate(ctx context.Context, name string) error {
	p.record("terminate " + name)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminateErr
}

func (p *stubProvider) Delete(ctx context.Context, name string) error {
	p.record("delete " + name)
	return nil
}

type testServer struct {
	provider *stubProvider
	repo     repository.PairingSessionRepository
	cleanup  *service.CleanupCoordinator
	manager  *service.Manager
	router   chi.Router
}

func newTestServer(t *testing.T, createMiddleware ...func(http.Handler) http.Handler) *testServer {
	t.Helper()

	db, err := database.Connect("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })

	broker := sse.NewLocalBroker()
	stub := &stubProvider{}
	repo := repository.NewPairingSessionRepository(db)
	cleanup := service.NewCleanupCoordinator(repo, stub, broker)
	reconciler := service.NewReconciler(repo, broker, cleanup)
	creator := service.NewCreationOrchestrator(repo, stub, cleanup, broker, "")
	manager := service.NewManager(repo, stub, broker, creator, cleanup, reconciler, time.Hour)

	t.Cleanup(func() {
		manager.Shutdown()
		cleanup.Wait()
		creator.WaitSetup()
		broker.Close()
	})

	pairingHandler := NewPairingHandler(manager)
	webhookHandler := NewWebhookHandler(reconciler)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.NewAPIAuthMiddleware("").Handler)
		r.Mount("/pairing", pairingHandler.Routes(createMiddleware...))
		r.Mount("/owners", pairingHandler.OwnerRoutes())
	})
	r.With(middleware.NewWebhookSecretMiddleware(testWebhookSecret).Handler).
		Post(config.WebhookPath, webhookHandler.ServeHTTP)

	return &testServer{
		provider: stub,
		repo:     repo,
		cleanup:  cleanup,
		manager:  manager,
		router:   r,
	}
}

func (s *testServer) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set(middleware.OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) push(t *testing.T, sessionName string, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"event":   "session.status",
		"session": sessionName,
		"payload": payload,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, config.WebhookPath, bytes.NewReader(raw))
	req.Header.Set(middleware.WebhookSecretHeader, testWebhookSecret)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createSession(t *testing.T, owner string) service.CreateSessionResult {
	t.Helper()

	rec := s.do(t, http.MethodPost, "/v1/pairing", owner, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result service.CreateSessionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func (s *testServer) connect(t *testing.T, sessionName, phone string) {
	t.Helper()

	rec := s.push(t, sessionName, map[string]any{
		"status": "WORKING",
		"me":     map[string]any{"id": phone + "@c.us"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) model.PairingSession {
	t.Helper()
	var session model.PairingSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	return session
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

var errTerminate = errors.New("logout refused")
