package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/audit"
	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/httputil"
	"github.com/salescrm/pairing-server/internal/util"
)

type contextKey string

const OwnerContextKey contextKey = "owner"

// OwnerHeader carries the CRM owner a request acts for.
const OwnerHeader = "X-Owner-ID"

func GetOwner(ctx context.Context) string {
	if owner, ok := ctx.Value(OwnerContextKey).(string); ok {
		return owner
	}
	return ""
}

func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerContextKey, ownerID)
}

// APIAuthMiddleware authenticates the CRM backend by a bearer token checked
// against a bcrypt hash. Once a token has verified, its sha256 digest is kept
// so later requests skip bcrypt.
type APIAuthMiddleware struct {
	tokenHash string

	mu       sync.RWMutex
	verified map[string]struct{}
}

func NewAPIAuthMiddleware(tokenHash string) *APIAuthMiddleware {
	return &APIAuthMiddleware{
		tokenHash: tokenHash,
		verified:  make(map[string]struct{}),
	}
}

func (m *APIAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenHash == "" {
			log.Warn().Msg("api auth bypassed: API_TOKEN_HASH is not configured")
			next.ServeHTTP(w, m.withOwner(r))
			return
		}

		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		if !m.verify(token) {
			log.Warn().Msg("api auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				OwnerID: r.Header.Get(OwnerHeader),
			})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, m.withOwner(r))
	})
}

func (m *APIAuthMiddleware) verify(token string) bool {
	digest := util.HashToken(token)

	m.mu.RLock()
	_, ok := m.verified[digest]
	m.mu.RUnlock()
	if ok {
		return true
	}

	if !util.CheckPasswordHash(token, m.tokenHash) {
		return false
	}

	m.mu.Lock()
	m.verified[digest] = struct{}{}
	m.mu.Unlock()
	return true
}

func (m *APIAuthMiddleware) withOwner(r *http.Request) *http.Request {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		return r
	}
	return r.WithContext(WithOwner(r.Context(), owner))
}

// RequireOwner rejects requests that do not name an owner.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetOwner(r.Context()) == "" {
			httputil.WriteError(w, apperrors.MissingRequired(OwnerHeader))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
