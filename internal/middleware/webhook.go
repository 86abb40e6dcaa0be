package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/audit"
	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/httputil"
	"github.com/salescrm/pairing-server/internal/util"
)

const (
	WebhookSecretHeader    = "X-Webhook-Secret"
	WebhookSignatureHeader = "X-Webhook-Signature"
)

// WebhookSecretMiddleware authenticates provider pushes. A request passes
// with either the shared secret in X-Webhook-Secret or a hex HMAC-SHA256 of
// the raw body keyed by that secret in X-Webhook-Signature.
type WebhookSecretMiddleware struct {
	secret string
}

func NewWebhookSecretMiddleware(secret string) *WebhookSecretMiddleware {
	return &WebhookSecretMiddleware{secret: secret}
}

func (m *WebhookSecretMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			log.Error().Msg("webhook rejected: WEBHOOK_SECRET is not configured")
			m.reject(w, r, "secret not configured")
			return
		}

		if header := r.Header.Get(WebhookSecretHeader); header != "" {
			if !util.ConstantTimeEqual(header, m.secret) {
				log.Warn().Msg("webhook middleware: invalid shared secret")
				m.reject(w, r, "invalid secret")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		signature := r.Header.Get(WebhookSignatureHeader)
		if signature == "" {
			log.Warn().Msg("webhook middleware: missing secret header")
			m.reject(w, r, "missing secret")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("webhook middleware: failed to read body")
			httputil.WriteError(w, apperrors.InvalidInput("body", "unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !util.ConstantTimeEqual(util.HmacSHA256(m.secret, string(body)), signature) {
			log.Warn().Msg("webhook middleware: invalid signature")
			m.reject(w, r, "invalid signature")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *WebhookSecretMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventWebhookAuthFailure,
		Details: map[string]any{"reason": reason},
	})
	httputil.WriteError(w, apperrors.Unauthorized("Invalid webhook credentials"))
}
