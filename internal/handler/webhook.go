package handler

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/provider"
	"github.com/salescrm/pairing-server/internal/service"
)

// WebhookHandler receives provider status pushes. Stale or unknown pushes
// are acknowledged with 200 so the provider does not retry them.
type WebhookHandler struct {
	reconciler *service.Reconciler
}

func NewWebhookHandler(reconciler *service.Reconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// POST /provider/webhook
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.InvalidInput("body", "unreadable request body"))
		return
	}

	push, err := provider.ParsePush(body)
	if err != nil {
		log.Warn().Err(err).Msg("webhook: malformed push")
		writeError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}

	update, ok := service.UpdateFromStatus(push, model.SourceWebhook)
	if !ok {
		log.Debug().
			Str("sessionName", push.SessionName).
			Str("providerStatus", push.ProviderStatus).
			Msg("webhook: ignoring unmapped provider status")
		writeJSON(w, http.StatusOK, map[string]string{"outcome": "ignored"})
		return
	}

	result, err := h.reconciler.ReconcileByName(r.Context(), push.SessionName, update)
	if err != nil {
		log.Error().Err(err).Str("sessionName", push.SessionName).Msg("webhook: reconcile failed")
		writeError(w, apperrors.Database(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(result.Outcome)})
}
