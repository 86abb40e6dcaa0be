package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/audit"
	"github.com/salescrm/pairing-server/internal/config"
	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/middleware"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/service"
)

type PairingHandler struct {
	manager *service.Manager
	events  *EventsHandler
}

func NewPairingHandler(manager *service.Manager) *PairingHandler {
	return &PairingHandler{
		manager: manager,
		events:  NewEventsHandler(manager),
	}
}

// Routes serves /v1/pairing. Mutating routes need an owner. createMiddleware
// wraps only session creation, after the owner check. The event stream is exempt from the request timeout.
func (h *PairingHandler) Routes(createMiddleware ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/{id}/events", h.events.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		create := append([]func(http.Handler) http.Handler{middleware.RequireOwner}, createMiddleware...)
		r.With(create...).Post("/", h.CreateSession)
		r.Get("/{id}", h.GetSession)
		r.With(middleware.RequireOwner).Post("/{id}/cancel", h.CancelPairing)
		r.With(middleware.RequireOwner).Post("/{id}/disconnect", h.Disconnect)
	})

	return r
}

// OwnerRoutes serves /v1/owners.
func (h *PairingHandler) OwnerRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{ownerId}/channel", h.ConnectedChannel)
	return r
}

// POST /v1/pairing
func (h *PairingHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	result, err := h.manager.CreateSession(r.Context(), owner)
	if err != nil {
		log.Warn().Err(err).Str("ownerId", owner).Msg("failed to create pairing session")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventPairingStart,
		OwnerID:   owner,
		SessionID: result.SessionID,
		Details:   map[string]any{"status": string(result.Status)},
	})

	writeJSON(w, http.StatusCreated, result)
}

// GET /v1/pairing/{id}
func (h *PairingHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := loadSession(r, h.manager)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// POST /v1/pairing/{id}/cancel
func (h *PairingHandler) CancelPairing(w http.ResponseWriter, r *http.Request) {
	session, err := loadSession(r, h.manager)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.manager.CancelPairing(r.Context(), session.ID); err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventPairingCancel,
		OwnerID:   session.OwnerID,
		SessionID: session.ID,
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"sessionId": session.ID,
		"cancelled": true,
	})
}

// POST /v1/pairing/{id}/disconnect
func (h *PairingHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	session, err := loadSession(r, h.manager)
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := h.manager.Disconnect(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventChannelDisconnect,
		OwnerID:   session.OwnerID,
		SessionID: session.ID,
	})

	writeJSON(w, http.StatusOK, updated)
}

// GET /v1/owners/{ownerId}/channel
func (h *PairingHandler) ConnectedChannel(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerId")
	if owner := middleware.GetOwner(r.Context()); owner != "" && owner != ownerID {
		writeError(w, apperrors.Forbidden("Owner mismatch"))
		return
	}

	session, err := h.manager.ConnectedChannel(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ownerId":           session.OwnerID,
		"sessionId":         session.ID,
		"channelIdentifier": session.ChannelIdentifier,
		"connectedAt":       session.ConnectedAt,
	})
}

func loadSession(r *http.Request, manager *service.Manager) (*model.PairingSession, error) {
	id, err := sessionIDParam(r)
	if err != nil {
		return nil, err
	}
	session, err := manager.GetSession(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(r, session) {
		return nil, apperrors.NotFound("pairing session")
	}
	return session, nil
}
