package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/service"
	"github.com/salescrm/pairing-server/internal/sse"
)

// SSE event names written by EventsHandler.
const (
	eventConnected = "connected"
	eventStatus    = "status"
	eventEnd       = "end"
)

// EventsHandler streams one pairing attempt to the browser. Closing the
// stream detaches from the session; it does not cancel it.
type EventsHandler struct {
	manager *service.Manager
}

func NewEventsHandler(manager *service.Manager) *EventsHandler {
	return &EventsHandler{manager: manager}
}

// GET /v1/pairing/{id}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, err := loadSession(r, h.manager)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	ctx := r.Context()

	attempt, err := h.manager.Watch(ctx, session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer attempt.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log.Info().
		Str("sessionId", session.ID).
		Str("ownerId", session.OwnerID).
		Msg("pairing stream opened")

	if err := h.sendEvent(w, flusher, eventConnected, map[string]any{
		"sessionId": session.ID,
		"status":    session.Status,
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("sessionId", session.ID).
				Msg("pairing stream closed by client")
			return

		case update, ok := <-attempt.Updates():
			if !ok {
				h.sendEvent(w, flusher, eventEnd, map[string]any{
					"sessionId": session.ID,
					"state":     attempt.State(),
				})
				return
			}
			if err := h.sendEvent(w, flusher, eventStatus, update); err != nil {
				log.Debug().Err(err).Str("sessionId", session.ID).Msg("failed to write pairing update")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("sessionId", session.ID).
					Msg("heartbeat failed, closing stream")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
