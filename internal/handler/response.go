package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/httputil"
	"github.com/salescrm/pairing-server/internal/middleware"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/util"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// sessionIDParam reads and validates the {id} path parameter.
func sessionIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if !util.IsValidUUID(id) {
		return "", apperrors.InvalidInput("id", "must be a UUID")
	}
	return id, nil
}

// visibleTo hides sessions of other owners when the request names one. Cancel
// and disconnect always name one.
func visibleTo(r *http.Request, session *model.PairingSession) bool {
	owner := middleware.GetOwner(r.Context())
	return owner == "" || owner == session.OwnerID
}
