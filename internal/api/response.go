package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/authz"
	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleError maps the error taxonomy onto HTTP statuses and stable codes.
// Anything unrecognized is logged and answered without its text.
func (h *handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *appointment.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Details: err.Error(), Field: verr.Field})
	case errors.Is(err, identity.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, "invalid_identifier", err.Error())
	case errors.Is(err, identity.ErrNoIdentity):
		writeError(w, http.StatusForbidden, "no_identity", err.Error())
	case errors.Is(err, authz.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", err.Error())
	case errors.Is(err, ledger.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "not_connected", err.Error())
	case errors.Is(err, ledger.ErrTimedOut):
		writeError(w, http.StatusGatewayTimeout, "timed_out", err.Error())
	case errors.Is(err, ledger.ErrUserCancelled):
		writeError(w, http.StatusConflict, "user_cancelled", err.Error())
	case errors.Is(err, appointment.ErrRecordNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "record_not_found", err.Error())
	case errors.Is(err, appointment.ErrMissingLedgerID):
		writeError(w, http.StatusConflict, "missing_ledger_id", err.Error())
	case errors.Is(err, appointment.ErrAlreadyFinalized):
		writeError(w, http.StatusConflict, "already_finalized", err.Error())
	case errors.Is(err, appointment.ErrFinalizeInProgress):
		writeError(w, http.StatusConflict, "finalize_in_progress", "appointment is being finalized, please retry shortly")
	case errors.Is(err, appointment.ErrRecordsForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ledger.ErrRejectedByLedger):
		writeError(w, http.StatusUnprocessableEntity, "rejected_by_ledger", err.Error())
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
