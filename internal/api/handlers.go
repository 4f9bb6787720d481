package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/calendar"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

type handlers struct {
	engine    Engine
	session   Session
	providers Providers
	logger    *logging.Logger
	loc       *time.Location
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func (h *handlers) sessionResponse(r *http.Request) SessionResponse {
	s, ok := h.session.Session()
	if !ok {
		return SessionResponse{}
	}
	// The owner may finalize without being listed as a provider.
	return newSessionResponse(s, s.Owner || h.providers.CurrentUserAuthorized(r.Context()))
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessionResponse(r))
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	if _, err := h.session.Connect(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionResponse(r))
}

func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	h.session.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) changeAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountChangeRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.session.AccountChanged(r.Context(), req.Account); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionResponse(r))
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}

	at, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_failed",
			Details: "scheduled_at must be an RFC 3339 timestamp",
			Field:   "scheduledAt",
		})
		return
	}

	var res appointment.BookResult
	if req.PatientID == 0 {
		res, err = h.engine.BookForCurrentPatient(r.Context(), req.ProviderRef, at, req.Reason)
	} else {
		res, err = h.engine.Book(r.Context(), appointment.BookRequest{
			PatientID:   req.PatientID,
			ProviderRef: req.ProviderRef,
			ScheduledAt: at,
			Reason:      req.Reason,
		})
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, BookResponse{
		LedgerID: res.LedgerID,
		LocalID:  res.LocalID,
		Status:   model.StatusPending.String(),
	})
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	var status *model.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := model.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		status = &s
	}

	view, err := h.engine.ListUnified(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	appts := view.Appointments
	if status != nil {
		appts = view.Filter(*status)
	}
	writeJSON(w, http.StatusOK, newViewResponse(view, appts))
}

func (h *handlers) calendar(w http.ResponseWriter, r *http.Request) {
	now := time.Now().In(h.loc)
	year, month := now.Year(), int(now.Month())

	q := r.URL.Query()
	if raw := q.Get("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < 1 {
			writeError(w, http.StatusBadRequest, "invalid_year", "year must be a positive integer")
			return
		}
		year = y
	}
	if raw := q.Get("month"); raw != "" {
		m, err := strconv.Atoi(raw)
		if err != nil || m < 1 || m > 12 {
			writeError(w, http.StatusBadRequest, "invalid_month", "month must be between 1 and 12")
			return
		}
		month = m
	}

	view, err := h.engine.ListUnified(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	prefix := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, h.loc).Format("2006-01-")
	var inMonth []model.Appointment
	for key, appts := range view.Calendar.ByDate {
		if strings.HasPrefix(string(key), prefix) {
			inMonth = append(inMonth, appts...)
		}
	}
	proj := calendar.Project(inMonth, h.loc)

	writeJSON(w, http.StatusOK, CalendarResponse{
		Year:     year,
		Month:    month,
		Days:     proj.MonthGrid(year, time.Month(month)),
		ByDate:   proj.ByDate,
		Counts:   proj.Counts,
		Degraded: view.Degraded,
	})
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_local_id", "id must be a valid UUID")
		return
	}
	appt, err := h.engine.Lookup(r.Context(), id.String())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// parseRef accepts a cache UUID or a decimal ledger id.
func parseRef(raw string) (appointment.Ref, bool) {
	if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return appointment.Ref{LedgerID: &id}, true
	}
	if u, err := uuid.Parse(raw); err == nil {
		return appointment.Ref{LocalID: u.String()}, true
	}
	return appointment.Ref{}, false
}

func (h *handlers) approveAppointment(w http.ResponseWriter, r *http.Request) {
	h.finalize(w, r, h.engine.Approve)
}

func (h *handlers) declineAppointment(w http.ResponseWriter, r *http.Request) {
	h.finalize(w, r, h.engine.Decline)
}

func (h *handlers) finalize(w http.ResponseWriter, r *http.Request, fn func(context.Context, appointment.Ref) (model.Appointment, error)) {
	ref, ok := parseRef(chi.URLParam(r, "ref"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_reference", "ref must be a UUID or a ledger id")
		return
	}

	appt, err := fn(r.Context(), ref)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) registerPatient(w http.ResponseWriter, r *http.Request) {
	var req RegisterPatientRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.session.RegisterPatient(r.Context(), req.Name)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	s, _ := h.session.Session()
	writeJSON(w, http.StatusCreated, PatientResponse{PatientID: id, Account: s.Account})
}

func patientParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *handlers) patientAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := patientParam(w, r)
	if !ok {
		return
	}

	view, err := h.engine.ListForPatient(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newViewResponse(view, view.Appointments))
}

func (h *handlers) addRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := patientParam(w, r)
	if !ok {
		return
	}
	var req AddRecordRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.engine.AddRecord(r.Context(), appointment.RecordRequest{
		PatientID:   id,
		PatientName: req.PatientName,
		Diagnosis:   req.Diagnosis,
		Treatment:   req.Treatment,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) patientRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := patientParam(w, r)
	if !ok {
		return
	}
	recs, err := h.engine.PatientRecords(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if recs == nil {
		recs = []ledger.HealthRecord{}
	}
	writeJSON(w, http.StatusOK, RecordsResponse{PatientID: id, Records: recs})
}

func (h *handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	ok, err := h.providers.IsAuthorized(r.Context(), addr)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProviderResponse{Address: strings.ToLower(addr), Authorized: ok})
}

func (h *handlers) authorizeProvider(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := h.providers.Authorize(r.Context(), addr); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProviderResponse{Address: strings.ToLower(addr), Authorized: true})
}

func (h *handlers) revokeProvider(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := h.providers.Revoke(r.Context(), addr); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProviderResponse{Address: strings.ToLower(addr), Authorized: false})
}

// live streams the unified view over a websocket: the current view first,
// then every view the engine publishes until the client goes away.
func (h *handlers) live(w http.ResponseWriter, r *http.Request) {
	srv := websocket.Server{
		// Origin is already enforced by the CORS middleware.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			ctx := r.Context()

			views, stop := h.engine.Watch()
			defer stop()

			view, err := h.engine.ListUnified(ctx)
			if err != nil {
				h.logger.Warn("live view failed", "error", err)
				return
			}
			if err := websocket.JSON.Send(ws, newViewResponse(view, view.Appointments)); err != nil {
				return
			}

			closed := make(chan struct{})
			go func() {
				defer close(closed)
				var discard []byte
				for {
					if err := websocket.Message.Receive(ws, &discard); err != nil {
						return
					}
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return
				case <-closed:
					return
				case v, ok := <-views:
					if !ok {
						return
					}
					if err := websocket.JSON.Send(ws, newViewResponse(v, v.Appointments)); err != nil {
						h.logger.Debug("live client gone", "error", err)
						return
					}
				}
			}
		},
	}
	srv.ServeHTTP(w, r)
}
