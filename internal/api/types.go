package api

import (
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/calendar"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

type CreateAppointmentRequest struct {
	// PatientID may be omitted to book for the patient behind the session.
	PatientID   int64  `json:"patient_id,omitempty"`
	ProviderRef string `json:"provider_ref"`
	ScheduledAt string `json:"scheduled_at"`
	Reason      string `json:"reason"`
}

type BookResponse struct {
	LedgerID uint64 `json:"ledger_id"`
	LocalID  string `json:"local_id,omitempty"`
	Status   string `json:"status"`
}

type ViewResponse struct {
	Appointments []model.Appointment `json:"appointments"`
	Counts       calendar.Counts     `json:"counts"`
	Degraded     bool                `json:"degraded"`
	LedgerError  string              `json:"ledger_error,omitempty"`
	Skipped      []uint64            `json:"skipped,omitempty"`
	GeneratedAt  time.Time           `json:"generated_at"`
}

func newViewResponse(v appointment.View, appts []model.Appointment) ViewResponse {
	if appts == nil {
		appts = []model.Appointment{}
	}
	return ViewResponse{
		Appointments: appts,
		Counts:       v.Calendar.Counts,
		Degraded:     v.Degraded,
		LedgerError:  v.LedgerError,
		Skipped:      v.Skipped,
		GeneratedAt:  v.GeneratedAt,
	}
}

type CalendarResponse struct {
	Year     int                                      `json:"year"`
	Month    int                                      `json:"month"`
	Days     []calendar.Day                           `json:"days"`
	ByDate   map[calendar.DateKey][]model.Appointment `json:"by_date"`
	Counts   calendar.Counts                          `json:"counts"`
	Degraded bool                                     `json:"degraded"`
}

type SessionResponse struct {
	Connected   bool       `json:"connected"`
	Account     string     `json:"account,omitempty"`
	Owner       bool       `json:"owner"`
	Authorized  bool       `json:"authorized"`
	Epoch       uint64     `json:"epoch,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

func newSessionResponse(s ledger.Session, authorized bool) SessionResponse {
	at := s.ConnectedAt
	return SessionResponse{
		Connected:   true,
		Account:     s.Account,
		Owner:       s.Owner,
		Authorized:  authorized,
		Epoch:       s.Epoch,
		ConnectedAt: &at,
	}
}

type AccountChangeRequest struct {
	Account string `json:"account"`
}

type RegisterPatientRequest struct {
	Name string `json:"name"`
}

type PatientResponse struct {
	PatientID int64  `json:"patient_id"`
	Account   string `json:"account"`
}

type ProviderResponse struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

type AddRecordRequest struct {
	PatientName string `json:"patient_name"`
	Diagnosis   string `json:"diagnosis"`
	Treatment   string `json:"treatment"`
}

type RecordsResponse struct {
	PatientID int64                 `json:"patient_id"`
	Records   []ledger.HealthRecord `json:"records"`
}
