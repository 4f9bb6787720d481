package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the appointment status. The numeric values are the codes the
// ledger stores.
type Status uint8

const (
	StatusPending  Status = 0
	StatusApproved Status = 1
	StatusDeclined Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDeclined:
		return "declined"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Valid() bool {
	return s <= StatusDeclined
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDeclined
}

// CanTransition allows only Pending→Approved and Pending→Declined.
func (s Status) CanTransition(to Status) bool {
	return s == StatusPending && to.Terminal()
}

func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "0":
		return StatusPending, nil
	case "approved", "1":
		return StatusApproved, nil
	case "declined", "2":
		return StatusDeclined, nil
	}
	return 0, fmt.Errorf("unknown appointment status %q", raw)
}

func StatusFromCode(code uint8) (Status, error) {
	s := Status(code)
	if !s.Valid() {
		return 0, fmt.Errorf("unknown status code %d", code)
	}
	return s, nil
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Source says where a unified appointment's data came from.
type Source string

const (
	SourceLedger Source = "ledger"
	SourceCache  Source = "cache"
	SourceBoth   Source = "both"
)

// LegacyReason stands in for the reason of appointments booked on a ledger
// that stores neither a schedule nor a reason.
const LegacyReason = "Healthcare Consultation"

// Appointment is the canonical appointment shape shared by the cache, the
// reconciliation engine and the projector.
type Appointment struct {
	LocalID     string    `json:"local_id,omitempty"`
	LedgerID    *uint64   `json:"ledger_id,omitempty"`
	PatientID   int64     `json:"patient_id"`
	ProviderRef string    `json:"provider_ref"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Reason      string    `json:"reason"`
	Status      Status    `json:"status"`
	BookedAt    time.Time `json:"booked_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Read-side only.
	Source    Source `json:"source,omitempty"`
	Confirmed bool   `json:"confirmed"`
	Legacy    bool   `json:"legacy,omitempty"`
}

func (a Appointment) HasLedgerID() bool {
	return a.LedgerID != nil
}

// LedgerIDValue returns the ledger id or zero when absent.
func (a Appointment) LedgerIDValue() uint64 {
	if a.LedgerID == nil {
		return 0
	}
	return *a.LedgerID
}

func LedgerIDPtr(id uint64) *uint64 {
	return &id
}
