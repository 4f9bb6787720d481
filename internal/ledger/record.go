package ledger

import (
	"fmt"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

// LegacyReason stands in for the reason on records booked through the
// two-argument legacy call.
const LegacyReason = model.LegacyReason

// Payload is the version-specific part of a raw ledger record.
type Payload interface {
	payloadVersion() int
}

// PayloadV1 is what legacy deployments store: nothing beyond the booking
// timestamp.
type PayloadV1 struct{}

// PayloadV2 carries the scheduling details added by the extended booking call.
type PayloadV2 struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Reason      string    `json:"reason"`
}

func (PayloadV1) payloadVersion() int { return 1 }
func (PayloadV2) payloadVersion() int { return 2 }

// RawRecord is a record exactly as a backend returns it.
type RawRecord struct {
	ID        uint64
	PatientID int64
	Provider  string
	Timestamp time.Time
	Status    uint8
	Payload   Payload
}

// Record is a ledger record normalized into one shape regardless of the
// deployment version that wrote it.
type Record struct {
	ID          uint64
	PatientID   int64
	Provider    string
	BookedAt    time.Time
	ScheduledAt time.Time
	Reason      string
	Status      model.Status
	Legacy      bool
}

func normalize(raw RawRecord) (Record, error) {
	status, err := model.StatusFromCode(raw.Status)
	if err != nil {
		return Record{}, fmt.Errorf("record %d: %w", raw.ID, err)
	}

	rec := Record{
		ID:        raw.ID,
		PatientID: raw.PatientID,
		Provider:  raw.Provider,
		BookedAt:  raw.Timestamp.UTC(),
		Status:    status,
	}

	switch p := raw.Payload.(type) {
	case PayloadV2:
		rec.ScheduledAt = p.ScheduledAt.UTC()
		rec.Reason = p.Reason
	case PayloadV1, nil:
		rec.ScheduledAt = rec.BookedAt
		rec.Reason = LegacyReason
		rec.Legacy = true
	default:
		return Record{}, fmt.Errorf("record %d: unknown payload version %d", raw.ID, p.payloadVersion())
	}

	return rec, nil
}

// Appointment converts the record into the shared appointment shape. The
// status is ledger-confirmed by construction.
func (r Record) Appointment() model.Appointment {
	return model.Appointment{
		LedgerID:    model.LedgerIDPtr(r.ID),
		PatientID:   r.PatientID,
		ProviderRef: r.Provider,
		ScheduledAt: r.ScheduledAt,
		Reason:      r.Reason,
		Status:      r.Status,
		BookedAt:    r.BookedAt,
		Source:      model.SourceLedger,
		Confirmed:   true,
		Legacy:      r.Legacy,
	}
}

// ReadResult is the outcome of an enumerating read. Records that failed to
// read are listed in Skipped rather than failing the whole batch.
type ReadResult struct {
	Records []Record
	Skipped []uint64
	Total   int
}
