package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/cache"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
)

var (
	ErrMissingLedgerID    = errors.New("appointment has no ledger id yet")
	ErrAlreadyFinalized   = errors.New("appointment is already approved or declined")
	ErrFinalizeInProgress = errors.New("appointment is being finalized, please retry")
	ErrRecordNotFound     = cache.ErrRecordNotFound
	ErrRecordsForbidden   = errors.New("only the patient, the owner or an authorized provider may read these records")
)

// ValidationError rejects an intent before any I/O.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return "invalid " + e.Field
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// Ledger is everything the engine needs from the ledger client.
type Ledger interface {
	Session() (ledger.Session, bool)
	Events() (<-chan ledger.Event, func())

	SubmitBooking(ctx context.Context, patientID int64, provider string, scheduledAt time.Time, reason string) (ledger.Receipt, error)
	SubmitApproval(ctx context.Context, id uint64) error
	SubmitDecline(ctx context.Context, id uint64) error

	ReadOne(ctx context.Context, id uint64) (ledger.Record, error)
	ReadAll(ctx context.Context) (ledger.ReadResult, error)
	ReadByPatient(ctx context.Context, patientID int64) (ledger.ReadResult, error)

	SubmitRecord(ctx context.Context, patientID int64, patientName, diagnosis, treatment string) (uint64, error)
	ReadPatientRecords(ctx context.Context, patientID int64) ([]ledger.HealthRecord, error)
}

// Gate answers whether the session account may approve or decline.
type Gate interface {
	CanFinalize(ctx context.Context) (bool, error)
}
