package ledger

import (
	"context"
	"time"
)

// Backend is the append-only ledger service. Every mutating call carries the
// caller account and returns only once the mutation is final. Refusals wrap
// ErrRejectedByLedger; an unknown method signature wraps ErrSignatureMismatch.
type Backend interface {
	Owner(ctx context.Context) (string, error)

	BookAppointment(ctx context.Context, from string, patientID int64, provider string, scheduledAt time.Time, reason string) (uint64, error)
	BookAppointmentLegacy(ctx context.Context, from string, patientID int64, provider string) (uint64, error)
	ApproveAppointment(ctx context.Context, from string, id uint64) error
	DeclineAppointment(ctx context.Context, from string, id uint64) error

	GetAppointment(ctx context.Context, id uint64) (RawRecord, error)
	PatientAppointmentIDs(ctx context.Context, patientID int64) ([]uint64, error)
	TotalAppointments(ctx context.Context) (uint64, error)

	AuthorizedProvider(ctx context.Context, provider string) (bool, error)
	AuthorizeProvider(ctx context.Context, from, provider string) error
	RevokeProvider(ctx context.Context, from, provider string) error

	RegisterPatient(ctx context.Context, from, name string) (int64, error)
	PatientIDOf(ctx context.Context, account string) (int64, error)
	TotalPatients(ctx context.Context) (int64, error)

	AddRecord(ctx context.Context, from string, patientID int64, patientName, diagnosis, treatment string) (uint64, error)
	PatientRecords(ctx context.Context, patientID int64) ([]HealthRecord, error)
}

// Tx describes a mutation the session holder is asked to confirm.
type Tx struct {
	Method string
	Args   []any
}

// Wallet is the session holder. RequestAccount is asked on connect;
// Confirm is asked before every mutation and returns ErrUserCancelled when
// the holder refuses.
type Wallet interface {
	RequestAccount(ctx context.Context) (string, error)
	Confirm(ctx context.Context, account string, tx Tx) error
}

// StaticWallet always uses one account and confirms everything. It is the
// wallet a server process runs with.
type StaticWallet struct {
	Account string
}

func (w StaticWallet) RequestAccount(context.Context) (string, error) {
	if w.Account == "" {
		return "", ErrUserCancelled
	}
	return w.Account, nil
}

func (StaticWallet) Confirm(context.Context, string, Tx) error {
	return nil
}
