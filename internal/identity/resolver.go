package identity

import (
	"context"
	"errors"
	"fmt"
)

var ErrNoIdentity = errors.New("no identity for current session")

// Identity is the human behind the current session, resolved to the numeric
// patient id the ledger uses.
type Identity struct {
	Account      string
	PatientID    int64
	DisplayLabel string
}

// Resolver maps the current session to an Identity. Implementations must
// return the same PatientID for the same account within a session.
type Resolver interface {
	CurrentIdentity(ctx context.Context) (*Identity, error)
}

// AccountSource exposes the account bound to the live ledger session.
type AccountSource interface {
	CurrentAccount() (string, bool)
}

// PatientLookup resolves an account to its registered patient id.
// A zero id means the account is not registered.
type PatientLookup interface {
	PatientIDFor(ctx context.Context, account string) (int64, error)
}

// LedgerResolver resolves identities from the ledger's account→patient
// registry.
type LedgerResolver struct {
	accounts AccountSource
	patients PatientLookup
}

func NewLedgerResolver(accounts AccountSource, patients PatientLookup) *LedgerResolver {
	return &LedgerResolver{accounts: accounts, patients: patients}
}

// CurrentIdentity returns (nil, ErrNoIdentity) when no session is live or the
// account never registered as a patient.
func (r *LedgerResolver) CurrentIdentity(ctx context.Context) (*Identity, error) {
	account, ok := r.accounts.CurrentAccount()
	if !ok {
		return nil, ErrNoIdentity
	}

	patientID, err := r.patients.PatientIDFor(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("lookup patient for %s: %w", account, err)
	}
	if patientID <= 0 {
		return nil, fmt.Errorf("%w: account %s is not a registered patient", ErrNoIdentity, account)
	}

	return &Identity{
		Account:      account,
		PatientID:    patientID,
		DisplayLabel: fmt.Sprintf("Patient %d", patientID),
	}, nil
}
