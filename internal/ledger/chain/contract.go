package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

var _ ledger.Backend = (*Chain)(nil)

// appointmentState is the current state of one appointment as derived from
// the blocks that touched it.
type appointmentState struct {
	ID          uint64     `json:"id"`
	PatientID   int64      `json:"patient_id"`
	Provider    string     `json:"provider"`
	Timestamp   time.Time  `json:"timestamp"`
	Status      uint8      `json:"status"`
	Version     int        `json:"version"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func (c *Chain) Owner(context.Context) (string, error) {
	return c.owner, nil
}

func (c *Chain) BookAppointment(ctx context.Context, from string, patientID int64, provider string, scheduledAt time.Time, reason string) (uint64, error) {
	if c.legacy {
		return 0, fmt.Errorf("bookAppointment(uint256,address,uint256,string): %w", ledger.ErrSignatureMismatch)
	}
	if strings.TrimSpace(reason) == "" {
		return 0, rejected("reason is required")
	}
	at := scheduledAt.UTC()
	return c.book(ctx, from, patientID, provider, &at, reason)
}

func (c *Chain) BookAppointmentLegacy(ctx context.Context, from string, patientID int64, provider string) (uint64, error) {
	return c.book(ctx, from, patientID, provider, nil, "")
}

func (c *Chain) book(ctx context.Context, from string, patientID int64, provider string, scheduledAt *time.Time, reason string) (uint64, error) {
	if patientID <= 0 {
		return 0, rejected("invalid patient id %d", patientID)
	}
	prov, err := identity.NormalizeProviderRef(provider)
	if err != nil {
		return 0, rejected("invalid provider: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total, err := c.getUint(keyApptTotal)
	if err != nil {
		return 0, err
	}
	id := total + 1
	now := c.now().UTC()

	state := appointmentState{
		ID:        id,
		PatientID: patientID,
		Provider:  prov,
		Timestamp: now,
		Status:    uint8(model.StatusPending),
		Version:   1,
	}
	txType := TxBookV1
	if scheduledAt != nil {
		state.Version = 2
		state.ScheduledAt = scheduledAt
		state.Reason = reason
		txType = TxBook
	}

	ids, err := c.patientAppointmentIDs(patientID)
	if err != nil {
		return 0, err
	}
	ids = append(ids, id)

	tx := Transaction{
		Type:          txType,
		From:          strings.ToLower(from),
		AppointmentID: id,
		PatientID:     patientID,
		Provider:      prov,
		ScheduledAt:   scheduledAt,
		Reason:        reason,
	}
	_, err = c.appendLocked(ctx, tx, func(b *leveldb.Batch) error {
		if err := putJSON(b, appointmentKey(id), state); err != nil {
			return err
		}
		if err := putJSON(b, patientApptsKey(patientID), ids); err != nil {
			return err
		}
		b.Put([]byte(keyApptTotal), []byte(strconv.FormatUint(id, 10)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Chain) ApproveAppointment(ctx context.Context, from string, id uint64) error {
	return c.setStatus(ctx, from, id, model.StatusApproved, TxApprove)
}

func (c *Chain) DeclineAppointment(ctx context.Context, from string, id uint64) error {
	return c.setStatus(ctx, from, id, model.StatusDeclined, TxDecline)
}

func (c *Chain) setStatus(ctx context.Context, from string, id uint64, to model.Status, txType string) error {
	caller := strings.ToLower(from)

	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner && !c.isAuthorized(caller) {
		return rejected("caller %s is not an authorized provider", caller)
	}

	state, err := c.appointment(id)
	if err != nil {
		return err
	}
	if !model.Status(state.Status).CanTransition(to) {
		return rejected("appointment %d is %s, cannot move to %s", id, model.Status(state.Status), to)
	}
	state.Status = uint8(to)

	_, err = c.appendLocked(ctx, Transaction{Type: txType, From: caller, AppointmentID: id}, func(b *leveldb.Batch) error {
		return putJSON(b, appointmentKey(id), state)
	})
	return err
}

func (c *Chain) GetAppointment(_ context.Context, id uint64) (ledger.RawRecord, error) {
	state, err := c.appointment(id)
	if err != nil {
		return ledger.RawRecord{}, err
	}

	raw := ledger.RawRecord{
		ID:        state.ID,
		PatientID: state.PatientID,
		Provider:  state.Provider,
		Timestamp: state.Timestamp,
		Status:    state.Status,
		Payload:   ledger.PayloadV1{},
	}
	if state.Version >= 2 && state.ScheduledAt != nil {
		raw.Payload = ledger.PayloadV2{ScheduledAt: *state.ScheduledAt, Reason: state.Reason}
	}
	return raw, nil
}

func (c *Chain) appointment(id uint64) (appointmentState, error) {
	var state appointmentState
	data, err := c.db.Get([]byte(appointmentKey(id)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return state, fmt.Errorf("%w: appointment %d: %w", ledger.ErrRejectedByLedger, id, ledger.ErrNotFound)
	}
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode appointment %d: %w", id, err)
	}
	return state, nil
}

func (c *Chain) PatientAppointmentIDs(_ context.Context, patientID int64) ([]uint64, error) {
	return c.patientAppointmentIDs(patientID)
}

func (c *Chain) patientAppointmentIDs(patientID int64) ([]uint64, error) {
	data, err := c.db.Get([]byte(patientApptsKey(patientID)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return []uint64{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode appointment ids for patient %d: %w", patientID, err)
	}
	return ids, nil
}

func (c *Chain) TotalAppointments(context.Context) (uint64, error) {
	return c.getUint(keyApptTotal)
}

func (c *Chain) AuthorizedProvider(_ context.Context, provider string) (bool, error) {
	return c.isAuthorized(strings.ToLower(provider)), nil
}

func (c *Chain) isAuthorized(provider string) bool {
	v, ok := c.getMeta(providerKey(provider))
	return ok && v == "1"
}

func (c *Chain) AuthorizeProvider(ctx context.Context, from, provider string) error {
	return c.setProvider(ctx, from, provider, true)
}

func (c *Chain) RevokeProvider(ctx context.Context, from, provider string) error {
	return c.setProvider(ctx, from, provider, false)
}

func (c *Chain) setProvider(ctx context.Context, from, provider string, authorized bool) error {
	addr, err := identity.NormalizeAddress(provider)
	if err != nil {
		return rejected("invalid provider address: %v", err)
	}
	caller := strings.ToLower(from)

	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner {
		return rejected("only the owner can change provider authorization")
	}

	txType, value := TxRevoke, "0"
	if authorized {
		txType, value = TxAuthorize, "1"
	}
	_, err = c.appendLocked(ctx, Transaction{Type: txType, From: caller, Provider: addr}, func(b *leveldb.Batch) error {
		b.Put([]byte(providerKey(addr)), []byte(value))
		return nil
	})
	return err
}

func (c *Chain) RegisterPatient(ctx context.Context, from, name string) (int64, error) {
	clean, err := identity.NormalizeName(name)
	if err != nil {
		return 0, rejected("invalid patient name")
	}
	account := strings.ToLower(from)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, _ := c.patientOf(account); existing > 0 {
		return 0, rejected("account %s already registered as patient %d", account, existing)
	}
	total, err := c.getUint(keyPatientsTotal)
	if err != nil {
		return 0, err
	}
	id := int64(total + 1)

	_, err = c.appendLocked(ctx, Transaction{Type: TxRegister, From: account, PatientID: id, Name: clean}, func(b *leveldb.Batch) error {
		b.Put([]byte(patientOfKey(account)), []byte(strconv.FormatInt(id, 10)))
		b.Put([]byte(keyPatientsTotal), []byte(strconv.FormatInt(id, 10)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Chain) PatientIDOf(_ context.Context, account string) (int64, error) {
	return c.patientOf(strings.ToLower(account))
}

func (c *Chain) patientOf(account string) (int64, error) {
	s, ok := c.getMeta(patientOfKey(account))
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func (c *Chain) TotalPatients(context.Context) (int64, error) {
	n, err := c.getUint(keyPatientsTotal)
	return int64(n), err
}

func putJSON(b *leveldb.Batch, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	b.Put([]byte(key), data)
	return nil
}
