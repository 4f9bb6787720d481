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
)

type healthRecordState struct {
	ID          uint64    `json:"id"`
	PatientID   int64     `json:"patient_id"`
	PatientName string    `json:"patient_name"`
	Diagnosis   string    `json:"diagnosis"`
	Treatment   string    `json:"treatment"`
	Provider    string    `json:"provider"`
	Timestamp   time.Time `json:"timestamp"`
}

func (c *Chain) AddRecord(ctx context.Context, from string, patientID int64, patientName, diagnosis, treatment string) (uint64, error) {
	if patientID <= 0 {
		return 0, rejected("invalid patient id %d", patientID)
	}
	name, err := identity.NormalizeName(patientName)
	if err != nil {
		return 0, rejected("invalid patient name")
	}
	diagnosis, treatment = strings.TrimSpace(diagnosis), strings.TrimSpace(treatment)
	if diagnosis == "" || treatment == "" {
		return 0, rejected("diagnosis and treatment are required")
	}
	caller := strings.ToLower(from)

	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner && !c.isAuthorized(caller) {
		return 0, rejected("caller %s is not an authorized provider", caller)
	}

	total, err := c.getUint(keyRecordsTotal)
	if err != nil {
		return 0, err
	}
	id := total + 1
	state := healthRecordState{
		ID:          id,
		PatientID:   patientID,
		PatientName: name,
		Diagnosis:   diagnosis,
		Treatment:   treatment,
		Provider:    caller,
		Timestamp:   c.now().UTC(),
	}

	ids, err := c.patientRecordIDs(patientID)
	if err != nil {
		return 0, err
	}
	ids = append(ids, id)

	tx := Transaction{
		Type:      TxAddRecord,
		From:      caller,
		PatientID: patientID,
		RecordID:  id,
		Name:      name,
		Diagnosis: diagnosis,
		Treatment: treatment,
	}
	_, err = c.appendLocked(ctx, tx, func(b *leveldb.Batch) error {
		if err := putJSON(b, recordKey(id), state); err != nil {
			return err
		}
		if err := putJSON(b, patientRecordsKey(patientID), ids); err != nil {
			return err
		}
		b.Put([]byte(keyRecordsTotal), []byte(strconv.FormatUint(id, 10)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Chain) PatientRecords(_ context.Context, patientID int64) ([]ledger.HealthRecord, error) {
	ids, err := c.patientRecordIDs(patientID)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.HealthRecord, 0, len(ids))
	for _, id := range ids {
		data, err := c.db.Get([]byte(recordKey(id)), nil)
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", id, err)
		}
		var st healthRecordState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", id, err)
		}
		out = append(out, ledger.HealthRecord{
			ID:          st.ID,
			PatientID:   st.PatientID,
			PatientName: st.PatientName,
			Diagnosis:   st.Diagnosis,
			Treatment:   st.Treatment,
			Provider:    st.Provider,
			RecordedAt:  st.Timestamp,
		})
	}
	return out, nil
}

func (c *Chain) patientRecordIDs(patientID int64) ([]uint64, error) {
	data, err := c.db.Get([]byte(patientRecordsKey(patientID)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return []uint64{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode record ids for patient %d: %w", patientID, err)
	}
	return ids, nil
}
