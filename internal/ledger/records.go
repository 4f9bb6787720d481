package ledger

import (
	"context"
	"fmt"
	"time"
)

// HealthRecord is a medical record entry written by an authorized provider.
// Records are append-only; there is no update or delete.
type HealthRecord struct {
	ID          uint64    `json:"record_id"`
	PatientID   int64     `json:"patient_id"`
	PatientName string    `json:"patient_name"`
	Diagnosis   string    `json:"diagnosis"`
	Treatment   string    `json:"treatment"`
	Provider    string    `json:"provider"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// SubmitRecord appends a health record for a patient. The ledger refuses
// authors that are neither the owner nor an authorized provider.
func (c *Client) SubmitRecord(ctx context.Context, patientID int64, patientName, diagnosis, treatment string) (uint64, error) {
	var id uint64
	err := c.call(ctx, "submit_record", func(ctx context.Context, sess Session) error {
		tx := Tx{Method: "addRecord", Args: []any{patientID, patientName, diagnosis, treatment}}
		if err := c.confirm(ctx, sess, tx); err != nil {
			return err
		}
		var err error
		id, err = c.backend.AddRecord(ctx, sess.Account, patientID, patientName, diagnosis, treatment)
		if err != nil {
			return fmt.Errorf("add record for patient %d: %w", patientID, err)
		}
		return nil
	})
	return id, err
}

// ReadPatientRecords returns a patient's records oldest first.
func (c *Client) ReadPatientRecords(ctx context.Context, patientID int64) ([]HealthRecord, error) {
	var recs []HealthRecord
	err := c.call(ctx, "read_patient_records", func(ctx context.Context, _ Session) error {
		var err error
		recs, err = c.backend.PatientRecords(ctx, patientID)
		if err != nil {
			return fmt.Errorf("read records for patient %d: %w", patientID, err)
		}
		return nil
	})
	return recs, err
}
