package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
)

// AddRecord appends a health record for a patient. Only the owner or an
// authorized provider may write; the check runs before the ledger is asked
// and the ledger enforces it again.
func (s *Service) AddRecord(ctx context.Context, req RecordRequest) (rec ledger.HealthRecord, err error) {
	ctx, span := s.tracer.Start(ctx, "records.add")
	defer func() { s.finish(span, "add_record", err) }()

	if err := identity.ValidatePatientID(req.PatientID); err != nil {
		return rec, invalid("patientId", err)
	}
	name, err := identity.NormalizeName(req.PatientName)
	if err != nil {
		return rec, invalid("patientName", err)
	}
	diagnosis := strings.TrimSpace(req.Diagnosis)
	if diagnosis == "" {
		return rec, invalid("diagnosis", errors.New("must not be empty"))
	}
	treatment := strings.TrimSpace(req.Treatment)
	if treatment == "" {
		return rec, invalid("treatment", errors.New("must not be empty"))
	}
	span.SetAttributes(attribute.Int64("patient.id", req.PatientID))

	allowed, err := s.gate.CanFinalize(ctx)
	if err != nil {
		return rec, fmt.Errorf("add record: %w", err)
	}
	if !allowed {
		return rec, fmt.Errorf("add record: provider not authorized: %w", ledger.ErrRejectedByLedger)
	}

	id, err := s.ledger.SubmitRecord(ctx, req.PatientID, name, diagnosis, treatment)
	if err != nil {
		return rec, fmt.Errorf("submit record: %w", err)
	}

	recs, err := s.ledger.ReadPatientRecords(ctx, req.PatientID)
	if err == nil {
		for _, r := range recs {
			if r.ID == id {
				rec = r
			}
		}
	}
	if rec.ID == 0 {
		// Written but not readable yet; answer with what was submitted.
		rec = ledger.HealthRecord{ID: id, PatientID: req.PatientID, PatientName: name, Diagnosis: diagnosis, Treatment: treatment}
	}

	s.logEvent(EventRecordAdded, "record_id", id, "patient_id", req.PatientID)
	return rec, nil
}

// PatientRecords lists a patient's health records. The patient behind the
// session may read their own; the owner and authorized providers may read
// anyone's.
func (s *Service) PatientRecords(ctx context.Context, patientID int64) ([]ledger.HealthRecord, error) {
	if err := identity.ValidatePatientID(patientID); err != nil {
		return nil, invalid("patientId", err)
	}

	allowed, err := s.gate.CanFinalize(ctx)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	if !allowed && s.resolver != nil {
		who, err := s.resolver.CurrentIdentity(ctx)
		allowed = err == nil && who.PatientID == patientID
	}
	if !allowed {
		return nil, ErrRecordsForbidden
	}

	recs, err := s.ledger.ReadPatientRecords(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return recs, nil
}
