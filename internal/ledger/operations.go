package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Receipt is what the ledger reports back for an accepted booking.
type Receipt struct {
	ID uint64
	// BookedAt is the ledger's own timestamp. It is zero when the record
	// could not be read back after the booking was accepted.
	BookedAt time.Time
	// Legacy is set when the booking went through the two-argument call,
	// so the ledger holds neither the schedule nor the reason.
	Legacy bool
}

// SubmitBooking books an appointment and returns the ledger-assigned id once
// the booking is final. The extended call is tried first; a legacy ledger
// that does not know it gets the two-argument call instead.
func (c *Client) SubmitBooking(ctx context.Context, patientID int64, provider string, scheduledAt time.Time, reason string) (Receipt, error) {
	var rcpt Receipt
	err := c.call(ctx, "submit_booking", func(ctx context.Context, sess Session) error {
		tx := Tx{Method: "bookAppointment", Args: []any{patientID, provider, scheduledAt.Unix(), reason}}
		if err := c.confirm(ctx, sess, tx); err != nil {
			return err
		}

		id, err := c.backend.BookAppointment(ctx, sess.Account, patientID, provider, scheduledAt, reason)
		switch {
		case err == nil:
		case errors.Is(err, ErrSignatureMismatch):
			c.logger.Warn("ledger does not support extended booking, using legacy call",
				"patient_id", patientID, "provider", provider)
			id, err = c.backend.BookAppointmentLegacy(ctx, sess.Account, patientID, provider)
			if err != nil {
				return fmt.Errorf("book appointment (legacy): %w", err)
			}
			rcpt.Legacy = true
		default:
			return fmt.Errorf("book appointment: %w", err)
		}
		rcpt.ID = id

		// The booking is final here; a failed read-back only costs the
		// timestamp.
		if rec, err := c.readRecord(ctx, id); err != nil {
			c.logger.Warn("could not read back booked appointment", "ledger_id", id, "error", err)
		} else {
			rcpt.BookedAt = rec.BookedAt
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return rcpt, nil
}

func (c *Client) SubmitApproval(ctx context.Context, id uint64) error {
	return c.call(ctx, "submit_approval", func(ctx context.Context, sess Session) error {
		if err := c.confirm(ctx, sess, Tx{Method: "approveAppointment", Args: []any{id}}); err != nil {
			return err
		}
		if err := c.backend.ApproveAppointment(ctx, sess.Account, id); err != nil {
			return fmt.Errorf("approve appointment %d: %w", id, err)
		}
		return nil
	})
}

func (c *Client) SubmitDecline(ctx context.Context, id uint64) error {
	return c.call(ctx, "submit_decline", func(ctx context.Context, sess Session) error {
		if err := c.confirm(ctx, sess, Tx{Method: "declineAppointment", Args: []any{id}}); err != nil {
			return err
		}
		if err := c.backend.DeclineAppointment(ctx, sess.Account, id); err != nil {
			return fmt.Errorf("decline appointment %d: %w", id, err)
		}
		return nil
	})
}

func (c *Client) ReadOne(ctx context.Context, id uint64) (Record, error) {
	var rec Record
	err := c.call(ctx, "read_one", func(ctx context.Context, _ Session) error {
		var err error
		rec, err = c.readRecord(ctx, id)
		return err
	})
	return rec, err
}

// ReadAll enumerates every appointment on the ledger. A record that fails to
// read is skipped and reported in the result; the batch never aborts on one
// bad record.
func (c *Client) ReadAll(ctx context.Context) (ReadResult, error) {
	var res ReadResult
	err := c.call(ctx, "read_all", func(ctx context.Context, _ Session) error {
		total, err := c.backend.TotalAppointments(ctx)
		if err != nil {
			return fmt.Errorf("read total appointments: %w", err)
		}
		ids := make([]uint64, 0, total)
		for id := uint64(1); id <= total; id++ {
			ids = append(ids, id)
		}
		res = c.readMany(ctx, "read_all", ids)
		return nil
	})
	return res, err
}

// ReadByPatient enumerates one patient's appointments with the same skip
// semantics as ReadAll.
func (c *Client) ReadByPatient(ctx context.Context, patientID int64) (ReadResult, error) {
	var res ReadResult
	err := c.call(ctx, "read_by_patient", func(ctx context.Context, _ Session) error {
		ids, err := c.backend.PatientAppointmentIDs(ctx, patientID)
		if err != nil {
			return fmt.Errorf("read appointment ids for patient %d: %w", patientID, err)
		}
		res = c.readMany(ctx, "read_by_patient", ids)
		return nil
	})
	return res, err
}

func (c *Client) readMany(ctx context.Context, op string, ids []uint64) ReadResult {
	res := ReadResult{Records: make([]Record, 0, len(ids)), Total: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		rec, err := c.readRecord(ctx, id)
		if err != nil {
			c.logger.Warn("skipping unreadable ledger record", "op", op, "ledger_id", id, "error", err)
			res.Skipped = append(res.Skipped, id)
			continue
		}
		res.Records = append(res.Records, rec)
	}
	c.opts.Metrics.ObserveSkipped(op, len(res.Skipped))
	return res
}

func (c *Client) readRecord(ctx context.Context, id uint64) (Record, error) {
	raw, err := c.backend.GetAppointment(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("read appointment %d: %w", id, err)
	}
	return normalize(raw)
}

func (c *Client) ReadTotalCount(ctx context.Context) (int, error) {
	var total uint64
	err := c.call(ctx, "read_total", func(ctx context.Context, _ Session) error {
		var err error
		total, err = c.backend.TotalAppointments(ctx)
		return err
	})
	return int(total), err
}

func (c *Client) ReadOwner(ctx context.Context) (string, error) {
	var owner string
	err := c.call(ctx, "read_owner", func(ctx context.Context, _ Session) error {
		var err error
		owner, err = c.backend.Owner(ctx)
		return err
	})
	return owner, err
}

func (c *Client) ReadAuthorization(ctx context.Context, provider string) (bool, error) {
	var ok bool
	err := c.call(ctx, "read_authorization", func(ctx context.Context, _ Session) error {
		var err error
		ok, err = c.backend.AuthorizedProvider(ctx, provider)
		return err
	})
	return ok, err
}

func (c *Client) SubmitAuthorize(ctx context.Context, provider string) error {
	return c.call(ctx, "authorize_provider", func(ctx context.Context, sess Session) error {
		if err := c.confirm(ctx, sess, Tx{Method: "authorizeProvider", Args: []any{provider}}); err != nil {
			return err
		}
		return c.backend.AuthorizeProvider(ctx, sess.Account, provider)
	})
}

func (c *Client) SubmitRevoke(ctx context.Context, provider string) error {
	return c.call(ctx, "revoke_provider", func(ctx context.Context, sess Session) error {
		if err := c.confirm(ctx, sess, Tx{Method: "revokeProvider", Args: []any{provider}}); err != nil {
			return err
		}
		return c.backend.RevokeProvider(ctx, sess.Account, provider)
	})
}

// RegisterPatient registers the session account as a patient.
func (c *Client) RegisterPatient(ctx context.Context, name string) (int64, error) {
	var id int64
	err := c.call(ctx, "register_patient", func(ctx context.Context, sess Session) error {
		if err := c.confirm(ctx, sess, Tx{Method: "registerPatient", Args: []any{name}}); err != nil {
			return err
		}
		var err error
		id, err = c.backend.RegisterPatient(ctx, sess.Account, name)
		return err
	})
	return id, err
}

// PatientIDFor implements identity.PatientLookup. Zero means unregistered.
func (c *Client) PatientIDFor(ctx context.Context, account string) (int64, error) {
	var id int64
	err := c.call(ctx, "patient_id_for", func(ctx context.Context, _ Session) error {
		var err error
		id, err = c.backend.PatientIDOf(ctx, account)
		return err
	})
	return id, err
}

func (c *Client) ReadTotalPatients(ctx context.Context) (int64, error) {
	var total int64
	err := c.call(ctx, "read_total_patients", func(ctx context.Context, _ Session) error {
		var err error
		total, err = c.backend.TotalPatients(ctx)
		return err
	})
	return total, err
}
