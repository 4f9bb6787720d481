package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Feed carries change notifications between processes sharing one database.
type Feed interface {
	Publish(ctx context.Context, payload []byte) error
	Listen(ctx context.Context, fn func(payload []byte)) (func(), error)
}

const pgUniqueViolation = "23505"

const selectColumns = `local_id, ledger_id, patient_id, provider_ref, scheduled_at, reason, status, booked_at, created_at, updated_at`

type PgStore struct {
	db     DB
	feed   Feed
	logger *logging.Logger
	hub    *hub
}

// NewPgStore builds a Postgres backed Store. feed may be nil, in which case
// subscribers only see changes made through this instance.
func NewPgStore(db DB, feed Feed, logger *logging.Logger) *PgStore {
	if logger == nil {
		logger = logging.Default()
	}
	s := &PgStore{db: db, feed: feed, logger: logger.With("component", "cache_postgres")}
	s.hub = newHub(s.query, s.logger)
	return s
}

var _ Store = (*PgStore)(nil)

// Listen forwards remote changes from the feed to local subscribers until
// ctx is done or the returned stop func is called.
func (s *PgStore) Listen(ctx context.Context) (func(), error) {
	if s.feed == nil {
		return func() {}, nil
	}
	return s.feed.Listen(ctx, func(payload []byte) {
		var c Change
		if err := json.Unmarshal(payload, &c); err != nil {
			s.logger.Warn("bad change payload", "error", err)
			s.hub.notify(nil)
			return
		}
		s.hub.notify(&c)
	})
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		a        model.Appointment
		id       uuid.UUID
		ledgerID *int64
		status   int16
	)
	err := row.Scan(
		&id,
		&ledgerID,
		&a.PatientID,
		&a.ProviderRef,
		&a.ScheduledAt,
		&a.Reason,
		&status,
		&a.BookedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, ErrRecordNotFound
		}
		return model.Appointment{}, err
	}

	a.LocalID = id.String()
	if ledgerID != nil {
		a.LedgerID = model.LedgerIDPtr(uint64(*ledgerID))
	}
	a.Status, err = model.StatusFromCode(uint8(status))
	if err != nil {
		return model.Appointment{}, err
	}
	a.Source = model.SourceCache
	return a, nil
}

func ledgerParam(id *uint64) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func (s *PgStore) Create(ctx context.Context, rec NewRecord) (string, error) {
	if !rec.Status.Valid() {
		return "", fmt.Errorf("create: %w", ErrInvalidTransition)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO appointments (local_id, ledger_id, patient_id, provider_ref, scheduled_at, reason, status, booked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+selectColumns,
		uuid.New(), ledgerParam(rec.LedgerID), rec.PatientID, rec.ProviderRef,
		rec.ScheduledAt.UTC(), rec.Reason, int16(rec.Status), rec.BookedAt.UTC())

	appt, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return "", fmt.Errorf("create: %w", ErrLedgerIDConflict)
		}
		return "", fmt.Errorf("insert appointment: %w", err)
	}

	s.publish(ctx, Change{LocalID: appt.LocalID, PatientID: appt.PatientID, To: appt.Status})
	return appt.LocalID, nil
}

func (s *PgStore) UpdateStatus(ctx context.Context, localID string, status model.Status, ledgerID *uint64) error {
	cur, err := s.Get(ctx, localID)
	if err != nil {
		return err
	}
	apply, err := checkUpdate(cur, status, ledgerID)
	if err != nil {
		return fmt.Errorf("update %s: %w", localID, err)
	}
	if !apply {
		return nil
	}

	// Conditional on the status we checked against, so a concurrent writer
	// cannot be overwritten.
	row := s.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    ledger_id = COALESCE(ledger_id, $3),
		    updated_at = now()
		WHERE local_id = $1
		  AND status = $4
		RETURNING `+selectColumns,
		cur.LocalID, int16(status), ledgerParam(ledgerID), int16(cur.Status))

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrRecordNotFound) {
		latest, gerr := s.Get(ctx, localID)
		if gerr != nil {
			return gerr
		}
		apply, cerr := checkUpdate(latest, status, ledgerID)
		if cerr != nil {
			return fmt.Errorf("update %s: %w", localID, cerr)
		}
		if !apply {
			return nil
		}
		return fmt.Errorf("update %s: concurrent change: %w", localID, ErrInvalidTransition)
	}
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}

	from := cur.Status
	s.publish(ctx, Change{LocalID: updated.LocalID, PatientID: updated.PatientID, From: &from, To: updated.Status})
	return nil
}

func (s *PgStore) FillDetails(ctx context.Context, localID string, scheduledAt time.Time, reason string) error {
	id, err := uuid.Parse(localID)
	if err != nil {
		return fmt.Errorf("fill %s: %w", localID, ErrRecordNotFound)
	}

	row := s.db.QueryRow(ctx, `
		UPDATE appointments
		SET scheduled_at = $2,
		    reason = $3,
		    updated_at = now()
		WHERE local_id = $1
		  AND reason = $4
		RETURNING `+selectColumns,
		id, scheduledAt.UTC(), reason, model.LegacyReason)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrRecordNotFound) {
		// Either gone or already carrying real details.
		_, err = s.Get(ctx, localID)
		return err
	}
	if err != nil {
		return fmt.Errorf("fill appointment details: %w", err)
	}

	s.publish(ctx, Change{LocalID: updated.LocalID, PatientID: updated.PatientID, To: updated.Status})
	return nil
}

func (s *PgStore) Get(ctx context.Context, localID string) (model.Appointment, error) {
	id, err := uuid.Parse(localID)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("get %s: %w", localID, ErrRecordNotFound)
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE local_id = $1
	`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return model.Appointment{}, fmt.Errorf("get %s: %w", localID, err)
		}
		return model.Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *PgStore) QueryAll(ctx context.Context) ([]model.Appointment, error) {
	return s.query(ctx, Filter{})
}

func (s *PgStore) QueryByStatus(ctx context.Context, status model.Status) ([]model.Appointment, error) {
	return s.query(ctx, StatusFilter(status))
}

func (s *PgStore) Subscribe(ctx context.Context, filter Filter, fn func([]model.Appointment)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil callback")
	}
	return s.hub.subscribe(ctx, filter, fn), nil
}

func (s *PgStore) Close() {
	s.hub.closeAll()
}

func (s *PgStore) query(ctx context.Context, f Filter) ([]model.Appointment, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if f.Status != nil {
		rows, err = s.db.Query(ctx, `
			SELECT `+selectColumns+`
			FROM appointments
			WHERE status = $1
			ORDER BY created_at DESC, local_id DESC
		`, int16(*f.Status))
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT `+selectColumns+`
			FROM appointments
			ORDER BY created_at DESC, local_id DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var result []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if f.PatientID > 0 {
		result = filterAppointments(result, f)
	}
	return result, nil
}

// publish wakes local subscribers and, when a feed is configured, every
// other instance.
func (s *PgStore) publish(ctx context.Context, c Change) {
	s.hub.notify(&c)
	if s.feed == nil {
		return
	}
	payload, err := json.Marshal(c)
	if err != nil {
		s.logger.Error("encode change", "error", err)
		return
	}
	if err := s.feed.Publish(ctx, payload); err != nil {
		s.logger.Warn("publish change failed", "local_id", c.LocalID, "error", err)
	}
}
