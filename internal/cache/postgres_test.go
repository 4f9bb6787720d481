package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

var columns = []string{
	"local_id", "ledger_id", "patient_id", "provider_ref", "scheduled_at",
	"reason", "status", "booked_at", "created_at", "updated_at",
}

type recordingFeed struct {
	published [][]byte
}

func (f *recordingFeed) Publish(_ context.Context, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

func (f *recordingFeed) Listen(context.Context, func([]byte)) (func(), error) {
	return func() {}, nil
}

func newPgStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface, *recordingFeed) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	feed := &recordingFeed{}
	s := NewPgStore(mock, feed, logging.Discard())
	t.Cleanup(s.Close)
	return s, mock, feed
}

func row(mock pgxmock.PgxPoolIface, id uuid.UUID, ledgerID *int64, status int16) *pgxmock.Rows {
	now := time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)
	return mock.NewRows(columns).AddRow(
		id, ledgerID, int64(4), "0x742d35cc6635c0532925a3b8d5c9b3b5e2e5b9d8",
		now.Add(48*time.Hour), "follow-up", status, now, now, now,
	)
}

func int64Ptr(v int64) *int64 { return &v }

func TestPgStore_Create(t *testing.T) {
	s, mock, feed := newPgStore(t)
	id := uuid.New()

	mock.ExpectQuery(`INSERT INTO appointments`).
		WithArgs(pgxmock.AnyArg(), int64Ptr(12), int64(4), "0x742d35cc6635c0532925a3b8d5c9b3b5e2e5b9d8",
			pgxmock.AnyArg(), "follow-up", int16(0), pgxmock.AnyArg()).
		WillReturnRows(row(mock, id, int64Ptr(12), 0))

	got, err := s.Create(context.Background(), NewRecord{
		LedgerID:    model.LedgerIDPtr(12),
		PatientID:   4,
		ProviderRef: "0x742d35cc6635c0532925a3b8d5c9b3b5e2e5b9d8",
		ScheduledAt: time.Now().Add(48 * time.Hour),
		Reason:      "follow-up",
		Status:      model.StatusPending,
		BookedAt:    time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, id.String(), got)
	assert.Len(t, feed.published, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_CreateDuplicateLedgerID(t *testing.T) {
	s, mock, _ := newPgStore(t)

	mock.ExpectQuery(`INSERT INTO appointments`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.Create(context.Background(), NewRecord{LedgerID: model.LedgerIDPtr(1), PatientID: 1, Status: model.StatusPending})
	assert.ErrorIs(t, err, ErrLedgerIDConflict)
}

func TestPgStore_GetNotFound(t *testing.T) {
	s, mock, _ := newPgStore(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM appointments`).
		WithArgs(id).
		WillReturnRows(mock.NewRows(columns))

	_, err := s.Get(context.Background(), id.String())
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = s.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_UpdateStatus(t *testing.T) {
	s, mock, feed := newPgStore(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM appointments`).
		WithArgs(id).
		WillReturnRows(row(mock, id, int64Ptr(5), 0))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(id.String(), int16(1), int64Ptr(5), int16(0)).
		WillReturnRows(row(mock, id, int64Ptr(5), 1))

	err := s.UpdateStatus(context.Background(), id.String(), model.StatusApproved, model.LedgerIDPtr(5))
	require.NoError(t, err)
	assert.Len(t, feed.published, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_UpdateStatusIdempotent(t *testing.T) {
	s, mock, feed := newPgStore(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM appointments`).
		WithArgs(id).
		WillReturnRows(row(mock, id, int64Ptr(5), 1))

	err := s.UpdateStatus(context.Background(), id.String(), model.StatusApproved, model.LedgerIDPtr(5))
	require.NoError(t, err)
	assert.Empty(t, feed.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_UpdateStatusLostRace(t *testing.T) {
	s, mock, _ := newPgStore(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM appointments`).
		WithArgs(id).
		WillReturnRows(row(mock, id, int64Ptr(5), 0))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(id.String(), int16(2), pgxmock.AnyArg(), int16(0)).
		WillReturnRows(mock.NewRows(columns))
	mock.ExpectQuery(`FROM appointments`).
		WithArgs(id).
		WillReturnRows(row(mock, id, int64Ptr(5), 1))

	err := s.UpdateStatus(context.Background(), id.String(), model.StatusDeclined, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_FillDetails(t *testing.T) {
	s, mock, feed := newPgStore(t)
	id := uuid.New()
	at := time.Date(2031, 3, 4, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(id, at, "follow-up", model.LegacyReason).
		WillReturnRows(row(mock, id, int64Ptr(5), 0))

	require.NoError(t, s.FillDetails(context.Background(), id.String(), at, "follow-up"))
	assert.Len(t, feed.published, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_FillDetailsKeepsRealDetails(t *testing.T) {
	s, mock, feed := newPgStore(t)
	id := uuid.New()
	at := time.Date(2031, 3, 4, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(id, at, "knee pain", model.LegacyReason).
		WillReturnRows(mock.NewRows(columns))
	mock.ExpectQuery(`FROM appointments`).
		WithArgs(id).
		WillReturnRows(row(mock, id, int64Ptr(5), 0))

	require.NoError(t, s.FillDetails(context.Background(), id.String(), at, "knee pain"))
	assert.Empty(t, feed.published)

	missing := uuid.New()
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(missing, at, "knee pain", model.LegacyReason).
		WillReturnRows(mock.NewRows(columns))
	mock.ExpectQuery(`FROM appointments`).
		WithArgs(missing).
		WillReturnRows(mock.NewRows(columns))

	err := s.FillDetails(context.Background(), missing.String(), at, "knee pain")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_QueryByStatus(t *testing.T) {
	s, mock, _ := newPgStore(t)
	a, b := uuid.New(), uuid.New()

	rows := row(mock, a, int64Ptr(2), 0)
	now := time.Now().UTC()
	rows.AddRow(b, nil, int64(9), "clinic:main", now, "checkup", int16(0), now, now, now)

	mock.ExpectQuery(`WHERE status = \$1`).
		WithArgs(int16(0)).
		WillReturnRows(rows)

	got, err := s.QueryByStatus(context.Background(), model.StatusPending)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.String(), got[0].LocalID)
	assert.Equal(t, uint64(2), got[0].LedgerIDValue())
	assert.False(t, got[1].HasLedgerID())
	assert.NoError(t, mock.ExpectationsWereMet())
}
