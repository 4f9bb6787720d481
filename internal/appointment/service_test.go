package appointment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/authz"
	"github.com/hackgods/ledger-appointment-portal/internal/cache"
	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger/chain"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

const (
	ownerAccount    = "0x1111111111111111111111111111111111111111"
	providerAccount = "0x742d35cc6635c0532925a3b8d5c9b3b5e2e5b9d8"
	patientAccount  = "0x8ba1f109551bd432803012645aac136c30c85a1c"
)

type harness struct {
	chain   *chain.Chain
	backend ledger.Backend
	store   cache.Store
	client  *ledger.Client
	svc     *appointment.Service
}

type harnessOpts struct {
	legacy  bool
	account string
	store   cache.Store
	wrap    func(ledger.Backend) ledger.Backend
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	c, err := chain.OpenMemory(chain.Options{Owner: ownerAccount, Legacy: o.legacy, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var backend ledger.Backend = c
	if o.wrap != nil {
		backend = o.wrap(c)
	}
	if o.account == "" {
		o.account = ownerAccount
	}
	if o.store == nil {
		mem := cache.NewMemoryStore(logging.Discard())
		t.Cleanup(mem.Close)
		o.store = mem
	}

	h := &harness{chain: c, backend: backend, store: o.store}
	h.client = h.connect(t, o.account)
	h.svc = h.service(h.client)
	return h
}

func (h *harness) connect(t *testing.T, account string) *ledger.Client {
	t.Helper()
	client := ledger.NewClient(h.backend, ledger.StaticWallet{Account: account}, ledger.Options{Logger: logging.Discard()})
	_, err := client.Connect(context.Background())
	require.NoError(t, err)
	return client
}

func (h *harness) service(client *ledger.Client) *appointment.Service {
	return appointment.NewService(client, h.store, authz.NewGate(client, logging.Discard()),
		identity.NewLedgerResolver(client, client), appointment.Options{Logger: logging.Discard()})
}

func request() appointment.BookRequest {
	return appointment.BookRequest{
		PatientID:   int64(gofakeit.Number(1, 100)),
		ProviderRef: providerAccount,
		ScheduledAt: time.Now().Add(time.Duration(gofakeit.Number(2, 500)) * time.Hour),
		Reason:      gofakeit.Sentence(3),
	}
}

func TestBook_ThenListUnifiedShowsOnePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	req := request()

	res, err := h.svc.Book(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.LedgerID)
	assert.NotEmpty(t, res.LocalID)

	view, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	assert.False(t, view.Degraded)
	require.Len(t, view.Appointments, 1)

	got := view.Appointments[0]
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, res.LocalID, got.LocalID)
	assert.Equal(t, res.LedgerID, got.LedgerIDValue())
	assert.Equal(t, req.PatientID, got.PatientID)
	assert.Equal(t, model.SourceBoth, got.Source)
	assert.True(t, got.Confirmed)
	assert.Equal(t, 1, view.Calendar.Counts.Pending)
	assert.Zero(t, view.Repaired)
}

func TestBook_ValidationFailsBeforeAnyLedgerCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})

	cases := map[string]func(*appointment.BookRequest){
		"scheduledAt": func(r *appointment.BookRequest) { r.ScheduledAt = time.Now().Add(-time.Minute) },
		"patientId":   func(r *appointment.BookRequest) { r.PatientID = 0 },
		"providerRef": func(r *appointment.BookRequest) { r.ProviderRef = "0x12" },
		"reason":      func(r *appointment.BookRequest) { r.Reason = "   " },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			req := request()
			mutate(&req)
			_, err := h.svc.Book(ctx, req)

			var verr *appointment.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
		})
	}

	height, err := h.chain.Height()
	require.NoError(t, err)
	assert.Zero(t, height, "nothing reached the ledger")

	all, err := h.store.QueryAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBook_LedgerFailureLeavesNoCacheRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	client := ledger.NewClient(h.chain, refusingWallet{}, ledger.Options{Logger: logging.Discard()})
	_, err := client.Connect(ctx)
	require.NoError(t, err)
	svc := h.service(client)

	_, err = svc.Book(ctx, request())
	require.ErrorIs(t, err, ledger.ErrUserCancelled)

	all, err := h.store.QueryAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBook_NotConnected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.client.Disconnect()

	_, err := h.svc.Book(context.Background(), request())
	assert.ErrorIs(t, err, ledger.ErrNotConnected)
}

func TestBook_CacheFailureIsHealedByView(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: cache.NewMemoryStore(logging.Discard()), failCreate: true}
	t.Cleanup(store.Close)
	h := newHarness(t, harnessOpts{store: store})

	res, err := h.svc.Book(ctx, request())
	require.NoError(t, err, "ledger accepted the booking")
	assert.Empty(t, res.LocalID)

	store.failCreate = false
	view, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	require.Len(t, view.Appointments, 1)
	assert.Equal(t, 1, view.Repaired)
	assert.NotEmpty(t, view.Appointments[0].LocalID)
	assert.Equal(t, res.LedgerID, view.Appointments[0].LedgerIDValue())

	cached, err := store.QueryAll(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, res.LedgerID, cached[0].LedgerIDValue())
}

func TestApproveThenDecline_SecondIsAlreadyFinalized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	res, err := h.svc.Book(ctx, request())
	require.NoError(t, err)

	appt, err := h.svc.Approve(ctx, appointment.Ref{LocalID: res.LocalID})
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, appt.Status)

	_, err = h.svc.Decline(ctx, appointment.Ref{LedgerID: model.LedgerIDPtr(res.LedgerID)})
	require.ErrorIs(t, err, appointment.ErrAlreadyFinalized)

	rec, err := h.client.ReadOne(ctx, res.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, rec.Status)

	cached, err := h.store.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, cached.Status)
}

func TestDeclineThenApprove_SecondIsAlreadyFinalized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	res, err := h.svc.Book(ctx, request())
	require.NoError(t, err)

	_, err = h.svc.Decline(ctx, appointment.Ref{LedgerID: model.LedgerIDPtr(res.LedgerID)})
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, appointment.Ref{LocalID: res.LocalID})
	require.ErrorIs(t, err, appointment.ErrAlreadyFinalized)

	view, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeclined, view.Appointments[0].Status)
}

func TestConcurrentFinalize_OnlyOneReachesTheLedger(t *testing.T) {
	ctx := context.Background()
	counting := &countingBackend{}
	h := newHarness(t, harnessOpts{wrap: func(b ledger.Backend) ledger.Backend {
		counting.Backend = b
		return counting
	}})
	res, err := h.svc.Book(ctx, request())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := appointment.Ref{LedgerID: model.LedgerIDPtr(res.LedgerID)}
			if i%2 == 0 {
				_, errs[i] = h.svc.Approve(ctx, ref)
			} else {
				_, errs[i] = h.svc.Decline(ctx, ref)
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, appointment.ErrAlreadyFinalized)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int32(1), counting.finalizes())
}

func TestApprove_UnauthorizedProviderRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	res, err := h.svc.Book(ctx, request())
	require.NoError(t, err)

	providerSvc := h.service(h.connect(t, providerAccount))
	_, err = providerSvc.Approve(ctx, appointment.Ref{LedgerID: model.LedgerIDPtr(res.LedgerID)})
	require.ErrorIs(t, err, ledger.ErrRejectedByLedger)

	cached, err := h.store.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, cached.Status, "cache untouched on ledger failure")

	require.NoError(t, authz.NewGate(h.client, logging.Discard()).Authorize(ctx, providerAccount))
	appt, err := providerSvc.Approve(ctx, appointment.Ref{LedgerID: model.LedgerIDPtr(res.LedgerID)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, appt.Status)
	assert.Equal(t, res.LocalID, appt.LocalID)
}

func TestApprove_MissingIdentifiers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})

	_, err := h.svc.Approve(ctx, appointment.Ref{})
	assert.ErrorIs(t, err, appointment.ErrMissingLedgerID)

	_, err = h.svc.Approve(ctx, appointment.Ref{LocalID: "3b0e5a9e-0000-4000-8000-000000000000"})
	assert.ErrorIs(t, err, appointment.ErrRecordNotFound)

	// A cache record that was never finalized on the ledger.
	localID, err := h.store.Create(ctx, cache.NewRecord{
		PatientID: 1, ProviderRef: providerAccount, ScheduledAt: time.Now().Add(time.Hour),
		Reason: "draft", Status: model.StatusPending, BookedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = h.svc.Decline(ctx, appointment.Ref{LocalID: localID})
	assert.ErrorIs(t, err, appointment.ErrMissingLedgerID)
}

func TestListUnified_LedgerStatusWinsAndRepairsCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	res, err := h.svc.Book(ctx, request())
	require.NoError(t, err)

	// Finalized on the ledger but the process died before the cache write.
	require.NoError(t, h.client.SubmitApproval(ctx, res.LedgerID))

	view, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	require.Len(t, view.Appointments, 1)
	assert.Equal(t, model.StatusApproved, view.Appointments[0].Status)
	assert.Equal(t, 1, view.Repaired)

	cached, err := h.store.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, cached.Status)

	again, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Repaired)
}

func TestListUnified_DegradedWhenLedgerUnreachable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	_, err := h.svc.Book(ctx, request())
	require.NoError(t, err)

	h.client.Disconnect()
	view, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	assert.True(t, view.Degraded)
	assert.NotEmpty(t, view.LedgerError)
	require.Len(t, view.Appointments, 1)
	assert.False(t, view.Appointments[0].Confirmed)
	assert.Equal(t, model.SourceCache, view.Appointments[0].Source)

	_, err = h.svc.Reconcile(ctx)
	assert.ErrorIs(t, err, appointment.ErrLedgerUnavailable)
}

func TestListUnified_SkippedRecordsStayUnconfirmed(t *testing.T) {
	ctx := context.Background()
	flaky := &failingReads{fail: map[uint64]bool{}}
	h := newHarness(t, harnessOpts{wrap: func(b ledger.Backend) ledger.Backend {
		flaky.Backend = b
		return flaky
	}})
	for i := 0; i < 5; i++ {
		_, err := h.svc.Book(ctx, request())
		require.NoError(t, err)
	}
	flaky.fail[3] = true

	view, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, view.Skipped)
	require.Len(t, view.Appointments, 5)

	for _, a := range view.Appointments {
		assert.Equal(t, a.LedgerIDValue() != 3, a.Confirmed, "ledger id %d", a.LedgerIDValue())
	}

	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, appointment.ReconcileReport{Checked: 5, Skipped: 1}, report)
}

func TestListUnified_LegacyRecordsKeepCachedDetails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{legacy: true})
	req := request()

	_, err := h.svc.Book(ctx, req)
	require.NoError(t, err)

	view, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	require.Len(t, view.Appointments, 1)
	got := view.Appointments[0]
	assert.True(t, got.Legacy)
	assert.Equal(t, req.Reason, got.Reason)
	assert.True(t, got.ScheduledAt.Equal(req.ScheduledAt))
}

func TestBook_LegacyDetailsSurviveViewDuringBooking(t *testing.T) {
	ctx := context.Background()
	var svc *appointment.Service
	mid := &midBookingView{view: func() {
		_, err := svc.ListUnified(ctx)
		assert.NoError(t, err)
	}}
	h := newHarness(t, harnessOpts{legacy: true, wrap: func(b ledger.Backend) ledger.Backend {
		mid.Backend = b
		return mid
	}})
	svc = h.svc
	req := request()

	res, err := h.svc.Book(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int32(1), mid.calls.Load(), "a view ran between ledger and cache write")
	assert.NotEmpty(t, res.LocalID)

	view, err := h.svc.ListUnified(ctx)
	require.NoError(t, err)
	require.Len(t, view.Appointments, 1)
	got := view.Appointments[0]
	assert.Equal(t, res.LocalID, got.LocalID)
	assert.Equal(t, req.Reason, got.Reason)
	assert.True(t, got.ScheduledAt.Equal(req.ScheduledAt))

	cached, err := h.store.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, req.Reason, cached.Reason)
}

func TestBook_CachesLedgerBookingTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	engineClock := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := appointment.NewService(h.client, h.store, authz.NewGate(h.client, logging.Discard()), nil,
		appointment.Options{Logger: logging.Discard(), Now: func() time.Time { return engineClock }})

	res, err := svc.Book(ctx, request())
	require.NoError(t, err)

	rec, err := h.client.ReadOne(ctx, res.LedgerID)
	require.NoError(t, err)
	cached, err := h.store.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.True(t, cached.BookedAt.Equal(rec.BookedAt), "cache %s ledger %s", cached.BookedAt, rec.BookedAt)
	assert.False(t, cached.BookedAt.Equal(engineClock))
}

func TestApprove_MismatchedReferenceRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	first, err := h.svc.Book(ctx, request())
	require.NoError(t, err)
	second, err := h.svc.Book(ctx, request())
	require.NoError(t, err)

	// A fresh engine only knows the mapping through the cache.
	for _, svc := range []*appointment.Service{h.svc, h.service(h.client)} {
		_, err = svc.Approve(ctx, appointment.Ref{LedgerID: model.LedgerIDPtr(first.LedgerID), LocalID: second.LocalID})
		var verr *appointment.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "ref", verr.Field)
	}

	rec, err := h.client.ReadOne(ctx, first.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status, "nothing reached the ledger")

	appt, err := h.svc.Approve(ctx, appointment.Ref{LedgerID: model.LedgerIDPtr(first.LedgerID), LocalID: first.LocalID})
	require.NoError(t, err)
	assert.Equal(t, first.LocalID, appt.LocalID)
	assert.Equal(t, first.LedgerID, appt.LedgerIDValue())

	other, err := h.store.Get(ctx, second.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, other.Status)
}

func TestListForPatient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	for _, pid := range []int64{7, 8, 7} {
		req := request()
		req.PatientID = pid
		_, err := h.svc.Book(ctx, req)
		require.NoError(t, err)
	}

	view, err := h.svc.ListForPatient(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, view.Appointments, 2)
	for _, a := range view.Appointments {
		assert.Equal(t, int64(7), a.PatientID)
	}

	_, err = h.svc.ListForPatient(ctx, 0)
	var verr *appointment.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBookForCurrentPatient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{account: patientAccount})

	_, err := h.svc.BookForCurrentPatient(ctx, providerAccount, time.Now().Add(time.Hour), "checkup")
	require.ErrorIs(t, err, identity.ErrNoIdentity)

	pid, err := h.client.RegisterPatient(ctx, "Jane Doe")
	require.NoError(t, err)

	res, err := h.svc.BookForCurrentPatient(ctx, providerAccount, time.Now().Add(time.Hour), "checkup")
	require.NoError(t, err)

	appt, err := h.svc.Lookup(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, pid, appt.PatientID)
}

func TestRunPushesViewsToWatchers(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views, stop := h.svc.Watch()
	defer stop()

	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	_, err := h.svc.Book(context.Background(), request())
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if len(v.Appointments) == 1 {
				cancel()
				require.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("no view with the booking arrived")
		}
	}
}

// fakes

type refusingWallet struct{}

func (refusingWallet) RequestAccount(context.Context) (string, error) { return ownerAccount, nil }
func (refusingWallet) Confirm(context.Context, string, ledger.Tx) error {
	return ledger.ErrUserCancelled
}

type flakyStore struct {
	*cache.MemoryStore
	failCreate bool
}

func (s *flakyStore) Create(ctx context.Context, rec cache.NewRecord) (string, error) {
	if s.failCreate {
		return "", errors.New("cache offline")
	}
	return s.MemoryStore.Create(ctx, rec)
}

type countingBackend struct {
	ledger.Backend
	mu    sync.Mutex
	count int32
}

func (c *countingBackend) ApproveAppointment(ctx context.Context, from string, id uint64) error {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return c.Backend.ApproveAppointment(ctx, from, id)
}

func (c *countingBackend) DeclineAppointment(ctx context.Context, from string, id uint64) error {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return c.Backend.DeclineAppointment(ctx, from, id)
}

func (c *countingBackend) finalizes() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

type failingReads struct {
	ledger.Backend
	fail map[uint64]bool
}

func (f *failingReads) GetAppointment(ctx context.Context, id uint64) (ledger.RawRecord, error) {
	if f.fail[id] {
		return ledger.RawRecord{}, errors.New("bad record")
	}
	return f.Backend.GetAppointment(ctx, id)
}

// midBookingView runs a view right after a legacy booking lands on the
// ledger, before the engine writes the cache.
type midBookingView struct {
	ledger.Backend
	view  func()
	calls atomic.Int32
}

func (m *midBookingView) BookAppointmentLegacy(ctx context.Context, from string, patientID int64, provider string) (uint64, error) {
	id, err := m.Backend.BookAppointmentLegacy(ctx, from, patientID, provider)
	if err == nil {
		m.calls.Add(1)
		m.view()
	}
	return id, err
}
