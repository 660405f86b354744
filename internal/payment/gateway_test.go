package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Detail
	byPidx map[string]uuid.UUID

	markedVerified int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byID:   make(map[uuid.UUID]*Detail),
		byPidx: make(map[string]uuid.UUID),
	}
}

func (r *fakeRepo) add(appointmentStatus string) *Detail {
	r.mu.Lock()
	defer r.mu.Unlock()
	det := &Detail{
		Payment: Payment{
			ID:            uuid.New(),
			AppointmentID: uuid.New(),
			AmountCents:   150000,
			Currency:      "NPR",
			Status:        StatusCreated,
		},
		AppointmentStatus: appointmentStatus,
	}
	r.byID[det.ID] = det
	return det
}

func (r *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	det, ok := r.byID[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *det
	return &cp, nil
}

func (r *fakeRepo) GetByPidx(_ context.Context, pidx string) (*Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPidx[pidx]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *fakeRepo) GetByAppointmentID(_ context.Context, appointmentID uuid.UUID) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, det := range r.byID {
		if det.AppointmentID == appointmentID {
			cp := det.Payment
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *fakeRepo) MarkInitiated(_ context.Context, id uuid.UUID, pidx, txnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	det, ok := r.byID[id]
	if !ok || det.Status != StatusCreated {
		return ErrStaleStatus
	}
	det.Status = StatusInitiated
	det.ProviderPidx = &pidx
	det.ProviderTxnID = &txnID
	r.byPidx[pidx] = id
	return nil
}

func (r *fakeRepo) MarkVerified(_ context.Context, id uuid.UUID, txnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	det, ok := r.byID[id]
	if !ok || det.Status != StatusInitiated {
		return ErrStaleStatus
	}
	det.Status = StatusVerified
	det.ProviderTxnID = &txnID
	r.markedVerified++
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	det, ok := r.byID[id]
	if !ok || det.Status != StatusInitiated {
		return ErrStaleStatus
	}
	det.Status = StatusFailed
	return nil
}

func (r *fakeRepo) MarkRefunded(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	det, ok := r.byID[id]
	if !ok || det.Status != StatusVerified {
		return ErrStaleStatus
	}
	det.Status = StatusRefunded
	return nil
}

func (r *fakeRepo) status(id uuid.UUID) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id].Status
}

type countingConfirmer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingConfirmer) Confirm(context.Context, uuid.UUID, uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

// providerStub mimics the provider's initiate and status endpoints.
type providerStub struct {
	mu            sync.Mutex
	status        StatusResponse
	statusCalls   int
	failuresFirst int
	srv           *httptest.Server
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()
	p := &providerStub{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/initiate":
			json.NewEncoder(w).Encode(InitiateResponse{
				Pidx:       "pidx-" + uuid.NewString()[:8],
				PaymentURL: "https://pay.example/session",
			})
		case r.Method == http.MethodGet:
			p.statusCalls++
			if p.failuresFirst > 0 {
				p.failuresFirst--
				http.Error(w, "upstream timeout", http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(p.status)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *providerStub) setStatus(s StatusResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

func (p *providerStub) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCalls
}

func newTestGateway(t *testing.T, repo *fakeRepo, stub *providerStub, confirmer Confirmer) *Gateway {
	t.Helper()
	client := NewProviderClient(stub.srv.URL, "test-key", nil, nil).WithHTTPClient(stub.srv.Client())
	g := NewGateway(repo, client, confirmer, "https://clinic.example/payment/return", nil, nil)
	g.verifyBackoff = time.Millisecond
	return g
}

func TestInitiatePersistsSessionBeforeReturningURL(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	g := newTestGateway(t, repo, stub, &countingConfirmer{})

	det := repo.add("pending")

	res, err := g.Initiate(context.Background(), det.ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.Pidx)
	require.NotEmpty(t, res.PaymentURL)

	stored, err := repo.GetByPidx(context.Background(), res.Pidx)
	require.NoError(t, err)
	require.Equal(t, det.ID, stored.ID)
	require.Equal(t, StatusInitiated, stored.Status)
	require.Equal(t, res.TransactionID, *stored.ProviderTxnID)
}

func TestInitiateRefusesDeadAppointment(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	g := newTestGateway(t, repo, stub, &countingConfirmer{})

	det := repo.add("cancelled")

	_, err := g.Initiate(context.Background(), det.ID)
	require.ErrorIs(t, err, ErrAppointmentNotPending)
}

func TestInitiateTwiceReturnsAlreadyInitiated(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	g := newTestGateway(t, repo, stub, &countingConfirmer{})

	det := repo.add("pending")

	_, err := g.Initiate(context.Background(), det.ID)
	require.NoError(t, err)

	_, err = g.Initiate(context.Background(), det.ID)
	require.ErrorIs(t, err, ErrAlreadyInitiated)
}

func TestVerifyUnknownPidxIsAnError(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	g := newTestGateway(t, repo, stub, &countingConfirmer{})

	_, err := g.Verify(context.Background(), "pidx-forged", "txn-forged")
	require.ErrorIs(t, err, ErrUnknownPayment)
}

func TestVerifyCompletedConfirmsExactlyOnce(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	confirmer := &countingConfirmer{}
	g := newTestGateway(t, repo, stub, confirmer)

	det := repo.add("pending")
	res, err := g.Initiate(context.Background(), det.ID)
	require.NoError(t, err)

	stub.setStatus(StatusResponse{Status: ProviderCompleted, TransactionID: "txn-1", TotalAmount: 150000})

	first, err := g.Verify(context.Background(), res.Pidx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeVerified, first.Outcome)
	require.Equal(t, det.AppointmentID, first.AppointmentID)
	require.Equal(t, StatusVerified, repo.status(det.ID))

	providerCallsAfterFirst := stub.calls()

	// Duplicate callback: same result, no second provider lookup, no
	// second status write.
	second, err := g.Verify(context.Background(), res.Pidx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, providerCallsAfterFirst, stub.calls())
	require.Equal(t, 1, repo.markedVerified)
}

func TestVerifyRetriesTransientProviderFailures(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	g := newTestGateway(t, repo, stub, &countingConfirmer{})

	det := repo.add("pending")
	res, err := g.Initiate(context.Background(), det.ID)
	require.NoError(t, err)

	stub.mu.Lock()
	stub.failuresFirst = 2
	stub.status = StatusResponse{Status: ProviderCompleted, TransactionID: "txn-1", TotalAmount: 150000}
	stub.mu.Unlock()

	got, err := g.Verify(context.Background(), res.Pidx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeVerified, got.Outcome)
	require.Equal(t, 3, stub.calls())
}

func TestVerifyExhaustedRetriesSurfacesProviderUnavailable(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	g := newTestGateway(t, repo, stub, &countingConfirmer{})

	det := repo.add("pending")
	res, err := g.Initiate(context.Background(), det.ID)
	require.NoError(t, err)

	stub.mu.Lock()
	stub.failuresFirst = 10
	stub.mu.Unlock()

	_, err = g.Verify(context.Background(), res.Pidx, "txn-1")
	require.ErrorIs(t, err, ErrProviderUnavailable)

	// The payment stays initiated; the user can retry verification until
	// the hold expires.
	require.Equal(t, StatusInitiated, repo.status(det.ID))
}

func TestVerifyPendingLeavesPaymentInitiated(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	confirmer := &countingConfirmer{}
	g := newTestGateway(t, repo, stub, confirmer)

	det := repo.add("pending")
	res, err := g.Initiate(context.Background(), det.ID)
	require.NoError(t, err)

	stub.setStatus(StatusResponse{Status: ProviderPending})

	got, err := g.Verify(context.Background(), res.Pidx, "")
	require.NoError(t, err)
	require.Equal(t, OutcomePending, got.Outcome)
	require.Equal(t, StatusInitiated, repo.status(det.ID))
	require.Zero(t, confirmer.calls)
}

func TestVerifyExpiredSessionFailsPayment(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	confirmer := &countingConfirmer{}
	g := newTestGateway(t, repo, stub, confirmer)

	det := repo.add("pending")
	res, err := g.Initiate(context.Background(), det.ID)
	require.NoError(t, err)

	stub.setStatus(StatusResponse{Status: ProviderExpired})

	got, err := g.Verify(context.Background(), res.Pidx, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, got.Outcome)
	require.Equal(t, StatusFailed, repo.status(det.ID))
	require.Zero(t, confirmer.calls)
}

func TestVerifyAmountMismatchNeverConfirms(t *testing.T) {
	repo := newFakeRepo()
	stub := newProviderStub(t)
	confirmer := &countingConfirmer{}
	g := newTestGateway(t, repo, stub, confirmer)

	det := repo.add("pending")
	res, err := g.Initiate(context.Background(), det.ID)
	require.NoError(t, err)

	stub.setStatus(StatusResponse{Status: ProviderCompleted, TransactionID: "txn-1", TotalAmount: 99})

	got, err := g.Verify(context.Background(), res.Pidx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, got.Outcome)
	require.Equal(t, "amount mismatch", got.Reason)
	require.Zero(t, confirmer.calls)
	require.NotEqual(t, StatusVerified, repo.status(det.ID))
}
