package trrf

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tevani/risk"
)

func TestRequiredCoverage(t *testing.T) {
	alloc := NewAllocator(&fakePool{}, newFakeStore(50000000, 12000000), DefaultConfig())

	cases := []struct {
		amount int64
		tier   risk.Tier
		want   int64
	}{
		{100000, risk.TierA, 10000}, // 20% * 0.5
		{100000, risk.TierB, 20000}, // 20% * 1.0
		{100000, risk.TierC, 30000}, // 20% * 1.5
		{100000, risk.TierD, 40000}, // 20% * 2.0, exactly at the 40% cap
		{99999, risk.TierB, 20000},  // rounds half-up
	}

	for _, tc := range cases {
		got, err := alloc.RequiredCoverage(tc.amount, tc.tier)
		if err != nil {
			t.Fatalf("coverage(%d, %s): %v", tc.amount, tc.tier, err)
		}
		if got != tc.want {
			t.Fatalf("coverage(%d, %s): expected %d, got %d", tc.amount, tc.tier, tc.want, got)
		}
	}
}

func TestRequiredCoverage_Capped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Multipliers[risk.TierD] = 3.0 // 60% raw, must cap at 40%
	alloc := NewAllocator(&fakePool{}, newFakeStore(1000, 0), cfg)

	got, err := alloc.RequiredCoverage(100000, risk.TierD)
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if got != 40000 {
		t.Fatalf("expected cap at 40000, got %d", got)
	}
}

func TestRequiredCoverage_BadInput(t *testing.T) {
	alloc := NewAllocator(&fakePool{}, newFakeStore(1000, 0), DefaultConfig())

	if _, err := alloc.RequiredCoverage(0, risk.TierA); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := alloc.RequiredCoverage(100, risk.Tier("Z")); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestReserveTx_DeductsAndConserves(t *testing.T) {
	store := newFakeStore(50000, 0)
	alloc := NewAllocator(&fakePool{}, store, DefaultConfig())

	res, err := alloc.ReserveTx(context.Background(), &fakeTx{}, "inv-1", 100000, risk.TierB)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Amount != 20000 {
		t.Fatalf("expected reservation of 20000, got %d", res.Amount)
	}
	if store.available != 30000 || store.utilized != 20000 {
		t.Fatalf("unexpected pool state: available=%d utilized=%d", store.available, store.utilized)
	}
	store.assertConserved(t)
}

func TestReserveTx_InsufficientFunds(t *testing.T) {
	store := newFakeStore(15000, 0)
	alloc := NewAllocator(&fakePool{}, store, DefaultConfig())

	_, err := alloc.ReserveTx(context.Background(), &fakeTx{}, "inv-1", 100000, risk.TierB)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if store.available != 15000 || store.utilized != 0 {
		t.Fatalf("failed reserve must not mutate pool: available=%d utilized=%d", store.available, store.utilized)
	}
	if len(store.reservations) != 0 {
		t.Fatal("failed reserve must not create a reservation")
	}
}

func TestReleaseTx_ReturnsCoverage(t *testing.T) {
	store := newFakeStore(50000, 0)
	alloc := NewAllocator(&fakePool{}, store, DefaultConfig())
	ctx := context.Background()

	if _, err := alloc.ReserveTx(ctx, &fakeTx{}, "inv-1", 100000, risk.TierB); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := alloc.ReleaseTx(ctx, &fakeTx{}, "inv-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.available != 50000 || store.utilized != 0 {
		t.Fatalf("release must restore pool: available=%d utilized=%d", store.available, store.utilized)
	}
	store.assertConserved(t)

	// Second release finds no held reservation.
	if err := alloc.ReleaseTx(ctx, &fakeTx{}, "inv-1"); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound on double release, got %v", err)
	}
}

func TestDisbursalLifecycle(t *testing.T) {
	store := newFakeStore(30000, 10000)
	alloc := NewAllocator(&fakePool{}, store, DefaultConfig())
	ctx := context.Background()

	d, err := alloc.RequestDisbursal(ctx, 25000, "default payout for inv-7")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if d.Status != DisbursalPending {
		t.Fatalf("expected pending, got %s", d.Status)
	}
	if store.available != 30000 {
		t.Fatal("request must not touch the pool")
	}

	approved, err := alloc.Approve(ctx, d.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != DisbursalApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if store.available != 5000 || store.utilized != 35000 {
		t.Fatalf("unexpected pool after approval: available=%d utilized=%d", store.available, store.utilized)
	}
	store.assertConserved(t)

	// Approving again is an invalid transition.
	if _, err := alloc.Approve(ctx, d.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApprove_RechecksAvailable(t *testing.T) {
	store := newFakeStore(30000, 0)
	alloc := NewAllocator(&fakePool{}, store, DefaultConfig())
	ctx := context.Background()

	d, err := alloc.RequestDisbursal(ctx, 25000, "payout")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// Capacity drains between request and approval.
	store.available = 10000
	store.utilized = 20000

	if _, err := alloc.Approve(ctx, d.ID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds at approval time, got %v", err)
	}
	if store.available != 10000 || store.utilized != 20000 {
		t.Fatal("failed approval must not mutate pool")
	}

	got, err := alloc.RejectDisbursal(ctx, d.ID, "pool exhausted")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != DisbursalRejected || got.RejectReason == nil || *got.RejectReason != "pool exhausted" {
		t.Fatalf("unexpected rejected disbursal: %+v", got)
	}
	if store.available != 10000 {
		t.Fatal("reject must never touch the pool")
	}

	if _, err := alloc.RejectDisbursal(ctx, d.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on re-reject, got %v", err)
	}
}

func TestEndToEndCoverageScenario(t *testing.T) {
	// Invoice 100,000 tier B needs 20,000 coverage. A 15,000 pool fails,
	// a 50,000 pool succeeds leaving 30,000 available.
	short := newFakeStore(15000, 0)
	alloc := NewAllocator(&fakePool{}, short, DefaultConfig())
	if _, err := alloc.ReserveTx(context.Background(), &fakeTx{}, "inv-1", 100000, risk.TierB); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds with 15000 available, got %v", err)
	}

	funded := newFakeStore(50000, 0)
	alloc = NewAllocator(&fakePool{}, funded, DefaultConfig())
	if _, err := alloc.ReserveTx(context.Background(), &fakeTx{}, "inv-1", 100000, risk.TierB); err != nil {
		t.Fatalf("reserve with 50000 available: %v", err)
	}
	if funded.available != 30000 {
		t.Fatalf("expected available 30000 after reserve, got %d", funded.available)
	}
}

// fakeStore is an in-memory Store that mirrors the pool CHECK constraint.
type fakeStore struct {
	available    int64
	utilized     int64
	total        int64
	reservations map[string]*Reservation
	disbursals   map[string]*Disbursal
	nextID       int
}

func newFakeStore(available, utilized int64) *fakeStore {
	return &fakeStore{
		available:    available,
		utilized:     utilized,
		total:        available + utilized,
		reservations: make(map[string]*Reservation),
		disbursals:   make(map[string]*Disbursal),
		nextID:       1,
	}
}

func (f *fakeStore) assertConserved(t *testing.T) {
	t.Helper()
	if f.total != f.available+f.utilized {
		t.Fatalf("pool conservation violated: total=%d utilized=%d available=%d", f.total, f.utilized, f.available)
	}
}

func (f *fakeStore) id(prefix string) string {
	id := fmt.Sprintf("%s-%d", prefix, f.nextID)
	f.nextID++
	return id
}

func (f *fakeStore) GetPoolForUpdate(_ context.Context, _ pgx.Tx) (Pool, error) {
	return Pool{TotalPool: f.total, Utilized: f.utilized, Available: f.available}, nil
}

func (f *fakeStore) UpdatePool(_ context.Context, _ pgx.Tx, utilized, available int64) error {
	if utilized+available != f.total {
		return fmt.Errorf("fake pool: conservation check failed")
	}
	if utilized < 0 || available < 0 {
		return fmt.Errorf("fake pool: negative balance")
	}
	f.utilized = utilized
	f.available = available
	return nil
}

func (f *fakeStore) InsertReservation(_ context.Context, _ pgx.Tx, invoiceID string, amount int64, tier risk.Tier) (Reservation, error) {
	res := Reservation{
		ID:        f.id("res"),
		InvoiceID: invoiceID,
		Amount:    amount,
		Tier:      tier,
		Status:    ReservationHeld,
		CreatedAt: time.Now(),
	}
	f.reservations[res.ID] = &res
	return res, nil
}

func (f *fakeStore) GetHeldReservationForUpdate(_ context.Context, _ pgx.Tx, invoiceID string) (Reservation, error) {
	for _, res := range f.reservations {
		if res.InvoiceID == invoiceID && res.Status == ReservationHeld {
			return *res, nil
		}
	}
	return Reservation{}, ErrReservationNotFound
}

func (f *fakeStore) MarkReservationReleased(_ context.Context, _ pgx.Tx, reservationID string) error {
	res, ok := f.reservations[reservationID]
	if !ok || res.Status != ReservationHeld {
		return ErrInvalidTransition
	}
	res.Status = ReservationReleased
	now := time.Now()
	res.ReleasedAt = &now
	return nil
}

func (f *fakeStore) InsertDisbursal(_ context.Context, _ pgx.Tx, amount int64, reason string) (Disbursal, error) {
	d := Disbursal{
		ID:          f.id("dis"),
		Amount:      amount,
		Reason:      reason,
		Status:      DisbursalPending,
		RequestedAt: time.Now(),
	}
	f.disbursals[d.ID] = &d
	return d, nil
}

func (f *fakeStore) GetDisbursalForUpdate(_ context.Context, _ pgx.Tx, disbursalID string) (Disbursal, error) {
	d, ok := f.disbursals[disbursalID]
	if !ok {
		return Disbursal{}, ErrDisbursalNotFound
	}
	return *d, nil
}

func (f *fakeStore) ResolveDisbursal(_ context.Context, _ pgx.Tx, disbursalID string, status DisbursalStatus, rejectReason *string) (Disbursal, error) {
	d, ok := f.disbursals[disbursalID]
	if !ok {
		return Disbursal{}, ErrDisbursalNotFound
	}
	d.Status = status
	d.RejectReason = rejectReason
	now := time.Now()
	d.ResolvedAt = &now
	return *d, nil
}

func (f *fakeStore) GetPool(_ context.Context) (Pool, error) {
	return Pool{TotalPool: f.total, Utilized: f.utilized, Available: f.available}, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
