package invoice

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tevani/consent"
	"tevani/risk"
	"tevani/trrf"
)

func newTestLedger(store *fakeStore, consents *fakeConsents, fund *fakeFund) *Ledger {
	return NewLedger(&fakePool{}, store, risk.NewEngine(risk.DefaultConfig()), consents, fund)
}

func testDraft() Draft {
	return Draft{
		InvoiceNumber: "INV-2025-001",
		SellerID:      "seller-1",
		BuyerName:     "Acme Traders",
		BuyerEmail:    "accounts@acme.example",
		Amount:        100000,
		InvoiceDate:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func passingChecks() []risk.Check {
	return []risk.Check{
		{Name: "invoice_number_format", Weight: 40, Result: risk.ResultPass},
		{Name: "invoice_amount", Weight: 40, Result: risk.ResultPass},
		{Name: "date_sequence", Weight: 20, Result: risk.ResultPass},
	}
}

func TestSubmit(t *testing.T) {
	store := newFakeStore()
	svc := newTestLedger(store, newFakeConsents(), newFakeFund(1000000))

	inv, err := svc.Submit(context.Background(), testDraft())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if inv.Status != StatusPendingValidation {
		t.Fatalf("expected pending_validation, got %s", inv.Status)
	}
	if inv.AvailableAmount != inv.Amount {
		t.Fatalf("expected available %d, got %d", inv.Amount, inv.AvailableAmount)
	}
}

func TestSubmit_DraftValidation(t *testing.T) {
	svc := newTestLedger(newFakeStore(), newFakeConsents(), newFakeFund(1000000))

	cases := []struct {
		name   string
		mutate func(*Draft)
	}{
		{"missing number", func(d *Draft) { d.InvoiceNumber = " " }},
		{"missing seller", func(d *Draft) { d.SellerID = "" }},
		{"missing buyer email", func(d *Draft) { d.BuyerEmail = "" }},
		{"zero amount", func(d *Draft) { d.Amount = 0 }},
		{"negative amount", func(d *Draft) { d.Amount = -5 }},
		{"due before issue", func(d *Draft) { d.DueDate = d.InvoiceDate.Add(-time.Hour) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draft := testDraft()
			tc.mutate(&draft)
			if _, err := svc.Submit(context.Background(), draft); !errors.Is(err, ErrInvalidDraft) {
				t.Fatalf("expected ErrInvalidDraft, got %v", err)
			}
		})
	}
}

func TestValidate_CleanOpensConsent(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	svc := newTestLedger(store, consents, newFakeFund(1000000))
	ctx := context.Background()

	inv, _ := svc.Submit(ctx, testDraft())

	updated, err := svc.Validate(ctx, inv.ID, passingChecks())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if updated.Status != StatusPendingConsent {
		t.Fatalf("expected pending_consent, got %s", updated.Status)
	}
	if updated.TrustScore == nil || *updated.TrustScore != 100 {
		t.Fatalf("expected score 100, got %v", updated.TrustScore)
	}
	if updated.RiskTier == nil || *updated.RiskTier != risk.TierA {
		t.Fatalf("expected tier A, got %v", updated.RiskTier)
	}
	if consents.opened[inv.ID] != 1 {
		t.Fatalf("expected one consent window, got %d", consents.opened[inv.ID])
	}
	if len(store.checks[inv.ID]) != 3 {
		t.Fatalf("expected 3 audit checks, got %d", len(store.checks[inv.ID]))
	}
}

func TestValidate_FailRejects(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	svc := newTestLedger(store, consents, newFakeFund(1000000))
	ctx := context.Background()

	inv, _ := svc.Submit(ctx, testDraft())

	checks := passingChecks()
	checks[1].Result = risk.ResultFail

	updated, err := svc.Validate(ctx, inv.ID, checks)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if updated.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", updated.Status)
	}
	if updated.TrustScore == nil || *updated.TrustScore != 60 {
		t.Fatalf("expected audit score 60, got %v", updated.TrustScore)
	}
	if updated.RiskTier != nil {
		t.Fatalf("rejected invoice must not carry a tier, got %v", *updated.RiskTier)
	}
	if updated.RejectNote == nil || *updated.RejectNote == "" {
		t.Fatal("expected reject note naming the failed check")
	}
	if len(consents.opened) != 0 {
		t.Fatal("no consent window may open for a rejected invoice")
	}
}

func TestValidate_ScoringErrorsLeaveInvoiceUntouched(t *testing.T) {
	store := newFakeStore()
	svc := newTestLedger(store, newFakeConsents(), newFakeFund(1000000))
	ctx := context.Background()

	inv, _ := svc.Submit(ctx, testDraft())

	if _, err := svc.Validate(ctx, inv.ID, nil); !errors.Is(err, risk.ErrInsufficientChecks) {
		t.Fatalf("expected ErrInsufficientChecks, got %v", err)
	}
	bad := passingChecks()
	bad[0].Weight = 50
	if _, err := svc.Validate(ctx, inv.ID, bad); !errors.Is(err, risk.ErrBadWeights) {
		t.Fatalf("expected ErrBadWeights, got %v", err)
	}

	got, _ := store.Get(ctx, inv.ID)
	if got.Status != StatusPendingValidation || got.TrustScore != nil {
		t.Fatalf("invoice mutated by failed scoring: %+v", got)
	}
}

func TestValidate_WrongStatus(t *testing.T) {
	store := newFakeStore()
	svc := newTestLedger(store, newFakeConsents(), newFakeFund(1000000))
	ctx := context.Background()

	inv, _ := svc.Submit(ctx, testDraft())
	if _, err := svc.Validate(ctx, inv.ID, passingChecks()); err != nil {
		t.Fatalf("first validate: %v", err)
	}

	if _, err := svc.Validate(ctx, inv.ID, passingChecks()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReject_IdempotentAndCancelsConsent(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	svc := newTestLedger(store, consents, newFakeFund(1000000))
	ctx := context.Background()

	inv, _ := svc.Submit(ctx, testDraft())
	if _, err := svc.Validate(ctx, inv.ID, passingChecks()); err != nil {
		t.Fatalf("validate: %v", err)
	}

	rejected, err := svc.Reject(ctx, inv.ID, "buyer relationship terminated")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if consents.cancelled[inv.ID] != 1 {
		t.Fatalf("expected consent cancellation, got %d", consents.cancelled[inv.ID])
	}

	again, err := svc.Reject(ctx, inv.ID, "second note")
	if err != nil {
		t.Fatalf("repeat reject: %v", err)
	}
	if again.RejectNote == nil || *again.RejectNote != "buyer relationship terminated" {
		t.Fatalf("repeat reject must be a no-op, got note %v", again.RejectNote)
	}
}

// Reject must take the consent record before the invoice row: the buyer
// response path locks consent-then-invoice, so a reject acquiring in the
// opposite order deadlocks against a concurrent response.
func TestReject_LocksConsentBeforeInvoice(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	svc := newTestLedger(store, consents, newFakeFund(1000000))
	ctx := context.Background()

	inv, _ := svc.Submit(ctx, testDraft())
	if _, err := svc.Validate(ctx, inv.ID, passingChecks()); err != nil {
		t.Fatalf("validate: %v", err)
	}

	store.onLock = func(id string) {
		if id == inv.ID && consents.cancelled[inv.ID] == 0 {
			t.Fatal("invoice row locked before the consent record was taken")
		}
	}
	if _, err := svc.Reject(ctx, inv.ID, "ordering check"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	store.onLock = nil
}

func TestReject_FundedIsIllegal(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	fund := newFakeFund(1000000)
	svc := newTestLedger(store, consents, fund)
	ctx := context.Background()

	inv := fundedInvoice(t, ctx, svc, store, consents)

	if _, err := svc.Reject(ctx, inv.ID, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestFlagAndResolve(t *testing.T) {
	store := newFakeStore()
	svc := newTestLedger(store, newFakeConsents(), newFakeFund(1000000))
	ctx := context.Background()

	inv, _ := svc.Submit(ctx, testDraft())

	flagged, err := svc.Flag(ctx, inv.ID)
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if flagged.Status != StatusFlagged || flagged.FlaggedFrom == nil || *flagged.FlaggedFrom != StatusPendingValidation {
		t.Fatalf("unexpected flagged invoice: %+v", flagged)
	}

	if _, err := svc.Flag(ctx, inv.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double flag: expected ErrInvalidTransition, got %v", err)
	}

	restored, err := svc.ResolveFlag(ctx, inv.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if restored.Status != StatusPendingValidation || restored.FlaggedFrom != nil {
		t.Fatalf("expected restore to pending_validation, got %+v", restored)
	}

	if _, err := svc.ResolveFlag(ctx, inv.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolve unflagged: expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordFunding(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	fund := newFakeFund(1000000)
	svc := newTestLedger(store, consents, fund)
	ctx := context.Background()

	inv := validatedInvoice(t, ctx, svc, store, consents)

	funded, err := svc.RecordFunding(ctx, inv.ID, 100000, "fund-key-1")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != StatusFunded {
		t.Fatalf("expected funded, got %s", funded.Status)
	}
	if funded.FundedAmount != 100000 || funded.AvailableAmount != 0 {
		t.Fatalf("unexpected amounts: funded=%d available=%d", funded.FundedAmount, funded.AvailableAmount)
	}
	// Tier B at 20% default coverage.
	if got := fund.held[inv.ID]; got != 20000 {
		t.Fatalf("expected 20000 coverage held, got %d", got)
	}
}

func TestRecordFunding_IdempotencyKeyReuse(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	fund := newFakeFund(1000000)
	svc := newTestLedger(store, consents, fund)
	ctx := context.Background()

	inv := validatedInvoice(t, ctx, svc, store, consents)

	if _, err := svc.RecordFunding(ctx, inv.ID, 100000, "fund-key-1"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	reserved := fund.held[inv.ID]

	again, err := svc.RecordFunding(ctx, inv.ID, 100000, "fund-key-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.FundedAmount != 100000 {
		t.Fatalf("retry changed funded amount: %d", again.FundedAmount)
	}
	if fund.held[inv.ID] != reserved {
		t.Fatal("retry reserved coverage twice")
	}
}

func TestRecordFunding_ConsentGate(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	svc := newTestLedger(store, consents, newFakeFund(1000000))
	ctx := context.Background()

	inv := validatedInvoice(t, ctx, svc, store, consents)

	consents.status[inv.ID] = consent.StatusPending
	if _, err := svc.RecordFunding(ctx, inv.ID, 100000, ""); !errors.Is(err, ErrConsentNotResolved) {
		t.Fatalf("expected ErrConsentNotResolved, got %v", err)
	}

	consents.status[inv.ID] = consent.StatusDisputed
	if _, err := svc.RecordFunding(ctx, inv.ID, 100000, ""); !errors.Is(err, ErrConsentNotResolved) {
		t.Fatalf("expected ErrConsentNotResolved, got %v", err)
	}
}

func TestRecordFunding_AmountBounds(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	svc := newTestLedger(store, consents, newFakeFund(1000000))
	ctx := context.Background()

	inv := validatedInvoice(t, ctx, svc, store, consents)

	if _, err := svc.RecordFunding(ctx, inv.ID, 0, ""); !errors.Is(err, ErrAmountUnavailable) {
		t.Fatalf("zero amount: expected ErrAmountUnavailable, got %v", err)
	}
	if _, err := svc.RecordFunding(ctx, inv.ID, inv.Amount+1, ""); !errors.Is(err, ErrAmountUnavailable) {
		t.Fatalf("over amount: expected ErrAmountUnavailable, got %v", err)
	}
}

func TestRecordFunding_InsufficientPoolAbortsCleanly(t *testing.T) {
	store := newFakeStore()
	consents := newFakeConsents()
	fund := newFakeFund(15000) // below the 20000 tier-B coverage
	svc := newTestLedger(store, consents, fund)
	ctx := context.Background()

	inv := validatedInvoice(t, ctx, svc, store, consents)

	if _, err := svc.RecordFunding(ctx, inv.ID, 100000, ""); !errors.Is(err, trrf.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	got, _ := store.Get(ctx, inv.ID)
	if got.Status != StatusValidated || got.FundedAmount != 0 {
		t.Fatalf("failed funding mutated the invoice: %+v", got)
	}
	if fund.available != 15000 {
		t.Fatalf("failed funding mutated the pool: %d", fund.available)
	}
}

func TestSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("paid releases coverage", func(t *testing.T) {
		store := newFakeStore()
		consents := newFakeConsents()
		fund := newFakeFund(1000000)
		svc := newTestLedger(store, consents, fund)

		inv := fundedInvoice(t, ctx, svc, store, consents)
		settled, err := svc.Settle(ctx, inv.ID, StatusPaid)
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
		if settled.Status != StatusPaid {
			t.Fatalf("expected paid, got %s", settled.Status)
		}
		if fund.held[inv.ID] != 0 {
			t.Fatalf("expected coverage released, still holding %d", fund.held[inv.ID])
		}
	})

	t.Run("defaulted keeps coverage held", func(t *testing.T) {
		store := newFakeStore()
		consents := newFakeConsents()
		fund := newFakeFund(1000000)
		svc := newTestLedger(store, consents, fund)

		inv := fundedInvoice(t, ctx, svc, store, consents)
		settled, err := svc.Settle(ctx, inv.ID, StatusDefaulted)
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
		if settled.Status != StatusDefaulted {
			t.Fatalf("expected defaulted, got %s", settled.Status)
		}
		if fund.held[inv.ID] == 0 {
			t.Fatal("default must leave the reservation held")
		}
	})

	t.Run("illegal outcome and status", func(t *testing.T) {
		store := newFakeStore()
		consents := newFakeConsents()
		svc := newTestLedger(store, consents, newFakeFund(1000000))

		inv := validatedInvoice(t, ctx, svc, store, consents)
		if _, err := svc.Settle(ctx, inv.ID, StatusPaid); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("settle unfunded: expected ErrInvalidTransition, got %v", err)
		}
		if _, err := svc.Settle(ctx, inv.ID, StatusValidated); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("settle to validated: expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusPendingValidation, StatusPendingConsent},
		{StatusPendingValidation, StatusRejected},
		{StatusPendingValidation, StatusFlagged},
		{StatusPendingConsent, StatusValidated},
		{StatusPendingConsent, StatusRejected},
		{StatusValidated, StatusFunded},
		{StatusValidated, StatusRejected},
		{StatusValidated, StatusFlagged},
		{StatusFunded, StatusPaid},
		{StatusFunded, StatusDefaulted},
	}
	for _, pair := range legal {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s legal", pair[0], pair[1])
		}
	}

	illegal := [][2]Status{
		{StatusPendingValidation, StatusFunded},
		{StatusPendingConsent, StatusFunded},
		{StatusFunded, StatusRejected},
		{StatusRejected, StatusPendingValidation},
		{StatusPaid, StatusFunded},
		{StatusDefaulted, StatusFunded},
	}
	for _, pair := range illegal {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s illegal", pair[0], pair[1])
		}
	}
}

// validatedInvoice drives a fresh invoice to validated with approved consent.
func validatedInvoice(t *testing.T, ctx context.Context, svc *Ledger, store *fakeStore, consents *fakeConsents) Invoice {
	t.Helper()
	inv, err := svc.Submit(ctx, testDraft())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	checks := []risk.Check{
		{Name: "invoice_number_format", Weight: 40, Result: risk.ResultPass},
		{Name: "invoice_amount", Weight: 36, Result: risk.ResultPass},
		{Name: "date_sequence", Weight: 24, Result: risk.ResultWarning}, // score 88, tier B
	}
	if _, err := svc.Validate(ctx, inv.ID, checks); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// Buyer acknowledges: invoice promoted, consent resolved.
	store.setStatus(inv.ID, StatusValidated)
	consents.status[inv.ID] = consent.StatusAcknowledged
	got, _ := store.Get(ctx, inv.ID)
	return got
}

func fundedInvoice(t *testing.T, ctx context.Context, svc *Ledger, store *fakeStore, consents *fakeConsents) Invoice {
	t.Helper()
	inv := validatedInvoice(t, ctx, svc, store, consents)
	funded, err := svc.RecordFunding(ctx, inv.ID, inv.Amount, "")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return funded
}

// fakeStore keeps invoices, checks, and idempotency keys in memory.
// onLock, when set, observes every invoice row lock.
type fakeStore struct {
	invoices map[string]*Invoice
	checks   map[string][]CheckRecord
	keys     map[string]bool
	nextID   int
	onLock   func(id string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		invoices: make(map[string]*Invoice),
		checks:   make(map[string][]CheckRecord),
		keys:     make(map[string]bool),
		nextID:   1,
	}
}

func (f *fakeStore) setStatus(id string, status Status) {
	f.invoices[id].Status = status
}

func (f *fakeStore) Insert(_ context.Context, _ pgx.Tx, draft Draft) (Invoice, error) {
	inv := Invoice{
		ID:              fmt.Sprintf("inv-%d", f.nextID),
		InvoiceNumber:   draft.InvoiceNumber,
		SellerID:        draft.SellerID,
		BuyerName:       draft.BuyerName,
		BuyerEmail:      draft.BuyerEmail,
		BuyerPhone:      draft.BuyerPhone,
		Amount:          draft.Amount,
		AvailableAmount: draft.Amount,
		InvoiceDate:     draft.InvoiceDate,
		DueDate:         draft.DueDate,
		Status:          StatusPendingValidation,
		CreatedAt:       time.Now(),
	}
	f.nextID++
	f.invoices[inv.ID] = &inv
	return inv, nil
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Invoice, error) {
	if f.onLock != nil {
		f.onLock(id)
	}
	inv, ok := f.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return *inv, nil
}

func (f *fakeStore) InsertChecks(_ context.Context, _ pgx.Tx, invoiceID string, checks []risk.Check) error {
	for i, c := range checks {
		f.checks[invoiceID] = append(f.checks[invoiceID], CheckRecord{
			InvoiceID: invoiceID,
			Position:  i + 1,
			Name:      c.Name,
			Weight:    c.Weight,
			Result:    c.Result,
			Message:   c.Message,
		})
	}
	return nil
}

func (f *fakeStore) SetScored(_ context.Context, _ pgx.Tx, id string, score int, tier risk.Tier, status Status) (Invoice, error) {
	inv := f.invoices[id]
	inv.TrustScore = &score
	inv.RiskTier = &tier
	inv.Status = status
	return *inv, nil
}

func (f *fakeStore) SetRejected(_ context.Context, _ pgx.Tx, id string, score *int, note string) (Invoice, error) {
	inv := f.invoices[id]
	inv.Status = StatusRejected
	if score != nil {
		inv.TrustScore = score
	}
	inv.RejectNote = &note
	return *inv, nil
}

func (f *fakeStore) SetStatus(_ context.Context, _ pgx.Tx, id string, status Status) (Invoice, error) {
	inv := f.invoices[id]
	inv.Status = status
	return *inv, nil
}

func (f *fakeStore) MarkFlagged(_ context.Context, _ pgx.Tx, id string, from Status) (Invoice, error) {
	inv := f.invoices[id]
	inv.Status = StatusFlagged
	inv.FlaggedFrom = &from
	return *inv, nil
}

func (f *fakeStore) ClearFlag(_ context.Context, _ pgx.Tx, id string, restore Status) (Invoice, error) {
	inv := f.invoices[id]
	inv.Status = restore
	inv.FlaggedFrom = nil
	return *inv, nil
}

func (f *fakeStore) SetFunded(_ context.Context, _ pgx.Tx, id string, fundedAmount, availableAmount int64) (Invoice, error) {
	inv := f.invoices[id]
	inv.Status = StatusFunded
	inv.FundedAmount = fundedAmount
	inv.AvailableAmount = availableAmount
	return *inv, nil
}

func (f *fakeStore) InsertIdempotencyKey(_ context.Context, _ pgx.Tx, key string) error {
	if f.keys[key] {
		return ErrDuplicateIdempotencyKey
	}
	f.keys[key] = true
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return *inv, nil
}

func (f *fakeStore) Checks(_ context.Context, invoiceID string) ([]CheckRecord, error) {
	return f.checks[invoiceID], nil
}

func (f *fakeStore) ListBySeller(_ context.Context, sellerID string) ([]Invoice, error) {
	out := make([]Invoice, 0, 4)
	for _, inv := range f.invoices {
		if inv.SellerID == sellerID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (f *fakeStore) ListByStatus(_ context.Context, status Status, _ int) ([]Invoice, error) {
	out := make([]Invoice, 0, 4)
	for _, inv := range f.invoices {
		if inv.Status == status {
			out = append(out, *inv)
		}
	}
	return out, nil
}

// fakeConsents counts opens/cancels and serves a settable status per invoice.
type fakeConsents struct {
	opened    map[string]int
	cancelled map[string]int
	status    map[string]consent.Status
}

func newFakeConsents() *fakeConsents {
	return &fakeConsents{
		opened:    make(map[string]int),
		cancelled: make(map[string]int),
		status:    make(map[string]consent.Status),
	}
}

func (f *fakeConsents) OpenTx(_ context.Context, _ pgx.Tx, invoiceID, buyerEmail string, _ *string) (consent.Record, error) {
	if f.opened[invoiceID] > 0 {
		return consent.Record{}, consent.ErrConsentAlreadyOpen
	}
	f.opened[invoiceID]++
	f.status[invoiceID] = consent.StatusPending
	return consent.Record{ID: "consent-" + invoiceID, InvoiceID: invoiceID, BuyerEmail: buyerEmail, Status: consent.StatusPending}, nil
}

func (f *fakeConsents) CancelTx(_ context.Context, _ pgx.Tx, invoiceID string) error {
	if st, ok := f.status[invoiceID]; ok && st == consent.StatusPending {
		f.cancelled[invoiceID]++
		f.status[invoiceID] = consent.StatusExpired
	}
	return nil
}

func (f *fakeConsents) GetByInvoice(_ context.Context, invoiceID string) (consent.Record, error) {
	st, ok := f.status[invoiceID]
	if !ok {
		return consent.Record{}, consent.ErrNotFound
	}
	return consent.Record{ID: "consent-" + invoiceID, InvoiceID: invoiceID, Status: st}, nil
}

// fakeFund applies the 20% default coverage with tier multipliers against
// a single available balance.
type fakeFund struct {
	available int64
	held      map[string]int64
}

func newFakeFund(available int64) *fakeFund {
	return &fakeFund{available: available, held: make(map[string]int64)}
}

var fakeMultipliers = map[risk.Tier]float64{
	risk.TierA: 0.5,
	risk.TierB: 1.0,
	risk.TierC: 1.5,
	risk.TierD: 2.0,
}

func (f *fakeFund) ReserveTx(_ context.Context, _ pgx.Tx, invoiceID string, amount int64, tier risk.Tier) (trrf.Reservation, error) {
	mult, ok := fakeMultipliers[tier]
	if !ok {
		return trrf.Reservation{}, trrf.ErrUnknownTier
	}
	coverage := int64(float64(amount)*0.20*mult + 0.5)
	if f.available < coverage {
		return trrf.Reservation{}, trrf.ErrInsufficientFunds
	}
	f.available -= coverage
	f.held[invoiceID] += coverage
	return trrf.Reservation{ID: "res-" + invoiceID, InvoiceID: invoiceID, Amount: coverage, Tier: tier, Status: trrf.ReservationHeld}, nil
}

func (f *fakeFund) ReleaseTx(_ context.Context, _ pgx.Tx, invoiceID string) error {
	held, ok := f.held[invoiceID]
	if !ok || held == 0 {
		return trrf.ErrReservationNotFound
	}
	f.available += held
	delete(f.held, invoiceID)
	return nil
}

type fakePool struct{}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
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
