package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"tevani/consent"
	"tevani/risk"
	"tevani/trrf"
)

var (
	// ErrInvalidTransition signals an operation illegal for the invoice's
	// current status. The invoice is never mutated.
	ErrInvalidTransition = errors.New("invoice: invalid status transition")
	// ErrConsentNotResolved signals a funding attempt before the buyer's
	// consent window resolved in the seller's favor.
	ErrConsentNotResolved = errors.New("invoice: buyer consent not resolved")
	// ErrNotFound is returned when no invoice matches.
	ErrNotFound = errors.New("invoice: not found")
	// ErrInvalidDraft signals a submission that fails field validation.
	ErrInvalidDraft = errors.New("invoice: invalid draft")
	// ErrAmountUnavailable signals a funding amount outside (0, available].
	ErrAmountUnavailable = errors.New("invoice: amount exceeds available")
	// ErrDuplicateIdempotencyKey is returned by the store when a funding
	// key has already been consumed.
	ErrDuplicateIdempotencyKey = errors.New("invoice: duplicate idempotency key")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the ledger requires. Mutating methods run
// inside the caller-supplied transaction.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, draft Draft) (Invoice, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error)
	InsertChecks(ctx context.Context, tx pgx.Tx, invoiceID string, checks []risk.Check) error
	SetScored(ctx context.Context, tx pgx.Tx, id string, score int, tier risk.Tier, status Status) (Invoice, error)
	SetRejected(ctx context.Context, tx pgx.Tx, id string, score *int, note string) (Invoice, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Invoice, error)
	MarkFlagged(ctx context.Context, tx pgx.Tx, id string, from Status) (Invoice, error)
	ClearFlag(ctx context.Context, tx pgx.Tx, id string, restore Status) (Invoice, error)
	SetFunded(ctx context.Context, tx pgx.Tx, id string, fundedAmount, availableAmount int64) (Invoice, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	Get(ctx context.Context, id string) (Invoice, error)
	Checks(ctx context.Context, invoiceID string) ([]CheckRecord, error)
	ListBySeller(ctx context.Context, sellerID string) ([]Invoice, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Invoice, error)
}

// ConsentCoordinator is the slice of the consent service the ledger
// drives: opening a window when validation passes, cancelling it on
// admin rejection, and reading the resolution before funding.
type ConsentCoordinator interface {
	OpenTx(ctx context.Context, tx pgx.Tx, invoiceID, buyerEmail string, buyerPhone *string) (consent.Record, error)
	CancelTx(ctx context.Context, tx pgx.Tx, invoiceID string) error
	GetByInvoice(ctx context.Context, invoiceID string) (consent.Record, error)
}

// CoverageAllocator is the slice of the risk-fund allocator the ledger
// drives. Both calls join the ledger's transaction so funding and its
// coverage reservation commit or roll back together.
type CoverageAllocator interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, invoiceID string, amount int64, tier risk.Tier) (trrf.Reservation, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, invoiceID string) error
}

// Ledger owns the invoice lifecycle. Every transition happens under the
// invoice's row lock in one short transaction.
type Ledger struct {
	pool     TxBeginner
	repo     Store
	engine   *risk.Engine
	consents ConsentCoordinator
	fund     CoverageAllocator
}

func NewLedger(pool TxBeginner, repo Store, engine *risk.Engine, consents ConsentCoordinator, fund CoverageAllocator) *Ledger {
	return &Ledger{
		pool:     pool,
		repo:     repo,
		engine:   engine,
		consents: consents,
		fund:     fund,
	}
}

// Submit records a seller's draft as pending_validation.
func (l *Ledger) Submit(ctx context.Context, draft Draft) (Invoice, error) {
	if err := validateDraft(draft); err != nil {
		return Invoice{}, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := l.repo.Insert(ctx, tx, draft)
	if err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit submit: %w", err)
	}
	return inv, nil
}

func validateDraft(d Draft) error {
	switch {
	case strings.TrimSpace(d.InvoiceNumber) == "":
		return fmt.Errorf("invoice: missing invoice number: %w", ErrInvalidDraft)
	case d.SellerID == "":
		return fmt.Errorf("invoice: missing seller: %w", ErrInvalidDraft)
	case strings.TrimSpace(d.BuyerEmail) == "":
		return fmt.Errorf("invoice: missing buyer email: %w", ErrInvalidDraft)
	case d.Amount <= 0:
		return fmt.Errorf("invoice: amount must be positive: %w", ErrInvalidDraft)
	case !d.DueDate.After(d.InvoiceDate):
		return fmt.Errorf("invoice: due date must follow invoice date: %w", ErrInvalidDraft)
	}
	return nil
}

// Validate scores a pending_validation invoice. A clean score records the
// tier, moves the invoice to pending_consent, and opens the buyer's
// consent window in the same transaction. Any failing check rejects the
// invoice with the score kept for audit. Scoring errors leave the invoice
// untouched.
func (l *Ledger) Validate(ctx context.Context, id string, checks []risk.Check) (Invoice, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := l.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusPendingValidation {
		return Invoice{}, fmt.Errorf("invoice: validate from %s: %w", inv.Status, ErrInvalidTransition)
	}

	outcome, err := l.engine.Evaluate(checks)
	if err != nil {
		return Invoice{}, err
	}

	if err := l.repo.InsertChecks(ctx, tx, inv.ID, checks); err != nil {
		return Invoice{}, err
	}

	var updated Invoice
	if outcome.Rejected {
		note := fmt.Sprintf("failed validation check %s", outcome.FailedCheck)
		updated, err = l.repo.SetRejected(ctx, tx, inv.ID, &outcome.Score, note)
		if err != nil {
			return Invoice{}, err
		}
	} else {
		updated, err = l.repo.SetScored(ctx, tx, inv.ID, outcome.Score, outcome.Tier, StatusPendingConsent)
		if err != nil {
			return Invoice{}, err
		}
		if _, err := l.consents.OpenTx(ctx, tx, inv.ID, inv.BuyerEmail, inv.BuyerPhone); err != nil {
			return Invoice{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit validation: %w", err)
	}
	return updated, nil
}

// Reject is the admin override. It is idempotent: rejecting an already
// rejected invoice returns it unchanged. A still-pending consent window is
// expired and any held coverage reservation is returned to the pool.
func (l *Ledger) Reject(ctx context.Context, id, note string) (Invoice, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order is consent record first, invoice row second. The buyer
	// response and the passive sweep lock in that order, and a mixed
	// ordering deadlocks under contention. Cancelling before the status
	// check is safe: a consent record is only still pending while its
	// invoice is pending_consent, so on every other path this is a no-op
	// that the rollback discards.
	if err := l.consents.CancelTx(ctx, tx, id); err != nil {
		return Invoice{}, err
	}

	inv, err := l.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status == StatusRejected {
		return inv, nil
	}
	if inv.Status != StatusFlagged && !CanTransition(inv.Status, StatusRejected) {
		return Invoice{}, fmt.Errorf("invoice: reject from %s: %w", inv.Status, ErrInvalidTransition)
	}

	if err := l.fund.ReleaseTx(ctx, tx, id); err != nil && !errors.Is(err, trrf.ErrReservationNotFound) {
		return Invoice{}, err
	}

	updated, err := l.repo.SetRejected(ctx, tx, inv.ID, nil, note)
	if err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit rejection: %w", err)
	}
	return updated, nil
}

// Flag parks an invoice for manual review, remembering the state to
// restore.
func (l *Ledger) Flag(ctx context.Context, id string) (Invoice, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := l.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Invoice{}, err
	}
	if !flaggable(inv.Status) {
		return Invoice{}, fmt.Errorf("invoice: flag from %s: %w", inv.Status, ErrInvalidTransition)
	}

	updated, err := l.repo.MarkFlagged(ctx, tx, inv.ID, inv.Status)
	if err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit flag: %w", err)
	}
	return updated, nil
}

// ResolveFlag returns a flagged invoice to the state it was flagged from.
func (l *Ledger) ResolveFlag(ctx context.Context, id string) (Invoice, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := l.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusFlagged || inv.FlaggedFrom == nil {
		return Invoice{}, fmt.Errorf("invoice: resolve flag from %s: %w", inv.Status, ErrInvalidTransition)
	}

	updated, err := l.repo.ClearFlag(ctx, tx, inv.ID, *inv.FlaggedFrom)
	if err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit flag resolution: %w", err)
	}
	return updated, nil
}

// RecordFunding commits an investor's funding. Coverage is reserved from
// the risk-fund pool in the same transaction, so funding without coverage
// can never commit. A reused idempotency key returns the invoice as-is.
func (l *Ledger) RecordFunding(ctx context.Context, id string, amount int64, idemKey string) (Invoice, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if idemKey != "" {
		if err := l.repo.InsertIdempotencyKey(ctx, tx, idemKey); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return l.repo.Get(ctx, id)
			}
			return Invoice{}, err
		}
	}

	inv, err := l.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusValidated {
		return Invoice{}, fmt.Errorf("invoice: fund from %s: %w", inv.Status, ErrInvalidTransition)
	}
	if amount <= 0 || amount > inv.AvailableAmount {
		return Invoice{}, fmt.Errorf("invoice: funding %d against available %d: %w", amount, inv.AvailableAmount, ErrAmountUnavailable)
	}
	if inv.RiskTier == nil {
		return Invoice{}, fmt.Errorf("invoice: %s has no risk tier: %w", inv.ID, ErrInvalidTransition)
	}

	rec, err := l.consents.GetByInvoice(ctx, inv.ID)
	if err != nil {
		if errors.Is(err, consent.ErrNotFound) {
			return Invoice{}, fmt.Errorf("invoice: no consent window for %s: %w", inv.ID, ErrConsentNotResolved)
		}
		return Invoice{}, err
	}
	if !rec.Status.Approved() {
		return Invoice{}, fmt.Errorf("invoice: consent is %s: %w", rec.Status, ErrConsentNotResolved)
	}

	if _, err := l.fund.ReserveTx(ctx, tx, inv.ID, amount, *inv.RiskTier); err != nil {
		return Invoice{}, err
	}

	updated, err := l.repo.SetFunded(ctx, tx, inv.ID, inv.FundedAmount+amount, inv.AvailableAmount-amount)
	if err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit funding: %w", err)
	}
	return updated, nil
}

// Settle closes out a funded invoice. Repayment releases the coverage
// reservation back to the pool; a default leaves it held for payout
// through the disbursal path.
func (l *Ledger) Settle(ctx context.Context, id string, outcome Status) (Invoice, error) {
	if outcome != StatusPaid && outcome != StatusDefaulted {
		return Invoice{}, fmt.Errorf("invoice: settle to %s: %w", outcome, ErrInvalidTransition)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := l.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Invoice{}, err
	}
	if !CanTransition(inv.Status, outcome) {
		return Invoice{}, fmt.Errorf("invoice: settle from %s: %w", inv.Status, ErrInvalidTransition)
	}

	if outcome == StatusPaid {
		if err := l.fund.ReleaseTx(ctx, tx, inv.ID); err != nil {
			return Invoice{}, err
		}
	}

	updated, err := l.repo.SetStatus(ctx, tx, inv.ID, outcome)
	if err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit settlement: %w", err)
	}
	return updated, nil
}

// Get returns one invoice.
func (l *Ledger) Get(ctx context.Context, id string) (Invoice, error) {
	return l.repo.Get(ctx, id)
}

// Checks returns the ordered validation checks recorded for an invoice.
func (l *Ledger) Checks(ctx context.Context, invoiceID string) ([]CheckRecord, error) {
	return l.repo.Checks(ctx, invoiceID)
}

// ListBySeller returns a seller's invoices, newest first.
func (l *Ledger) ListBySeller(ctx context.Context, sellerID string) ([]Invoice, error) {
	return l.repo.ListBySeller(ctx, sellerID)
}

// ListByStatus returns invoices in one status for the admin surface.
func (l *Ledger) ListByStatus(ctx context.Context, status Status, limit int) ([]Invoice, error) {
	return l.repo.ListByStatus(ctx, status, limit)
}
