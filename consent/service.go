package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrConsentAlreadyOpen signals a second open attempt for the same invoice.
	ErrConsentAlreadyOpen = errors.New("consent: window already open for invoice")
	// ErrConsentAlreadyResolved signals a response against a settled record.
	ErrConsentAlreadyResolved = errors.New("consent: record already resolved")
	// ErrConsentChannelClosed signals messaging after a dispute.
	ErrConsentChannelClosed = errors.New("consent: channel closed after dispute")
	// ErrNotFound is returned when no consent record matches.
	ErrNotFound = errors.New("consent: record not found")
	// ErrReasonRequired signals a dispute without a reason.
	ErrReasonRequired = errors.New("consent: dispute reason required")
	// ErrInvalidOutcome signals a response outcome outside acknowledged/disputed.
	ErrInvalidOutcome = errors.New("consent: invalid response outcome")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the coordinator requires.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, consentID string) (Record, error)
	GetByInvoiceForUpdate(ctx context.Context, tx pgx.Tx, invoiceID string) (Record, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, consentID string, status Status, disputeReason *string) (Record, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, consentID string, kind EventKind, details map[string]any) (Event, error)
	SetInvoiceStatus(ctx context.Context, tx pgx.Tx, invoiceID, from, to string) error
	ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	Get(ctx context.Context, consentID string) (Record, error)
	GetByInvoice(ctx context.Context, invoiceID string) (Record, error)
	Events(ctx context.Context, consentID string) ([]Event, error)
}

// OutboxWriter enqueues notification work inside the active transaction.
// Dispatch itself happens after commit, off the aggregate lock.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Config carries the consent window parameters. Immutable after construction.
type Config struct {
	Window time.Duration
}

// DefaultConfig returns the 48-hour passive-consent window.
func DefaultConfig() Config {
	return Config{Window: 48 * time.Hour}
}

// Service coordinates buyer consent windows: one per invoice, resolved by
// explicit response or by the passive-approval sweep.
type Service struct {
	pool   TxBeginner
	repo   Store
	outbox OutboxWriter
	cfg    Config
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Store, outbox OutboxWriter, cfg Config) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		outbox: outbox,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenTx creates the single pending consent record for an invoice inside
// the caller's transaction, appends the opening event, and enqueues the
// buyer notification. A duplicate open fails with ErrConsentAlreadyOpen.
func (s *Service) OpenTx(ctx context.Context, tx pgx.Tx, invoiceID, buyerEmail string, buyerPhone *string) (Record, error) {
	if invoiceID == "" {
		return Record{}, fmt.Errorf("consent: missing invoice id")
	}
	if buyerEmail == "" {
		return Record{}, fmt.Errorf("consent: buyer email required")
	}

	opened := s.now()
	rec, err := s.repo.Insert(ctx, tx, Record{
		InvoiceID:  invoiceID,
		BuyerEmail: buyerEmail,
		BuyerPhone: buyerPhone,
		Status:     StatusPending,
		CreatedAt:  opened,
		WindowEnd:  opened.Add(s.cfg.Window),
	})
	if err != nil {
		return Record{}, err
	}

	if _, err := s.repo.AppendEvent(ctx, tx, rec.ID, EventWindowOpened, map[string]any{
		"invoice_id": invoiceID,
		"window_end": rec.WindowEnd.UTC(),
	}); err != nil {
		return Record{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"consent_id":  rec.ID,
			"invoice_id":  invoiceID,
			"buyer_email": buyerEmail,
			"window_end":  rec.WindowEnd.UTC(),
		}
		if buyerPhone != nil {
			payload["buyer_phone"] = *buyerPhone
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicConsentRequested, payload); err != nil {
			return Record{}, fmt.Errorf("consent: enqueue open notification: %w", err)
		}
	}

	return rec, nil
}

// RecordResponse applies an explicit buyer response. The record row is
// locked first, so a response and the passive sweep can never both
// resolve the same record.
func (s *Service) RecordResponse(ctx context.Context, consentID string, outcome Status, reason string) (Record, error) {
	if outcome != StatusAcknowledged && outcome != StatusDisputed {
		return Record{}, ErrInvalidOutcome
	}
	reason = strings.TrimSpace(reason)
	if outcome == StatusDisputed && reason == "" {
		return Record{}, ErrReasonRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("consent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, consentID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status.Resolved() {
		return Record{}, fmt.Errorf("consent: record %s is %s: %w", rec.ID, rec.Status, ErrConsentAlreadyResolved)
	}

	var disputeReason *string
	kind := EventExplicitConsent
	invoiceNext := "validated"
	details := map[string]any{"invoice_id": rec.InvoiceID}
	if outcome == StatusDisputed {
		kind = EventDisputeRaised
		invoiceNext = "rejected"
		disputeReason = &reason
		details["reason"] = reason
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, rec.ID, outcome, disputeReason)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.repo.AppendEvent(ctx, tx, rec.ID, kind, details); err != nil {
		return Record{}, err
	}

	if err := s.repo.SetInvoiceStatus(ctx, tx, rec.InvoiceID, "pending_consent", invoiceNext); err != nil {
		return Record{}, err
	}

	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, TopicConsentResolved, map[string]any{
			"consent_id": rec.ID,
			"invoice_id": rec.InvoiceID,
			"status":     string(outcome),
		}); err != nil {
			return Record{}, fmt.Errorf("consent: enqueue resolution: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("consent: commit response: %w", err)
	}
	return updated, nil
}

// SweepPassive resolves every still-pending record whose window has
// closed to passive_approved. Each record is re-locked and re-checked in
// its own transaction, so an explicit response racing the sweep always
// wins and repeated sweeps are no-ops. Returns the number resolved.
func (s *Service) SweepPassive(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.ListPendingExpired(ctx, now, 500)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, id := range ids {
		ok, err := s.sweepOne(ctx, id, now)
		if err != nil {
			return resolved, err
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (s *Service) sweepOne(ctx context.Context, consentID string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("consent: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, consentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	// Explicit responses win the race: skip anything no longer pending.
	if rec.Status.Resolved() || rec.WindowEnd.After(now) {
		return false, nil
	}

	if _, err := s.repo.UpdateStatus(ctx, tx, rec.ID, StatusPassiveApproved, nil); err != nil {
		return false, err
	}
	if _, err := s.repo.AppendEvent(ctx, tx, rec.ID, EventPassiveConsent, map[string]any{
		"invoice_id": rec.InvoiceID,
		"window_end": rec.WindowEnd.UTC(),
	}); err != nil {
		return false, err
	}

	if err := s.repo.SetInvoiceStatus(ctx, tx, rec.InvoiceID, "pending_consent", "validated"); err != nil {
		return false, err
	}

	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, TopicConsentResolved, map[string]any{
			"consent_id": rec.ID,
			"invoice_id": rec.InvoiceID,
			"status":     string(StatusPassiveApproved),
		}); err != nil {
			return false, fmt.Errorf("consent: enqueue passive resolution: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("consent: commit sweep: %w", err)
	}
	return true, nil
}

// SendMessage appends a message_sent event and queues delivery. The
// channel closes once the buyer disputes.
func (s *Service) SendMessage(ctx context.Context, consentID, text string) (Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Event{}, fmt.Errorf("consent: empty message")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("consent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, consentID)
	if err != nil {
		return Event{}, err
	}
	if rec.Status == StatusDisputed {
		return Event{}, ErrConsentChannelClosed
	}

	ev, err := s.repo.AppendEvent(ctx, tx, rec.ID, EventMessageSent, map[string]any{
		"invoice_id": rec.InvoiceID,
		"text":       text,
	})
	if err != nil {
		return Event{}, err
	}

	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, TopicConsentMessage, map[string]any{
			"consent_id":  rec.ID,
			"buyer_email": rec.BuyerEmail,
			"text":        text,
		}); err != nil {
			return Event{}, fmt.Errorf("consent: enqueue message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("consent: commit message: %w", err)
	}
	return ev, nil
}

// CancelTx expires a still-pending window inside the caller's transaction
// (invoice withdrawn or admin-rejected before the buyer responded).
// Records already resolved, and invoices that never opened a window, are
// left untouched.
func (s *Service) CancelTx(ctx context.Context, tx pgx.Tx, invoiceID string) error {
	rec, err := s.repo.GetByInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Status.Resolved() {
		return nil
	}

	if _, err := s.repo.UpdateStatus(ctx, tx, rec.ID, StatusExpired, nil); err != nil {
		return err
	}
	if _, err := s.repo.AppendEvent(ctx, tx, rec.ID, EventWindowExpired, map[string]any{
		"invoice_id": rec.InvoiceID,
	}); err != nil {
		return err
	}
	return nil
}

// Get returns the record by id.
func (s *Service) Get(ctx context.Context, consentID string) (Record, error) {
	return s.repo.Get(ctx, consentID)
}

// GetByInvoice returns the record linked to an invoice.
func (s *Service) GetByInvoice(ctx context.Context, invoiceID string) (Record, error) {
	return s.repo.GetByInvoice(ctx, invoiceID)
}

// Events returns the ordered event log for the audit surface.
func (s *Service) Events(ctx context.Context, consentID string) ([]Event, error) {
	return s.repo.Events(ctx, consentID)
}
