package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tevani/consent"
	"tevani/invoice"
	"tevani/notify"
	"tevani/risk"
	"tevani/trrf"
)

// Seller submits invoices and immediately runs validation on them, feeding
// the consent and funding actors downstream.
func Seller(ctx context.Context, ledger *invoice.Ledger, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		draft := invoice.Draft{
			InvoiceNumber:  fmt.Sprintf("INV-%s", uuid.NewString()[:8]),
			SellerID:       sellerID,
			BuyerName:      "Stress Buyer",
			BuyerEmail:     fmt.Sprintf("buyer%d@example.com", rand.Intn(5)),
			Amount:         int64(10000 + rand.Intn(90000) + 1), // avoid round amounts
			InvoiceDate:    time.Now().Add(-30 * 24 * time.Hour),
			DueDate:        time.Now().Add(30 * 24 * time.Hour),
			SupportingDocs: 1 + rand.Intn(3),
		}
		inv, err := ledger.Submit(ctx, draft)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("seller submit: %w", err)
		}
		if err == nil {
			checks := risk.DefaultChecks(risk.Draft{
				InvoiceNumber:  draft.InvoiceNumber,
				Amount:         draft.Amount,
				InvoiceDate:    draft.InvoiceDate,
				DueDate:        draft.DueDate,
				SupportingDocs: draft.SupportingDocs,
			})
			if _, err := ledger.Validate(ctx, inv.ID, checks); err != nil && !tolerable(err) {
				return fmt.Errorf("seller validate: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Responder plays the buyer: picks a pending consent record and answers it,
// sometimes acknowledging and sometimes disputing, racing the sweeper.
func Responder(ctx context.Context, pool *pgxpool.Pool, consents *consent.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok, err := pickOne(ctx, pool, `SELECT id FROM consent_records WHERE status='pending' ORDER BY random() LIMIT 1`)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("responder pick: %w", err)
		}
		if ok {
			var respErr error
			if rand.Intn(4) == 0 {
				_, respErr = consents.RecordResponse(ctx, id, consent.StatusDisputed, "amount does not match our records")
			} else {
				_, respErr = consents.RecordResponse(ctx, id, consent.StatusAcknowledged, "")
			}
			if respErr != nil && !tolerable(respErr) {
				return fmt.Errorf("responder: %w", respErr)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Sweeper resolves elapsed consent windows. It sweeps with a clock pushed
// past the window so freshly opened records race the responder immediately.
func Sweeper(ctx context.Context, consents *consent.Service, horizon time.Duration, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := consents.SweepPassive(ctx, time.Now().Add(horizon)); err != nil && !tolerable(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Funder picks validated invoices and records funding with a fresh
// idempotency key, competing with other funders for the same invoice and
// with the coverage pool.
func Funder(ctx context.Context, pool *pgxpool.Pool, ledger *invoice.Ledger, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok, err := pickOne(ctx, pool, `SELECT id FROM invoices WHERE status='validated' ORDER BY random() LIMIT 1`)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("funder pick: %w", err)
		}
		if ok {
			var amount int64
			err := pool.QueryRow(ctx, `SELECT available_amount FROM invoices WHERE id=$1`, id).Scan(&amount)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) && !tolerable(err) {
				return fmt.Errorf("funder read: %w", err)
			}
			if err == nil && amount > 0 {
				if rand.Intn(2) == 0 {
					amount = 1 + rand.Int63n(amount)
				}
				if _, err := ledger.RecordFunding(ctx, id, amount, uuid.NewString()); err != nil && !tolerable(err) {
					return fmt.Errorf("funder: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Settler closes out funded invoices as paid or defaulted.
func Settler(ctx context.Context, pool *pgxpool.Pool, ledger *invoice.Ledger, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok, err := pickOne(ctx, pool, `SELECT id FROM invoices WHERE status='funded' ORDER BY random() LIMIT 1`)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("settler pick: %w", err)
		}
		if ok {
			outcome := invoice.StatusPaid
			if rand.Intn(5) == 0 {
				outcome = invoice.StatusDefaulted
			}
			if _, err := ledger.Settle(ctx, id, outcome); err != nil && !tolerable(err) {
				return fmt.Errorf("settler: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Rejector plays the admin override, rejecting invoices whose consent
// window is still open so the cancel path contends with the responder
// and the sweeper over the same consent record.
func Rejector(ctx context.Context, pool *pgxpool.Pool, ledger *invoice.Ledger, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok, err := pickOne(ctx, pool, `SELECT id FROM invoices WHERE status IN ('pending_consent','validated') ORDER BY random() LIMIT 1`)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("rejector pick: %w", err)
		}
		if ok {
			if _, err := ledger.Reject(ctx, id, "withdrawn under review"); err != nil && !tolerable(err) {
				return fmt.Errorf("rejector: %w", err)
			}
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// Flagger freezes random reviewable invoices and later restores them,
// exercising the flag bookkeeping against the main lifecycle.
func Flagger(ctx context.Context, pool *pgxpool.Pool, ledger *invoice.Ledger, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok, err := pickOne(ctx, pool, `SELECT id FROM invoices WHERE status IN ('pending_validation','validated') ORDER BY random() LIMIT 1`)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("flagger pick: %w", err)
		}
		if ok {
			if _, err := ledger.Flag(ctx, id); err != nil && !tolerable(err) {
				return fmt.Errorf("flagger flag: %w", err)
			}
			time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
			if _, err := ledger.ResolveFlag(ctx, id); err != nil && !tolerable(err) {
				return fmt.Errorf("flagger resolve: %w", err)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// DisbursalAdmin requests small fund payouts and resolves them, draining and
// rejecting against pool availability.
func DisbursalAdmin(ctx context.Context, fund *trrf.Allocator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		d, err := fund.RequestDisbursal(ctx, int64(1+rand.Intn(5000)), "stress payout")
		if err != nil && !tolerable(err) {
			return fmt.Errorf("disbursal request: %w", err)
		}
		if err == nil {
			if rand.Intn(3) == 0 {
				_, err = fund.RejectDisbursal(ctx, d.ID, "declined under load")
			} else {
				_, err = fund.Approve(ctx, d.ID)
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("disbursal resolve: %w", err)
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// OutboxWorker drains pending notifications the same way the api binary does.
func OutboxWorker(ctx context.Context, worker *notify.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := worker.RunOnce(ctx); err != nil && !tolerable(err) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func pickOne(ctx context.Context, pool *pgxpool.Pool, sql string) (string, bool, error) {
	var id string
	err := pool.QueryRow(ctx, sql).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// tolerable reports whether an error is an expected casualty of contention
// rather than an invariant breach. Chaos kills backends mid-flight, so
// transport-level failures are tolerated too.
func tolerable(err error) bool {
	switch {
	case errors.Is(err, invoice.ErrInvalidTransition),
		errors.Is(err, invoice.ErrConsentNotResolved),
		errors.Is(err, invoice.ErrAmountUnavailable),
		errors.Is(err, invoice.ErrNotFound),
		errors.Is(err, invoice.ErrDuplicateIdempotencyKey),
		errors.Is(err, consent.ErrConsentAlreadyResolved),
		errors.Is(err, consent.ErrNotFound),
		errors.Is(err, trrf.ErrInsufficientFunds),
		errors.Is(err, trrf.ErrInvalidTransition),
		errors.Is(err, trrf.ErrReservationNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return transportError(err)
}

func transportError(err error) bool {
	msg := err.Error()
	for _, frag := range []string{"conn closed", "connection reset", "unexpected EOF", "terminating connection", "broken pipe"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
