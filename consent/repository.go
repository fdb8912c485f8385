package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the pgx-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `id, invoice_id, buyer_email, buyer_phone, status::text, dispute_reason, created_at, window_end`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO consent_records (invoice_id, buyer_email, buyer_phone, window_end)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + recordColumns
	var out Record
	err := tx.QueryRow(ctx, query, rec.InvoiceID, rec.BuyerEmail, rec.BuyerPhone, rec.WindowEnd).
		Scan(&out.ID, &out.InvoiceID, &out.BuyerEmail, &out.BuyerPhone, &out.Status, &out.DisputeReason, &out.CreatedAt, &out.WindowEnd)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrConsentAlreadyOpen
		}
		return Record{}, fmt.Errorf("consent: insert record: %w", err)
	}
	return out, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, consentID string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM consent_records WHERE id = $1 FOR UPDATE`
	return r.scanRecord(tx.QueryRow(ctx, query, consentID))
}

func (r *Repository) GetByInvoiceForUpdate(ctx context.Context, tx pgx.Tx, invoiceID string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM consent_records WHERE invoice_id = $1 FOR UPDATE`
	return r.scanRecord(tx.QueryRow(ctx, query, invoiceID))
}

func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, consentID string, status Status, disputeReason *string) (Record, error) {
	const query = `
		UPDATE consent_records
		SET status = $2::consent_status,
		    dispute_reason = COALESCE($3, dispute_reason)
		WHERE id = $1
		RETURNING ` + recordColumns
	return r.scanRecord(tx.QueryRow(ctx, query, consentID, status, disputeReason))
}

// AppendEvent inserts the next event in the record's log. Seq is derived
// from the current maximum under the caller's record lock; the partial
// unique index on resolving kinds backstops any double-resolution.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, consentID string, kind EventKind, details map[string]any) (Event, error) {
	body, err := json.Marshal(details)
	if err != nil {
		return Event{}, fmt.Errorf("consent: marshal event details: %w", err)
	}

	const query = `
		INSERT INTO consent_events (consent_id, seq, kind, details)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::consent_event_kind, $3::jsonb
		FROM consent_events
		WHERE consent_id = $1
		RETURNING id, consent_id, seq, kind::text, details, created_at
	`
	var ev Event
	if err := tx.QueryRow(ctx, query, consentID, kind, body).
		Scan(&ev.ID, &ev.ConsentID, &ev.Seq, &ev.Kind, &ev.Details, &ev.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("consent: append event: %w", err)
	}
	return ev, nil
}

func (r *Repository) SetInvoiceStatus(ctx context.Context, tx pgx.Tx, invoiceID, from, to string) error {
	const query = `
		UPDATE invoices
		SET status = $3::invoice_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = $2::invoice_status
	`
	tag, err := tx.Exec(ctx, query, invoiceID, from, to)
	if err != nil {
		return fmt.Errorf("consent: update invoice status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("consent: invoice %s not in %s", invoiceID, from)
	}
	return nil
}

func (r *Repository) ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `
		SELECT id FROM consent_records
		WHERE status = 'pending' AND window_end <= $1
		ORDER BY window_end ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("consent: list expired: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("consent: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consent: iterate expired: %w", err)
	}
	return ids, nil
}

func (r *Repository) Get(ctx context.Context, consentID string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM consent_records WHERE id = $1`
	return r.scanRecord(r.pool.QueryRow(ctx, query, consentID))
}

func (r *Repository) GetByInvoice(ctx context.Context, invoiceID string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM consent_records WHERE invoice_id = $1`
	return r.scanRecord(r.pool.QueryRow(ctx, query, invoiceID))
}

func (r *Repository) Events(ctx context.Context, consentID string) ([]Event, error) {
	const query = `
		SELECT id, consent_id, seq, kind::text, details, created_at
		FROM consent_events
		WHERE consent_id = $1
		ORDER BY seq ASC
	`
	rows, err := r.pool.Query(ctx, query, consentID)
	if err != nil {
		return nil, fmt.Errorf("consent: list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.ConsentID, &ev.Seq, &ev.Kind, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("consent: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consent: iterate events: %w", err)
	}
	return events, nil
}

func (r *Repository) scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.InvoiceID, &rec.BuyerEmail, &rec.BuyerPhone, &rec.Status, &rec.DisputeReason, &rec.CreatedAt, &rec.WindowEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("consent: scan record: %w", err)
	}
	return rec, nil
}
