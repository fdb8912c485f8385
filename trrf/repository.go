package trrf

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tevani/risk"
)

// Repository is the pgx-backed Store. The pool row is locked FOR UPDATE
// on every balance change so concurrent reservations and approvals
// serialize on the single aggregate.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetPoolForUpdate(ctx context.Context, tx pgx.Tx) (Pool, error) {
	const query = `
		SELECT total_pool, utilized, available, default_rate, industry_avg_default, updated_at
		FROM trrf_pool
		WHERE id = 'main'
		FOR UPDATE
	`
	var p Pool
	if err := tx.QueryRow(ctx, query).Scan(&p.TotalPool, &p.Utilized, &p.Available, &p.DefaultRate, &p.IndustryAvgDefault, &p.UpdatedAt); err != nil {
		return Pool{}, fmt.Errorf("trrf: lock pool: %w", err)
	}
	return p, nil
}

func (r *Repository) UpdatePool(ctx context.Context, tx pgx.Tx, utilized, available int64) error {
	const query = `
		UPDATE trrf_pool
		SET utilized = $1,
		    available = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = 'main'
	`
	if _, err := tx.Exec(ctx, query, utilized, available); err != nil {
		return fmt.Errorf("trrf: update pool: %w", err)
	}
	return nil
}

func (r *Repository) InsertReservation(ctx context.Context, tx pgx.Tx, invoiceID string, amount int64, tier risk.Tier) (Reservation, error) {
	const query = `
		INSERT INTO trrf_reservations (invoice_id, amount, tier)
		VALUES ($1, $2, $3::risk_tier)
		RETURNING id, invoice_id, amount, tier::text, status::text, created_at, released_at
	`
	var res Reservation
	if err := tx.QueryRow(ctx, query, invoiceID, amount, tier).
		Scan(&res.ID, &res.InvoiceID, &res.Amount, &res.Tier, &res.Status, &res.CreatedAt, &res.ReleasedAt); err != nil {
		return Reservation{}, fmt.Errorf("trrf: insert reservation: %w", err)
	}
	return res, nil
}

func (r *Repository) GetHeldReservationForUpdate(ctx context.Context, tx pgx.Tx, invoiceID string) (Reservation, error) {
	const query = `
		SELECT id, invoice_id, amount, tier::text, status::text, created_at, released_at
		FROM trrf_reservations
		WHERE invoice_id = $1 AND status = 'held'
		FOR UPDATE
	`
	var res Reservation
	err := tx.QueryRow(ctx, query, invoiceID).
		Scan(&res.ID, &res.InvoiceID, &res.Amount, &res.Tier, &res.Status, &res.CreatedAt, &res.ReleasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, fmt.Errorf("trrf: lock reservation: %w", err)
	}
	return res, nil
}

func (r *Repository) MarkReservationReleased(ctx context.Context, tx pgx.Tx, reservationID string) error {
	const query = `
		UPDATE trrf_reservations
		SET status = 'released',
		    released_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'held'
	`
	tag, err := tx.Exec(ctx, query, reservationID)
	if err != nil {
		return fmt.Errorf("trrf: release reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *Repository) InsertDisbursal(ctx context.Context, tx pgx.Tx, amount int64, reason string) (Disbursal, error) {
	const query = `
		INSERT INTO disbursals (amount, reason)
		VALUES ($1, $2)
		RETURNING id, amount, reason, status::text, reject_reason, requested_at, resolved_at
	`
	var d Disbursal
	if err := tx.QueryRow(ctx, query, amount, reason).
		Scan(&d.ID, &d.Amount, &d.Reason, &d.Status, &d.RejectReason, &d.RequestedAt, &d.ResolvedAt); err != nil {
		return Disbursal{}, fmt.Errorf("trrf: insert disbursal: %w", err)
	}
	return d, nil
}

func (r *Repository) GetDisbursalForUpdate(ctx context.Context, tx pgx.Tx, disbursalID string) (Disbursal, error) {
	const query = `
		SELECT id, amount, reason, status::text, reject_reason, requested_at, resolved_at
		FROM disbursals
		WHERE id = $1
		FOR UPDATE
	`
	var d Disbursal
	err := tx.QueryRow(ctx, query, disbursalID).
		Scan(&d.ID, &d.Amount, &d.Reason, &d.Status, &d.RejectReason, &d.RequestedAt, &d.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Disbursal{}, ErrDisbursalNotFound
		}
		return Disbursal{}, fmt.Errorf("trrf: lock disbursal: %w", err)
	}
	return d, nil
}

func (r *Repository) ResolveDisbursal(ctx context.Context, tx pgx.Tx, disbursalID string, status DisbursalStatus, rejectReason *string) (Disbursal, error) {
	const query = `
		UPDATE disbursals
		SET status = $2::disbursal_status,
		    reject_reason = $3,
		    resolved_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING id, amount, reason, status::text, reject_reason, requested_at, resolved_at
	`
	var d Disbursal
	if err := tx.QueryRow(ctx, query, disbursalID, status, rejectReason).
		Scan(&d.ID, &d.Amount, &d.Reason, &d.Status, &d.RejectReason, &d.RequestedAt, &d.ResolvedAt); err != nil {
		return Disbursal{}, fmt.Errorf("trrf: resolve disbursal: %w", err)
	}
	return d, nil
}

func (r *Repository) GetPool(ctx context.Context) (Pool, error) {
	const query = `
		SELECT total_pool, utilized, available, default_rate, industry_avg_default, updated_at
		FROM trrf_pool
		WHERE id = 'main'
	`
	var p Pool
	if err := r.pool.QueryRow(ctx, query).Scan(&p.TotalPool, &p.Utilized, &p.Available, &p.DefaultRate, &p.IndustryAvgDefault, &p.UpdatedAt); err != nil {
		return Pool{}, fmt.Errorf("trrf: read pool: %w", err)
	}
	return p, nil
}

// ListReservations returns the reservations for one invoice, newest first.
func (r *Repository) ListReservations(ctx context.Context, invoiceID string) ([]Reservation, error) {
	const query = `
		SELECT id, invoice_id, amount, tier::text, status::text, created_at, released_at
		FROM trrf_reservations
		WHERE invoice_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("trrf: list reservations: %w", err)
	}
	defer rows.Close()

	out := make([]Reservation, 0, 4)
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.ID, &res.InvoiceID, &res.Amount, &res.Tier, &res.Status, &res.CreatedAt, &res.ReleasedAt); err != nil {
			return nil, fmt.Errorf("trrf: scan reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trrf: iterate reservations: %w", err)
	}
	return out, nil
}
