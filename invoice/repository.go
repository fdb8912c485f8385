package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tevani/risk"
)

// Repository is the pgx-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, invoice_number, seller_id, buyer_name, buyer_email, buyer_phone,
	amount, funded_amount, available_amount, invoice_date, due_date,
	status::text, trust_score, risk_tier::text, flagged_from::text, reject_note,
	created_at, updated_at`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, draft Draft) (Invoice, error) {
	const query = `
		INSERT INTO invoices (invoice_number, seller_id, buyer_name, buyer_email, buyer_phone,
			amount, available_amount, invoice_date, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8)
		RETURNING ` + invoiceColumns
	return scanInvoice(tx.QueryRow(ctx, query,
		draft.InvoiceNumber, draft.SellerID, draft.BuyerName, draft.BuyerEmail, draft.BuyerPhone,
		draft.Amount, draft.InvoiceDate, draft.DueDate))
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	const query = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	return scanInvoice(tx.QueryRow(ctx, query, id))
}

func (r *Repository) InsertChecks(ctx context.Context, tx pgx.Tx, invoiceID string, checks []risk.Check) error {
	const query = `
		INSERT INTO validation_checks (invoice_id, position, name, weight, result, message)
		VALUES ($1, $2, $3, $4, $5::check_result, $6)
	`
	for i, c := range checks {
		if _, err := tx.Exec(ctx, query, invoiceID, i+1, c.Name, c.Weight, c.Result, c.Message); err != nil {
			return fmt.Errorf("invoice: insert check %q: %w", c.Name, err)
		}
	}
	return nil
}

func (r *Repository) SetScored(ctx context.Context, tx pgx.Tx, id string, score int, tier risk.Tier, status Status) (Invoice, error) {
	const query = `
		UPDATE invoices
		SET trust_score = $2,
		    risk_tier = $3::risk_tier,
		    status = $4::invoice_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + invoiceColumns
	return scanInvoice(tx.QueryRow(ctx, query, id, score, tier, status))
}

func (r *Repository) SetRejected(ctx context.Context, tx pgx.Tx, id string, score *int, note string) (Invoice, error) {
	const query = `
		UPDATE invoices
		SET status = 'rejected',
		    trust_score = COALESCE($2, trust_score),
		    reject_note = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + invoiceColumns
	return scanInvoice(tx.QueryRow(ctx, query, id, score, note))
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Invoice, error) {
	const query = `
		UPDATE invoices
		SET status = $2::invoice_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + invoiceColumns
	return scanInvoice(tx.QueryRow(ctx, query, id, status))
}

func (r *Repository) MarkFlagged(ctx context.Context, tx pgx.Tx, id string, from Status) (Invoice, error) {
	const query = `
		UPDATE invoices
		SET status = 'flagged',
		    flagged_from = $2::invoice_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + invoiceColumns
	return scanInvoice(tx.QueryRow(ctx, query, id, from))
}

func (r *Repository) ClearFlag(ctx context.Context, tx pgx.Tx, id string, restore Status) (Invoice, error) {
	const query = `
		UPDATE invoices
		SET status = $2::invoice_status,
		    flagged_from = NULL,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + invoiceColumns
	return scanInvoice(tx.QueryRow(ctx, query, id, restore))
}

func (r *Repository) SetFunded(ctx context.Context, tx pgx.Tx, id string, fundedAmount, availableAmount int64) (Invoice, error) {
	const query = `
		UPDATE invoices
		SET status = 'funded',
		    funded_amount = $2,
		    available_amount = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + invoiceColumns
	return scanInvoice(tx.QueryRow(ctx, query, id, fundedAmount, availableAmount))
}

func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("invoice: insert idempotency key: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Invoice, error) {
	const query = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return scanInvoice(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) Checks(ctx context.Context, invoiceID string) ([]CheckRecord, error) {
	const query = `
		SELECT id, invoice_id, position, name, weight, result::text, message
		FROM validation_checks
		WHERE invoice_id = $1
		ORDER BY position ASC
	`
	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoice: list checks: %w", err)
	}
	defer rows.Close()

	checks := make([]CheckRecord, 0, 8)
	for rows.Next() {
		var c CheckRecord
		if err := rows.Scan(&c.ID, &c.InvoiceID, &c.Position, &c.Name, &c.Weight, &c.Result, &c.Message); err != nil {
			return nil, fmt.Errorf("invoice: scan check: %w", err)
		}
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invoice: iterate checks: %w", err)
	}
	return checks, nil
}

func (r *Repository) ListBySeller(ctx context.Context, sellerID string) ([]Invoice, error) {
	const query = `SELECT ` + invoiceColumns + ` FROM invoices WHERE seller_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, sellerID)
}

func (r *Repository) ListByStatus(ctx context.Context, status Status, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ` + invoiceColumns + ` FROM invoices WHERE status = $1::invoice_status ORDER BY created_at DESC LIMIT $2`
	return r.list(ctx, query, status, limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("invoice: list: %w", err)
	}
	defer rows.Close()

	invoices := make([]Invoice, 0, 16)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invoice: iterate: %w", err)
	}
	return invoices, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv         Invoice
		trustScore  sql.NullInt32
		riskTier    sql.NullString
		flaggedFrom sql.NullString
		rejectNote  sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.SellerID, &inv.BuyerName, &inv.BuyerEmail, &inv.BuyerPhone,
		&inv.Amount, &inv.FundedAmount, &inv.AvailableAmount, &inv.InvoiceDate, &inv.DueDate,
		&inv.Status, &trustScore, &riskTier, &flaggedFrom, &rejectNote,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("invoice: scan: %w", err)
	}

	if trustScore.Valid {
		score := int(trustScore.Int32)
		inv.TrustScore = &score
	}
	if riskTier.Valid {
		tier := risk.Tier(riskTier.String)
		inv.RiskTier = &tier
	}
	if flaggedFrom.Valid {
		from := Status(flaggedFrom.String)
		inv.FlaggedFrom = &from
	}
	if rejectNote.Valid {
		inv.RejectNote = &rejectNote.String
	}
	return inv, nil
}
