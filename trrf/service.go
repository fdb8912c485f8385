package trrf

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"tevani/risk"
)

var (
	// ErrInsufficientFunds signals the pool cannot cover the requested amount.
	ErrInsufficientFunds = errors.New("trrf: insufficient pool funds")
	// ErrInvalidTransition signals a resolution attempt on an already-resolved record.
	ErrInvalidTransition = errors.New("trrf: invalid transition")
	// ErrReservationNotFound is returned when no reservation row matches.
	ErrReservationNotFound = errors.New("trrf: reservation not found")
	// ErrDisbursalNotFound is returned when no disbursal row matches.
	ErrDisbursalNotFound = errors.New("trrf: disbursal not found")
	// ErrUnknownTier signals a tier outside the closed A-D set.
	ErrUnknownTier = errors.New("trrf: unknown risk tier")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the allocator requires. All mutating
// methods run inside the caller-supplied transaction so pool arithmetic
// stays atomic with the row locks.
type Store interface {
	GetPoolForUpdate(ctx context.Context, tx pgx.Tx) (Pool, error)
	UpdatePool(ctx context.Context, tx pgx.Tx, utilized, available int64) error
	InsertReservation(ctx context.Context, tx pgx.Tx, invoiceID string, amount int64, tier risk.Tier) (Reservation, error)
	GetHeldReservationForUpdate(ctx context.Context, tx pgx.Tx, invoiceID string) (Reservation, error)
	MarkReservationReleased(ctx context.Context, tx pgx.Tx, reservationID string) error
	InsertDisbursal(ctx context.Context, tx pgx.Tx, amount int64, reason string) (Disbursal, error)
	GetDisbursalForUpdate(ctx context.Context, tx pgx.Tx, disbursalID string) (Disbursal, error)
	ResolveDisbursal(ctx context.Context, tx pgx.Tx, disbursalID string, status DisbursalStatus, rejectReason *string) (Disbursal, error)
	GetPool(ctx context.Context) (Pool, error)
}

// Allocator owns every balance change on the risk-fund pool. No other
// code path mutates utilized/available.
type Allocator struct {
	pool TxBeginner
	repo Store
	cfg  Config
}

func NewAllocator(pool TxBeginner, repo Store, cfg Config) *Allocator {
	return &Allocator{
		pool: pool,
		repo: repo,
		cfg:  cfg,
	}
}

// RequiredCoverage computes the coverage the pool must hold for an
// invoice of the given amount and tier, capped at MaxCoveragePercent.
func (a *Allocator) RequiredCoverage(amount int64, tier risk.Tier) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("trrf: non-positive amount %d", amount)
	}
	mult, ok := a.cfg.Multipliers[tier]
	if !ok {
		return 0, fmt.Errorf("trrf: tier %q: %w", tier, ErrUnknownTier)
	}

	coverage := roundHalfUp(float64(amount) * a.cfg.DefaultCoveragePercent * mult)
	cap := roundHalfUp(float64(amount) * a.cfg.MaxCoveragePercent)
	if coverage > cap {
		coverage = cap
	}
	return coverage, nil
}

// ReserveTx atomically checks capacity and deducts coverage inside the
// caller's transaction. On ErrInsufficientFunds nothing is mutated.
func (a *Allocator) ReserveTx(ctx context.Context, tx pgx.Tx, invoiceID string, amount int64, tier risk.Tier) (Reservation, error) {
	coverage, err := a.RequiredCoverage(amount, tier)
	if err != nil {
		return Reservation{}, err
	}

	pool, err := a.repo.GetPoolForUpdate(ctx, tx)
	if err != nil {
		return Reservation{}, err
	}
	if pool.Available < coverage {
		return Reservation{}, fmt.Errorf("trrf: need %d, available %d: %w", coverage, pool.Available, ErrInsufficientFunds)
	}

	if err := a.repo.UpdatePool(ctx, tx, pool.Utilized+coverage, pool.Available-coverage); err != nil {
		return Reservation{}, err
	}

	return a.repo.InsertReservation(ctx, tx, invoiceID, coverage, tier)
}

// ReleaseTx returns a held reservation's coverage to the pool inside the
// caller's transaction. Used on default-free settlement and on invoice
// rejection after reservation.
func (a *Allocator) ReleaseTx(ctx context.Context, tx pgx.Tx, invoiceID string) error {
	res, err := a.repo.GetHeldReservationForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if res.Status != ReservationHeld {
		return fmt.Errorf("trrf: reservation %s is %s: %w", res.ID, res.Status, ErrInvalidTransition)
	}

	pool, err := a.repo.GetPoolForUpdate(ctx, tx)
	if err != nil {
		return err
	}
	if err := a.repo.UpdatePool(ctx, tx, pool.Utilized-res.Amount, pool.Available+res.Amount); err != nil {
		return err
	}

	return a.repo.MarkReservationReleased(ctx, tx, res.ID)
}

// RequestDisbursal records a pending payout request. The pool is not
// touched until approval.
func (a *Allocator) RequestDisbursal(ctx context.Context, amount int64, reason string) (Disbursal, error) {
	if amount <= 0 {
		return Disbursal{}, fmt.Errorf("trrf: non-positive disbursal amount %d", amount)
	}
	if reason == "" {
		return Disbursal{}, fmt.Errorf("trrf: disbursal reason required")
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return Disbursal{}, fmt.Errorf("trrf: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := a.repo.InsertDisbursal(ctx, tx, amount, reason)
	if err != nil {
		return Disbursal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Disbursal{}, fmt.Errorf("trrf: commit disbursal request: %w", err)
	}
	return d, nil
}

// Approve re-checks capacity at approval time and atomically moves the
// amount from available to utilized with the status change.
func (a *Allocator) Approve(ctx context.Context, disbursalID string) (Disbursal, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return Disbursal{}, fmt.Errorf("trrf: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := a.repo.GetDisbursalForUpdate(ctx, tx, disbursalID)
	if err != nil {
		return Disbursal{}, err
	}
	if d.Status != DisbursalPending {
		return Disbursal{}, fmt.Errorf("trrf: disbursal %s already %s: %w", d.ID, d.Status, ErrInvalidTransition)
	}

	pool, err := a.repo.GetPoolForUpdate(ctx, tx)
	if err != nil {
		return Disbursal{}, err
	}
	if pool.Available < d.Amount {
		return Disbursal{}, fmt.Errorf("trrf: disbursal %d exceeds available %d: %w", d.Amount, pool.Available, ErrInsufficientFunds)
	}

	if err := a.repo.UpdatePool(ctx, tx, pool.Utilized+d.Amount, pool.Available-d.Amount); err != nil {
		return Disbursal{}, err
	}

	resolved, err := a.repo.ResolveDisbursal(ctx, tx, d.ID, DisbursalApproved, nil)
	if err != nil {
		return Disbursal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Disbursal{}, fmt.Errorf("trrf: commit approval: %w", err)
	}
	return resolved, nil
}

// RejectDisbursal resolves a pending disbursal without touching the pool.
func (a *Allocator) RejectDisbursal(ctx context.Context, disbursalID, reason string) (Disbursal, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return Disbursal{}, fmt.Errorf("trrf: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := a.repo.GetDisbursalForUpdate(ctx, tx, disbursalID)
	if err != nil {
		return Disbursal{}, err
	}
	if d.Status != DisbursalPending {
		return Disbursal{}, fmt.Errorf("trrf: disbursal %s already %s: %w", d.ID, d.Status, ErrInvalidTransition)
	}

	resolved, err := a.repo.ResolveDisbursal(ctx, tx, d.ID, DisbursalRejected, &reason)
	if err != nil {
		return Disbursal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Disbursal{}, fmt.Errorf("trrf: commit rejection: %w", err)
	}
	return resolved, nil
}

// Snapshot reads the current pool stats for the admin surface.
func (a *Allocator) Snapshot(ctx context.Context) (Pool, error) {
	return a.repo.GetPool(ctx)
}

func roundHalfUp(x float64) int64 {
	return int64(math.Floor(x + 0.5))
}
