package trrf

import (
	"time"

	"tevani/risk"
)

// Pool is the singleton Trade Receivables Risk Fund snapshot.
// Conservation (TotalPool = Utilized + Available) is enforced by the
// storage layer on every write.
type Pool struct {
	TotalPool          int64
	Utilized           int64
	Available          int64
	DefaultRate        float64
	IndustryAvgDefault float64
	UpdatedAt          time.Time
}

// ReservationStatus is the lifecycle of one coverage hold.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationReleased ReservationStatus = "released"
)

// Reservation is a coverage hold against the pool for one funded invoice.
type Reservation struct {
	ID         string
	InvoiceID  string
	Amount     int64
	Tier       risk.Tier
	Status     ReservationStatus
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// DisbursalStatus is the lifecycle of a payout request.
type DisbursalStatus string

const (
	DisbursalPending  DisbursalStatus = "pending"
	DisbursalApproved DisbursalStatus = "approved"
	DisbursalRejected DisbursalStatus = "rejected"
)

// Disbursal is a discrete payout request against the pool, subject to
// admin approval. The pool is only touched at approval time.
type Disbursal struct {
	ID           string
	Amount       int64
	Reason       string
	Status       DisbursalStatus
	RejectReason *string
	RequestedAt  time.Time
	ResolvedAt   *time.Time
}

// Config carries the coverage parameters. Immutable after construction.
type Config struct {
	DefaultCoveragePercent float64
	MaxCoveragePercent     float64
	Multipliers            map[risk.Tier]float64
}

// DefaultConfig returns the platform coverage defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCoveragePercent: 0.20,
		MaxCoveragePercent:     0.40,
		Multipliers: map[risk.Tier]float64{
			risk.TierA: 0.5,
			risk.TierB: 1.0,
			risk.TierC: 1.5,
			risk.TierD: 2.0,
		},
	}
}
