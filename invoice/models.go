package invoice

import (
	"time"

	"tevani/risk"
)

// Status is the invoice lifecycle state. Transitions are closed over the
// table in status.go; repositories never write a status the ledger did
// not derive from it.
type Status string

const (
	StatusPendingValidation Status = "pending_validation"
	StatusPendingConsent    Status = "pending_consent"
	StatusValidated         Status = "validated"
	StatusRejected          Status = "rejected"
	StatusFunded            Status = "funded"
	StatusPaid              Status = "paid"
	StatusDefaulted         Status = "defaulted"
	StatusFlagged           Status = "flagged"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusPaid, StatusDefaulted:
		return true
	default:
		return false
	}
}

// Invoice mirrors the invoices table. TrustScore and RiskTier stay nil
// until the invoice is scored; FlaggedFrom holds the state a flag will
// restore to.
type Invoice struct {
	ID              string
	InvoiceNumber   string
	SellerID        string
	BuyerName       string
	BuyerEmail      string
	BuyerPhone      *string
	Amount          int64
	FundedAmount    int64
	AvailableAmount int64
	InvoiceDate     time.Time
	DueDate         time.Time
	Status          Status
	TrustScore      *int
	RiskTier        *risk.Tier
	FlaggedFrom     *Status
	RejectNote      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Draft is a seller's submission. Amounts are whole rupees.
type Draft struct {
	InvoiceNumber  string
	SellerID       string
	BuyerName      string
	BuyerEmail     string
	BuyerPhone     *string
	Amount         int64
	InvoiceDate    time.Time
	DueDate        time.Time
	SupportingDocs int
}

// CheckRecord is one persisted validation check, kept in submission order
// as the audit trail behind a trust score.
type CheckRecord struct {
	ID        int64
	InvoiceID string
	Position  int
	Name      string
	Weight    int
	Result    risk.Result
	Message   string
}
