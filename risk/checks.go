package risk

import (
	"regexp"
	"time"
)

// Draft carries the invoice fields the default check battery inspects.
type Draft struct {
	InvoiceNumber  string
	Amount         int64
	InvoiceDate    time.Time
	DueDate        time.Time
	SupportingDocs int
}

var invoiceNumberPattern = regexp.MustCompile(`^[A-Za-z0-9\-/]+$`)

// DefaultChecks builds the standard check battery for a submitted invoice.
// Weights sum to 100 so the result feeds Evaluate directly. Callers with
// their own validation pipeline may supply any other conforming set.
func DefaultChecks(d Draft) []Check {
	checks := make([]Check, 0, 6)

	numberCheck := Check{Name: "invoice_number_format", Weight: 20, Result: ResultPass, Message: "invoice number format is valid"}
	switch {
	case d.InvoiceNumber == "":
		numberCheck.Result = ResultFail
		numberCheck.Message = "invoice number is missing"
	case !invoiceNumberPattern.MatchString(d.InvoiceNumber):
		numberCheck.Result = ResultWarning
		numberCheck.Message = "invoice number format is unusual"
	}
	checks = append(checks, numberCheck)

	amountCheck := Check{Name: "invoice_amount", Weight: 20, Result: ResultPass, Message: "invoice amount is valid"}
	if d.Amount <= 0 {
		amountCheck.Result = ResultFail
		amountCheck.Message = "invoice amount must be positive"
	}
	checks = append(checks, amountCheck)

	dateCheck := Check{Name: "date_sequence", Weight: 20, Result: ResultPass, Message: "date sequence is valid"}
	if !d.DueDate.After(d.InvoiceDate) {
		dateCheck.Result = ResultFail
		dateCheck.Message = "due date must be after invoice date"
	}
	checks = append(checks, dateCheck)

	docsCheck := Check{Name: "supporting_documents", Weight: 15, Result: ResultPass, Message: "supporting documents are present"}
	if d.SupportingDocs == 0 {
		docsCheck.Result = ResultWarning
		docsCheck.Message = "no supporting documents provided"
	}
	checks = append(checks, docsCheck)

	roundCheck := Check{Name: "round_amount", Weight: 10, Result: ResultPass, Message: "amount is not suspiciously round"}
	if d.Amount > 0 && d.Amount%1000 == 0 {
		roundCheck.Result = ResultWarning
		roundCheck.Message = "invoice amount is suspiciously round"
	}
	checks = append(checks, roundCheck)

	termsCheck := Check{Name: "payment_terms", Weight: 15, Result: ResultPass, Message: "payment terms are reasonable"}
	if d.DueDate.Sub(d.InvoiceDate) < 7*24*time.Hour {
		termsCheck.Result = ResultWarning
		termsCheck.Message = "payment terms are unusually short"
	}
	checks = append(checks, termsCheck)

	return checks
}
