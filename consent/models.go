package consent

import "time"

// Status is the lifecycle of one buyer consent window. It is always
// written in the same transaction as its resolving event, so it can never
// diverge from the event log it summarizes.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAcknowledged    Status = "acknowledged"
	StatusDisputed        Status = "disputed"
	StatusPassiveApproved Status = "passive_approved"
	StatusExpired         Status = "expired"
)

// Resolved reports whether s is a terminal consent status.
func (s Status) Resolved() bool {
	return s != StatusPending
}

// Approved reports whether s unlocks funding for the linked invoice.
func (s Status) Approved() bool {
	return s == StatusAcknowledged || s == StatusPassiveApproved
}

// EventKind tags entries in the append-only consent event log.
type EventKind string

const (
	EventWindowOpened     EventKind = "window_opened"
	EventNotificationSent EventKind = "notification_sent"
	EventMessageSent      EventKind = "message_sent"
	EventExplicitConsent  EventKind = "explicit_consent"
	EventDisputeRaised    EventKind = "dispute_raised"
	EventPassiveConsent   EventKind = "passive_consent"
	EventWindowExpired    EventKind = "window_expired"
)

// Record mirrors the consent_records table. Exactly one record exists per
// invoice.
type Record struct {
	ID            string
	InvoiceID     string
	BuyerEmail    string
	BuyerPhone    *string
	Status        Status
	DisputeReason *string
	CreatedAt     time.Time
	WindowEnd     time.Time
}

// Event is one immutable entry in a record's log. Seq is monotonic per
// record and gap-free on the happy path.
type Event struct {
	ID        int64
	ConsentID string
	Seq       int
	Kind      EventKind
	Details   []byte
	CreatedAt time.Time
}

// Outbox topics published by the coordinator.
const (
	TopicConsentRequested = "consent.requested"
	TopicConsentResolved  = "consent.resolved"
	TopicConsentMessage   = "consent.message"
)
