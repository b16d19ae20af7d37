package dao

import (
	"github.com/modfin/offer/internal/timex"
)

type SendStatus string

const SendStatusPending SendStatus = "pending"
const SendStatusScheduled SendStatus = "scheduled"
const SendStatusSent SendStatus = "sent"
const SendStatusFailed SendStatus = "failed"
const SendStatusCanceled SendStatus = "canceled"

const DefaultMaxRetries = 3

// OfferSend is a queued email delivery of an offer document.
type OfferSend struct {
	ID           string       `db:"id" json:"id"`
	ProjectID    string       `db:"project_id" json:"project_id"`
	ProjectLabel string       `db:"project_label" json:"project_label"`
	UserID       string       `db:"user_id" json:"user_id"`
	ClientEmail  string       `db:"client_email" json:"client_email"`
	Subject      string       `db:"subject" json:"subject"`
	Message      string       `db:"message" json:"message"`
	PDFURL       string       `db:"pdf_url" json:"pdf_url,omitempty"`
	Status       SendStatus   `db:"status" json:"status"`
	ScheduledFor *timex.Stamp `db:"scheduled_for" json:"scheduled_for"`
	RetryCount   int          `db:"retry_count" json:"retry_count"`
	MaxRetries   int          `db:"max_retries" json:"max_retries"`
	LastRetryAt  *timex.Stamp `db:"last_retry_at" json:"last_retry_at"`
	ErrorMessage string       `db:"error_message" json:"error_message,omitempty"`
	ProcessedAt  *timex.Stamp `db:"processed_at" json:"processed_at"`
	SentAt       *timex.Stamp `db:"sent_at" json:"sent_at"`
	CreatedAt    timex.Stamp  `db:"created_at" json:"created_at"`
	UpdatedAt    timex.Stamp  `db:"updated_at" json:"updated_at"`
}

// OfferApproval is the client facing decision record of a sent offer.
// Status holds the canonical state name, see package approval.
type OfferApproval struct {
	ID             string       `db:"id" json:"id"`
	OfferSendID    string       `db:"offer_send_id" json:"offer_send_id,omitempty"`
	UserID         string       `db:"user_id" json:"-"`
	PublicToken    string       `db:"public_token" json:"-"`
	AcceptToken    string       `db:"accept_token" json:"-"`
	Status         string       `db:"status" json:"status"`
	ClientName     string       `db:"client_name" json:"client_name"`
	ClientEmail    string       `db:"client_email" json:"client_email"`
	AcceptedAt     *timex.Stamp `db:"accepted_at" json:"accepted_at"`
	AcceptedVia    string       `db:"accepted_via" json:"accepted_via,omitempty"`
	RejectedReason string       `db:"rejected_reason" json:"rejected_reason,omitempty"`
	RejectedAt     *timex.Stamp `db:"rejected_at" json:"rejected_at"`
	ViewedAt       *timex.Stamp `db:"viewed_at" json:"viewed_at"`
	ValidUntil     *timex.Stamp `db:"valid_until" json:"valid_until"`
	WithdrawnAt    *timex.Stamp `db:"withdrawn_at" json:"withdrawn_at"`
	ExpiredAt      *timex.Stamp `db:"expired_at" json:"expired_at"`
	SnapshotRef    string       `db:"snapshot_ref" json:"snapshot_ref"`
	CreatedAt      timex.Stamp  `db:"created_at" json:"created_at"`
	UpdatedAt      timex.Stamp  `db:"updated_at" json:"updated_at"`
}

type LogEntry struct {
	OfferSendID string      `db:"offer_send_id" json:"offer_send_id"`
	CreatedAt   timex.Stamp `db:"created_at" json:"created_at"`
	Log         string      `db:"log" json:"log"`
}
