// Package offer holds the wire types of the offerd HTTP API and a client for it.
package offer

// OfferSend mirrors the stored offer send. Timestamps are UTC strings on the
// form 2006-01-02T15:04:05.000Z.
type OfferSend struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	ProjectLabel string  `json:"project_label"`
	UserID       string  `json:"user_id"`
	ClientEmail  string  `json:"client_email"`
	Subject      string  `json:"subject"`
	Message      string  `json:"message"`
	PDFURL       string  `json:"pdf_url,omitempty"`
	Status       string  `json:"status"`
	ScheduledFor *string `json:"scheduled_for"`
	RetryCount   int     `json:"retry_count"`
	MaxRetries   int     `json:"max_retries"`
	LastRetryAt  *string `json:"last_retry_at"`
	ErrorMessage string  `json:"error_message,omitempty"`
	ProcessedAt  *string `json:"processed_at"`
	SentAt       *string `json:"sent_at"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type ScheduleRequest struct {
	OfferSendID  string `json:"offerSendId"`
	ScheduledFor string `json:"scheduledFor"`
}

type ScheduleResponse struct {
	OfferSend OfferSend `json:"offerSend"`
	Message   string    `json:"message"`
}

type CancelResponse struct {
	OfferSend OfferSend `json:"offerSend"`
}

type DeliveryResult struct {
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Timestamp string `json:"timestamp"`
}

type ExpireResult struct {
	Expired   int    `json:"expired"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
