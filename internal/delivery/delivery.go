// Package delivery sends scheduled offer sends once they are due.
//
// A Tick picks up due records, locks each one, hands it to a Deliverer and
// records the outcome. Failed attempts are rescheduled with exponential
// backoff until the record runs out of retries.
package delivery

import (
	"context"
	"time"

	"github.com/modfin/offer/internal/timex"
)

// TrackingStatus tags deliveries made by the scheduled worker.
const TrackingStatus = "scheduled"

// Request is what a Deliverer gets to send.
type Request struct {
	OfferSendID    string `json:"offer_send_id"`
	Recipient      string `json:"recipient"`
	Subject        string `json:"subject"`
	Message        string `json:"message"`
	ProjectLabel   string `json:"project_label"`
	PDFURL         string `json:"pdf_url,omitempty"`
	TrackingStatus string `json:"tracking_status,omitempty"`
	TrackingID     string `json:"tracking_id"`
}

// Deliverer performs the actual email delivery. Any error is treated as a
// transient failure and retried.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) error
}

type DelivererFunc func(ctx context.Context, req Request) error

func (f DelivererFunc) Deliver(ctx context.Context, req Request) error {
	return f(ctx, req)
}

type Config struct {
	BatchSize       int
	Concurrency     int
	LockTTL         time.Duration
	DeliveryTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = timex.DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = timex.DefaultBackoffMax
	}
	return c
}

// Result summarizes a tick. Processed counts deliveries, Failed counts failed
// attempts (rescheduled or terminal) and Skipped counts records left for a
// later tick (locked elsewhere, no longer due or changed underneath us).
type Result struct {
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Timestamp string `json:"timestamp"`
}
