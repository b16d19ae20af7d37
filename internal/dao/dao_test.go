package dao

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/modfin/offer/internal/timex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestDAO(t *testing.T) DAO {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "offer.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSend(id string, status SendStatus, scheduledFor *timex.Stamp) *OfferSend {
	return &OfferSend{
		ID:           id,
		ProjectID:    "proj-1",
		ProjectLabel: "Kitchen",
		UserID:       "user-1",
		ClientEmail:  "client@example.com",
		Subject:      "Your offer",
		Message:      "Hello",
		Status:       status,
		ScheduledFor: scheduledFor,
		MaxRetries:   DefaultMaxRetries,
		CreatedAt:    timex.StampOf(t0),
		UpdatedAt:    timex.StampOf(t0),
	}
}

func TestOfferSend_CreateGet(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	in := newSend("s1", SendStatusPending, nil)
	require.NoError(t, db.CreateOfferSend(ctx, in))

	out, err := db.GetOfferSend(ctx, "s1")
	require.NoError(t, err)
	if diff := deep.Equal(in, out); diff != nil {
		t.Error(diff)
	}

	_, err = db.GetOfferSend(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOfferSend_CreateDefaultsMaxRetries(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	s := newSend("s1", SendStatusScheduled, timex.Ptr(t0))
	s.MaxRetries = 0
	require.NoError(t, db.CreateOfferSend(ctx, s))

	got, err := db.GetOfferSend(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, got.MaxRetries)

	bad := newSend("s2", SendStatusScheduled, timex.Ptr(t0))
	bad.RetryCount = DefaultMaxRetries + 1
	assert.Error(t, db.CreateOfferSend(ctx, bad))
	_, err = db.GetOfferSend(ctx, "s2")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOfferSend_ScheduleResetsRetryCycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	s := newSend("s1", SendStatusScheduled, timex.Ptr(t0))
	s.RetryCount = 2
	s.LastRetryAt = timex.Ptr(t0)
	s.ErrorMessage = "boom"
	require.NoError(t, db.CreateOfferSend(ctx, s))

	at := t0.Add(time.Hour)
	err := db.ScheduleOfferSend(ctx, "s1", []SendStatus{SendStatusPending, SendStatusScheduled}, at, t0)
	require.NoError(t, err)

	got, err := db.GetOfferSend(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SendStatusScheduled, got.Status)
	assert.Equal(t, at, got.ScheduledFor.Time)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.LastRetryAt)
	assert.Nil(t, got.ProcessedAt)
	assert.Equal(t, "", got.ErrorMessage)
}

func TestOfferSend_ScheduleRejectsOtherStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	require.NoError(t, db.CreateOfferSend(ctx, newSend("s1", SendStatusSent, timex.Ptr(t0))))
	err := db.ScheduleOfferSend(ctx, "s1", []SendStatus{SendStatusPending, SendStatusScheduled}, t0.Add(time.Hour), t0)
	assert.True(t, errors.Is(err, ErrNoTransition))

	got, err := db.GetOfferSend(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SendStatusSent, got.Status)
}

func TestOfferSend_GetDue(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	sends := []*OfferSend{
		newSend("late", SendStatusScheduled, timex.Ptr(t0.Add(-time.Minute))),
		newSend("boundary", SendStatusScheduled, timex.Ptr(t0)),
		newSend("future", SendStatusScheduled, timex.Ptr(t0.Add(time.Millisecond))),
		newSend("oldest", SendStatusScheduled, timex.Ptr(t0.Add(-time.Hour))),
		newSend("pending", SendStatusPending, nil),
		newSend("sent", SendStatusSent, timex.Ptr(t0.Add(-time.Hour))),
	}
	for _, s := range sends {
		require.NoError(t, db.CreateOfferSend(ctx, s))
	}

	due, err := db.GetDueOfferSends(ctx, t0, 50)
	require.NoError(t, err)
	var ids []string
	for _, s := range due {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"oldest", "late", "boundary"}, ids)

	due, err = db.GetDueOfferSends(ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "oldest", due[0].ID)
}

func TestOfferSend_DeliveryOutcomes(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	for _, id := range []string{"ok", "retry", "fail"} {
		require.NoError(t, db.CreateOfferSend(ctx, newSend(id, SendStatusScheduled, timex.Ptr(t0))))
	}

	require.NoError(t, db.MarkOfferSendSent(ctx, "ok", t0))
	ok, err := db.GetOfferSend(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, SendStatusSent, ok.Status)
	assert.Equal(t, t0, ok.SentAt.Time)
	assert.Equal(t, t0, ok.ProcessedAt.Time)

	next := t0.Add(2 * time.Minute)
	require.NoError(t, db.MarkOfferSendRetry(ctx, "retry", 1, next, "smtp down", t0))
	retry, err := db.GetOfferSend(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SendStatusScheduled, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, next, retry.ScheduledFor.Time)
	assert.Equal(t, "smtp down", retry.ErrorMessage)

	require.NoError(t, db.MarkOfferSendFailed(ctx, "fail", 3, "gave up", t0))
	fail, err := db.GetOfferSend(ctx, "fail")
	require.NoError(t, err)
	assert.Equal(t, SendStatusFailed, fail.Status)
	assert.Equal(t, 3, fail.RetryCount)
	assert.Nil(t, fail.SentAt)

	// sent is terminal
	err = db.MarkOfferSendFailed(ctx, "ok", 1, "late failure", t0)
	assert.True(t, errors.Is(err, ErrNoTransition))

	entries, err := db.GetOfferSendLog(ctx, "retry")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestOfferSend_Cancel(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	require.NoError(t, db.CreateOfferSend(ctx, newSend("s1", SendStatusScheduled, timex.Ptr(t0))))
	from := []SendStatus{SendStatusPending, SendStatusScheduled}
	require.NoError(t, db.CancelOfferSend(ctx, "s1", from, t0))
	assert.True(t, errors.Is(db.CancelOfferSend(ctx, "s1", from, t0), ErrNoTransition))

	due, err := db.GetDueOfferSends(ctx, t0.Add(time.Hour), 50)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func newApproval(id string, status string) *OfferApproval {
	return &OfferApproval{
		ID:          id,
		UserID:      "user-1",
		PublicToken: "pub-" + id,
		AcceptToken: "acc-" + id,
		Status:      status,
		ClientName:  "Client",
		ClientEmail: "client@example.com",
		ValidUntil:  timex.Ptr(t0.Add(24 * time.Hour)),
		SnapshotRef: "snap-1",
		CreatedAt:   timex.StampOf(t0),
		UpdatedAt:   timex.StampOf(t0),
	}
}

func TestApproval_UpdateIf(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	require.NoError(t, db.CreateApproval(ctx, newApproval("a1", "sent")))

	a, err := db.GetApprovalByPublicToken(ctx, "pub-a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ID)

	a.Status = "accepted"
	a.AcceptedAt = timex.Ptr(t0)
	a.AcceptedVia = "web_button"
	a.UpdatedAt = timex.StampOf(t0)
	require.NoError(t, db.UpdateApprovalIf(ctx, a, []string{"pending", "sent", "viewed"}))

	// a second writer holding the stale status loses
	a.Status = "rejected"
	err = db.UpdateApprovalIf(ctx, a, []string{"pending", "sent", "viewed"})
	assert.True(t, errors.Is(err, ErrNoTransition))

	got, err := db.GetApproval(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", got.Status)
	assert.Equal(t, t0, got.AcceptedAt.Time)
	assert.Equal(t, "snap-1", got.SnapshotRef)

	_, err = db.GetApprovalByPublicToken(ctx, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestApproval_Expirable(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	past := newApproval("past", "sent")
	past.ValidUntil = timex.Ptr(t0.Add(-time.Hour))
	decided := newApproval("decided", "accepted")
	decided.ValidUntil = timex.Ptr(t0.Add(-time.Hour))
	open := newApproval("open", "viewed")
	open.ValidUntil = nil
	future := newApproval("future", "pending")

	for _, a := range []*OfferApproval{past, decided, open, future} {
		require.NoError(t, db.CreateApproval(ctx, a))
	}

	got, err := db.GetExpirableApprovals(ctx, t0, []string{"pending", "sent", "viewed"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "past", got[0].ID)
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDAO(t)

	ok, err := db.AcquireLease(ctx, "k", "a", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.AcquireLease(ctx, "k", "b", t0.Add(30*time.Second), t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be taken over")

	// releasing someone else's lease is a no-op
	require.NoError(t, db.ReleaseLease(ctx, "k", "b"))
	ok, err = db.AcquireLease(ctx, "k", "b", t0.Add(30*time.Second), t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.AcquireLease(ctx, "k", "b", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, db.ReleaseLease(ctx, "k", "b"))
	ok, err = db.AcquireLease(ctx, "k", "a", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := db.DeleteExpiredLeases(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
