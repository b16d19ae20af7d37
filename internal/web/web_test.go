package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/modfin/offer"
	"github.com/modfin/offer/internal/approval"
	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/delivery"
	"github.com/modfin/offer/internal/metrics"
	"github.com/modfin/offer/internal/scheduling"
	"github.com/modfin/offer/internal/timex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type fakeTicker struct {
	calls int
}

func (f *fakeTicker) Tick(ctx context.Context) (delivery.Result, error) {
	f.calls++
	return delivery.Result{Processed: 2, Failed: 1, Skipped: 3, Timestamp: timex.Format(t0)}, nil
}

type harness struct {
	handler  http.Handler
	db       dao.DAO
	clock    *timex.Manual
	ticker   *fakeTicker
	approval *approval.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "web.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := timex.NewManual(t0)
	ticker := &fakeTicker{}
	appr := approval.New(db, nil, clock, nil)
	srv := New(Config{
		CronSecret: "cron-secret",
		Users:      map[string]string{"key-alice": "alice", "key-bob": "bob"},
	}, Services{
		Scheduling: scheduling.New(db, clock, nil),
		Approval:   appr,
		Delivery:   ticker,
		Expiry:     appr,
		Metrics:    metrics.New(metrics.Config{Poll: true}, nil),
	}, nil)

	err = db.CreateOfferSend(context.Background(), &dao.OfferSend{
		ID:          "send-1",
		ProjectID:   "p1",
		UserID:      "alice",
		ClientEmail: "client@example.com",
		Subject:     "Offer",
		Message:     "Hello",
		Status:      dao.SendStatusPending,
		MaxRetries:  dao.DefaultMaxRetries,
		CreatedAt:   timex.StampOf(t0),
		UpdatedAt:   timex.StampOf(t0),
	})
	require.NoError(t, err)

	return &harness{handler: srv.Handler(), db: db, clock: clock, ticker: ticker, approval: appr}
}

func (h *harness) do(method, path string, header map[string]string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e offer.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e.Error
}

func TestCronDeliver(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/cron/deliver", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(http.MethodPost, "/cron/deliver", map[string]string{"X-Cron-Secret": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, h.ticker.calls)

	rec = h.do(http.MethodPost, "/cron/deliver", map[string]string{"X-Cron-Secret": "cron-secret"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res offer.DeliveryResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, offer.DeliveryResult{Processed: 2, Failed: 1, Skipped: 3, Timestamp: "2025-01-15T10:00:00.000Z"}, res)
}

func TestCronExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	validUntil := t0.Add(-time.Minute)
	_, err := h.approval.Create(ctx, approval.NewApproval{UserID: "alice", ValidUntil: &validUntil})
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/cron/expire", map[string]string{"X-Cron-Secret": "cron-secret"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res offer.ExpireResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 1, res.Expired)
}

func TestSchedule(t *testing.T) {
	alice := map[string]string{"Authorization": "Bearer key-alice"}
	bob := map[string]string{"Authorization": "Bearer key-bob"}

	tests := []struct {
		name    string
		header  map[string]string
		body    any
		code    int
		message string
	}{
		{"no key", nil, offer.ScheduleRequest{OfferSendID: "send-1", ScheduledFor: "2025-02-01T09:00:00Z"}, 401, "authentication required"},
		{"unknown key", map[string]string{"Authorization": "Bearer nope"}, offer.ScheduleRequest{OfferSendID: "send-1", ScheduledFor: "2025-02-01T09:00:00Z"}, 401, "authentication required"},
		{"bad body", alice, "not an object", 400, "could not parse body"},
		{"bad time", alice, offer.ScheduleRequest{OfferSendID: "send-1", ScheduledFor: "soon"}, 400, "scheduledFor is not a valid ISO-8601 timestamp"},
		{"past", alice, offer.ScheduleRequest{OfferSendID: "send-1", ScheduledFor: "2025-01-15T09:00:00Z"}, 400, "scheduledFor must be in the future"},
		{"not owner", bob, offer.ScheduleRequest{OfferSendID: "send-1", ScheduledFor: "2025-02-01T09:00:00Z"}, 404, "offer send not found"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodPost, "/api/offer-sends/schedule", test.header, test.body)
			assert.Equal(t, test.code, rec.Code)
			assert.Equal(t, test.message, errorOf(t, rec))

			send, err := h.db.GetOfferSend(context.Background(), "send-1")
			require.NoError(t, err)
			assert.Equal(t, dao.SendStatusPending, send.Status, "record is unmodified")
		})
	}

	t.Run("ok", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(http.MethodPost, "/api/offer-sends/schedule", alice, offer.ScheduleRequest{OfferSendID: "send-1", ScheduledFor: "2025-02-01T10:00:00+01:00"})
		require.Equal(t, http.StatusOK, rec.Code)
		var res offer.ScheduleResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.Equal(t, "scheduled", res.OfferSend.Status)
		require.NotNil(t, res.OfferSend.ScheduledFor)
		assert.Equal(t, "2025-02-01T09:00:00.000Z", *res.OfferSend.ScheduledFor)
		assert.Contains(t, res.Message, "2025-02-01T09:00:00.000Z")

		rec = h.do(http.MethodPost, "/api/offer-sends/send-1/cancel", alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var canceled offer.CancelResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&canceled))
		assert.Equal(t, "canceled", canceled.OfferSend.Status)
	})
}

func TestPublicFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	validUntil := t0.Add(24 * time.Hour)
	a, err := h.approval.Create(ctx, approval.NewApproval{UserID: "alice", ClientName: "Client", ValidUntil: &validUntil})
	require.NoError(t, err)
	base := "/o/" + a.PublicToken

	decodePublic := func(rec *httptest.ResponseRecorder) approval.Public {
		var p approval.Public
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
		return p
	}

	rec := h.do(http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, a.AcceptToken, "tokens are never echoed")
	assert.Equal(t, approval.Viewed, decodePublic(rec).Status)

	rec = h.do(http.MethodGet, "/o/"+a.AcceptToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, base+"/accept?token=wrong", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, base+"/accept?token="+a.AcceptToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodePublic(rec)
	assert.Equal(t, approval.Accepted, p.Status)
	assert.True(t, p.CanCancel)

	// double submit from the web page
	rec = h.do(http.MethodPost, base+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(approval.ViaEmail1Click), decodePublic(rec).Approval.AcceptedVia)

	h.clock.Advance(time.Minute)
	rec = h.do(http.MethodPost, base+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, approval.Pending, decodePublic(rec).Status)

	rec = h.do(http.MethodPost, base+"/reject", nil, map[string]string{"reason": "found a cheaper one"})
	require.Equal(t, http.StatusOK, rec.Code)
	p = decodePublic(rec)
	assert.Equal(t, approval.Rejected, p.Status)
	assert.Equal(t, "found a cheaper one", p.Approval.RejectedReason)

	rec = h.do(http.MethodPost, base+"/cancel", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/approvals/"+a.ID+"/withdraw", map[string]string{"Authorization": "Bearer key-alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a decided offer cannot be withdrawn")
}

func TestPingAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
