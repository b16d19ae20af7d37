package offer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/offer-sends/schedule", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "authentication required"})
			return
		}
		var req ScheduleRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		at := req.ScheduledFor
		_ = json.NewEncoder(w).Encode(ScheduleResponse{
			OfferSend: OfferSend{ID: req.OfferSendID, Status: "scheduled", ScheduledFor: &at},
			Message:   "Offer scheduled for " + at,
		})
	})
	mux.HandleFunc("/cron/deliver", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Cron-Secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("nope"))
			return
		}
		_ = json.NewEncoder(w).Encode(DeliveryResult{Processed: 1, Timestamp: "2025-01-15T10:00:00.000Z"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	c := NewClient(srv.URL+"/", "key", "secret")
	res, err := c.Schedule(ctx, "send-1", "2025-02-01T09:00:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, "send-1", res.OfferSend.ID)
	assert.Equal(t, "scheduled", res.OfferSend.Status)

	dr, err := c.TriggerDelivery(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dr.Processed)

	_, err = NewClient(srv.URL, "wrong", "").Schedule(ctx, "send-1", "2025-02-01T09:00:00.000Z")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "authentication required", apiErr.Message)

	_, err = NewClient(srv.URL, "", "wrong").TriggerDelivery(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "nope", apiErr.Message)
}
