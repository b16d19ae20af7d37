package offer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// NewClient creates a client for the offerd api. apiKey is used for the
// contractor endpoints and cronSecret for the cron endpoints, either may be
// empty if those endpoints are not used.
func NewClient(host string, apiKey string, cronSecret string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		apiKey:     apiKey,
		cronSecret: cronSecret,
		http:       http.DefaultClient,
	}
}

type Client struct {
	host       string
	apiKey     string
	cronSecret string
	http       *http.Client
}

func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Error is returned for non 2xx responses.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("offerd responded %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Schedule(ctx context.Context, offerSendID string, scheduledFor string) (ScheduleResponse, error) {
	var r ScheduleResponse
	err := c.do(ctx, "/api/offer-sends/schedule", c.bearer(), ScheduleRequest{
		OfferSendID:  offerSendID,
		ScheduledFor: scheduledFor,
	}, &r)
	return r, err
}

func (c *Client) Cancel(ctx context.Context, offerSendID string) (OfferSend, error) {
	var r CancelResponse
	err := c.do(ctx, "/api/offer-sends/"+url.PathEscape(offerSendID)+"/cancel", c.bearer(), nil, &r)
	return r.OfferSend, err
}

// TriggerDelivery runs one delivery tick, like the external cron does.
func (c *Client) TriggerDelivery(ctx context.Context) (DeliveryResult, error) {
	var r DeliveryResult
	err := c.do(ctx, "/cron/deliver", c.cron(), nil, &r)
	return r, err
}

func (c *Client) TriggerExpiry(ctx context.Context) (ExpireResult, error) {
	var r ExpireResult
	err := c.do(ctx, "/cron/expire", c.cron(), nil, &r)
	return r, err
}

func (c *Client) bearer() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

func (c *Client) cron() http.Header {
	h := http.Header{}
	if c.cronSecret != "" {
		h.Set("X-Cron-Secret", c.cronSecret)
	}
	return h
}

func (c *Client) do(ctx context.Context, path string, header http.Header, in any, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, body)
	if err != nil {
		return err
	}
	req.Header = header
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if json.Unmarshal(respBytes, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(respBytes))
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return json.Unmarshal(respBytes, out)
}
