package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modfin/offer/tools"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"gopkg.in/gomail.v2"
)

// Log only logs what would have been sent.
type Log struct {
	log *logrus.Logger
}

func NewLog(lc *tools.Logger) *Log {
	return &Log{log: lc.New("deliverer-log")}
}

func (l *Log) Deliver(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.WithFields(logrus.Fields{
		"offer_send_id": req.OfferSendID,
		"recipient":     req.Recipient,
		"subject":       req.Subject,
		"tracking_id":   req.TrackingID,
	}).Info("delivering offer")
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Signer rewrites a raw message, e.g. by prepending a DKIM-Signature header.
type Signer interface {
	Sign(out io.Writer, in io.Reader) error
}

// SMTP submits the offer to a relay.
type SMTP struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
	signer Signer
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTP{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

// WithSigner signs every message before it is handed to the relay.
func (s *SMTP) WithSigner(signer Signer) *SMTP {
	s.signer = signer
	return s
}

func (s *SMTP) message(req Request) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", req.Recipient)
	m.SetHeader("Subject", req.Subject)
	m.SetHeader("X-Offer-Send-ID", req.OfferSendID)
	m.SetHeader("X-Offer-Tracking-ID", req.TrackingID)

	body := req.Message
	if req.PDFURL != "" {
		body = fmt.Sprintf("%s\n\n%s", body, req.PDFURL)
	}
	m.SetBody("text/plain", body)
	return m
}

func (s *SMTP) Deliver(ctx context.Context, req Request) error {
	m := s.message(req)

	// gomail has no context support, the send is abandoned on timeout
	done := make(chan error, 1)
	go func() {
		done <- s.send(m)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("could not send offer over smtp: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp delivery timed out: %w", ctx.Err())
	}
}

func (s *SMTP) send(m *gomail.Message) error {
	if s.signer == nil {
		return s.dialer.DialAndSend(m)
	}
	sc, err := s.dialer.Dial()
	if err != nil {
		return err
	}
	defer sc.Close()
	return gomail.Send(signingSender{next: sc, signer: s.signer}, m)
}

type signingSender struct {
	next   gomail.Sender
	signer Signer
}

func (s signingSender) Send(from string, to []string, msg io.WriterTo) error {
	var raw, signed bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return fmt.Errorf("could not render message: %w", err)
	}
	if err := s.signer.Sign(&signed, &raw); err != nil {
		return fmt.Errorf("could not sign message: %w", err)
	}
	return s.next.Send(from, to, &signed)
}

// HTTP posts the request as JSON to an email sending function.
type HTTP struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTP(url, token string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &HTTP{url: url, token: token, client: client}
}

func (h *HTTP) Deliver(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("could not marshal delivery request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create delivery request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("could not reach email function: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email function responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// AMQP publishes the request to a durable queue consumed by a mail sender.
type AMQP struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(url, queue string) *AMQP {
	if queue == "" {
		queue = "offer_sends"
	}
	return &AMQP{url: url, queue: queue}
}

func (a *AMQP) channel() (*amqp.Channel, error) {
	if a.ch != nil && !a.conn.IsClosed() {
		return a.ch, nil
	}
	a.reset()

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open amqp channel: %w", err)
	}
	_, err = ch.QueueDeclare(a.queue, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not declare queue %s: %w", a.queue, err)
	}
	a.conn, a.ch = conn, ch
	return ch, nil
}

func (a *AMQP) reset() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.conn, a.ch = nil, nil
}

func (a *AMQP) Deliver(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("could not marshal delivery request: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := a.channel()
	if err != nil {
		return err
	}
	err = ch.Publish("", a.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     req.TrackingID,
		CorrelationId: req.OfferSendID,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		a.reset()
		return fmt.Errorf("could not publish to %s: %w", a.queue, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return nil
}
