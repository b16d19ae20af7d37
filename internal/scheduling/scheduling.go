// Package scheduling lets a contractor pick the moment an offer send is delivered.
package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/modfin/offer/internal/apperr"
	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/dnsx"
	"github.com/modfin/offer/internal/signals"
	"github.com/modfin/offer/internal/timex"
	"github.com/modfin/offer/tools"
	"github.com/sirupsen/logrus"
)

// Schedulable are the statuses a send may be (re)scheduled or canceled from.
var Schedulable = []dao.SendStatus{dao.SendStatusPending, dao.SendStatusScheduled}

type Request struct {
	OfferSendID  string `json:"offerSendId"`
	ScheduledFor string `json:"scheduledFor"`
}

type Service struct {
	db    dao.DAO
	clock timex.Clock
	log   *logrus.Logger
	mx    dnsx.MXer
}

func New(db dao.DAO, clock timex.Clock, lc *tools.Logger) *Service {
	if clock == nil {
		clock = timex.System
	}
	return &Service{
		db:    db,
		clock: clock,
		log:   lc.New("scheduling"),
	}
}

// WithRecipientCheck makes Schedule refuse recipients whose domain does not
// accept email. Lookup failures other than a missing mx let the schedule through.
func (s *Service) WithRecipientCheck(mx dnsx.MXer) *Service {
	s.mx = mx
	return s
}

// Schedule validates in a fixed order (auth, shape, time, ownership, status)
// so the first failing check decides the error a caller sees.
func (s *Service) Schedule(ctx context.Context, userID string, req Request) (*dao.OfferSend, error) {
	if userID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	if strings.TrimSpace(req.OfferSendID) == "" || strings.TrimSpace(req.ScheduledFor) == "" {
		return nil, apperr.Validation("offerSendId and scheduledFor are required")
	}

	normalized, err := timex.EnsureAwareUTC(req.ScheduledFor)
	if err != nil {
		return nil, apperr.Normalization("scheduledFor", err)
	}
	scheduledFor, err := timex.Parse(normalized)
	if err != nil {
		return nil, apperr.Normalization("scheduledFor", err)
	}

	now := s.clock.Now()
	if !scheduledFor.After(now) {
		return nil, apperr.Validation("scheduledFor must be in the future")
	}

	send, err := s.owned(ctx, userID, req.OfferSendID)
	if err != nil {
		return nil, err
	}
	if send.Status != dao.SendStatusPending && send.Status != dao.SendStatusScheduled {
		return nil, apperr.Conflict("cannot schedule offer send with status %s", send.Status)
	}
	if err := s.checkRecipient(send.ClientEmail); err != nil {
		return nil, err
	}

	err = s.db.ScheduleOfferSend(ctx, send.ID, Schedulable, scheduledFor, now)
	if errors.Is(err, dao.ErrNoTransition) {
		return nil, s.conflict(ctx, send.ID, "schedule")
	}
	if err != nil {
		return nil, apperr.Internal(err, "could not schedule offer send")
	}

	updated, err := s.db.GetOfferSend(ctx, send.ID)
	if err != nil {
		return nil, apperr.Internal(err, "could not read scheduled offer send")
	}

	s.log.WithFields(logrus.Fields{
		"offer_send_id": send.ID,
		"scheduled_for": timex.Format(scheduledFor),
	}).Info("offer send scheduled")
	signals.Broadcast(signals.OfferScheduled)

	return updated, nil
}

// Cancel stops a pending or scheduled send. Canceling twice is not an error.
func (s *Service) Cancel(ctx context.Context, userID string, id string) (*dao.OfferSend, error) {
	if userID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("offer send id is required")
	}
	send, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if send.Status == dao.SendStatusCanceled {
		return send, nil
	}
	if send.Status != dao.SendStatusPending && send.Status != dao.SendStatusScheduled {
		return nil, apperr.Conflict("cannot cancel offer send with status %s", send.Status)
	}

	err = s.db.CancelOfferSend(ctx, send.ID, Schedulable, s.clock.Now())
	if errors.Is(err, dao.ErrNoTransition) {
		return nil, s.conflict(ctx, send.ID, "cancel")
	}
	if err != nil {
		return nil, apperr.Internal(err, "could not cancel offer send")
	}

	s.log.WithField("offer_send_id", send.ID).Info("offer send canceled")
	updated, err := s.db.GetOfferSend(ctx, send.ID)
	if err != nil {
		return nil, apperr.Internal(err, "could not read canceled offer send")
	}
	return updated, nil
}

func (s *Service) checkRecipient(email string) error {
	if s.mx == nil {
		return nil
	}
	domain, err := tools.DomainOfEmail(email)
	if err != nil {
		return apperr.Validation("recipient %s is not a valid email address", email)
	}
	_, err = s.mx.MX(domain)
	if errors.Is(err, dnsx.ErrNoMX) {
		return apperr.Validation("recipient domain %s does not accept email", domain)
	}
	if err != nil {
		s.log.WithError(err).WithField("domain", domain).Warn("could not check recipient domain, scheduling anyway")
	}
	return nil
}

// owned hides other users' records behind not found.
func (s *Service) owned(ctx context.Context, userID, id string) (*dao.OfferSend, error) {
	send, err := s.db.GetOfferSend(ctx, id)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, apperr.NotFound("offer send not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "could not read offer send")
	}
	if send.UserID != userID {
		return nil, apperr.NotFound("offer send not found")
	}
	return send, nil
}

// conflict reports the status that won a race against a guarded update.
func (s *Service) conflict(ctx context.Context, id string, op string) error {
	send, err := s.db.GetOfferSend(ctx, id)
	if err != nil {
		return apperr.Internal(err, "could not read offer send")
	}
	return apperr.Conflict("cannot %s offer send with status %s", op, send.Status)
}

// DelayUntil is a convenience for callers holding a time rather than a string.
func DelayUntil(id string, at time.Time) Request {
	return Request{OfferSendID: id, ScheduledFor: timex.Format(at)}
}
