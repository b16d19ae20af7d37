// Package approval implements the client side of an offer: viewing it through
// the public link and deciding on it.
//
// Every transition is a compare-and-set on the stored status, serialized per
// approval by an in-process keyed mutex. Replaying a decision is a successful
// no-op and does not notify twice.
package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/modfin/offer/internal/apperr"
	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/timex"
	"github.com/modfin/offer/pkg/zid"
	"github.com/modfin/offer/tools"
	"github.com/sirupsen/logrus"
)

const MaxReasonLength = 2000

// Event describes a transition that actually happened.
type Event struct {
	ApprovalID  string    `json:"approval_id"`
	OfferSendID string    `json:"offer_send_id"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Via         Via       `json:"via,omitempty"`
	At          time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

type NotifierFunc func(ctx context.Context, e Event)

func (f NotifierFunc) Notify(ctx context.Context, e Event) {
	f(ctx, e)
}

// LogNotifier logs transitions, it is the default Notifier.
type LogNotifier struct {
	log *logrus.Logger
}

func NewLogNotifier(lc *tools.Logger) *LogNotifier {
	return &LogNotifier{log: lc.New("approval-events")}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) {
	n.log.WithFields(logrus.Fields{
		"approval_id":   e.ApprovalID,
		"offer_send_id": e.OfferSendID,
		"from":          e.From,
		"to":            e.To,
		"via":           e.Via,
	}).Info("approval transitioned")
}

// Public is what the holder of the public link gets to see.
type Public struct {
	Approval          *dao.OfferApproval `json:"approval"`
	Status            State              `json:"status"`
	ReadOnly          bool               `json:"read_only"`
	CanCancel         bool               `json:"can_cancel"`
	CancelRemainingMS int64              `json:"cancel_remaining_ms"`
}

type NewApproval struct {
	OfferSendID string
	UserID      string
	ClientName  string
	ClientEmail string
	ValidUntil  *time.Time
	SnapshotRef string
	// Status defaults to sent
	Status State
}

type Service struct {
	db       dao.DAO
	clock    timex.Clock
	log      *logrus.Logger
	mu       *tools.KeyedMutex
	notifier Notifier
}

func New(db dao.DAO, notifier Notifier, clock timex.Clock, lc *tools.Logger) *Service {
	if clock == nil {
		clock = timex.System
	}
	if notifier == nil {
		notifier = NewLogNotifier(lc)
	}
	return &Service{
		db:       db,
		clock:    clock,
		log:      lc.New("approval"),
		mu:       tools.NewKeyedMutex(),
		notifier: notifier,
	}
}

func (s *Service) Create(ctx context.Context, n NewApproval) (*dao.OfferApproval, error) {
	if n.UserID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if n.ClientEmail != "" {
		if err := tools.ValidEmail(n.ClientEmail); err != nil {
			return nil, apperr.Validation("client email is not valid")
		}
	}
	if n.Status == "" {
		n.Status = Sent
	}
	if !n.Status.PreDecision() && n.Status != Draft {
		return nil, apperr.Validation("an approval cannot be created as %s", n.Status)
	}

	publicToken, err := tools.NewToken()
	if err != nil {
		return nil, apperr.Internal(err, "could not create token")
	}
	acceptToken, err := tools.NewToken()
	if err != nil {
		return nil, apperr.Internal(err, "could not create token")
	}

	now := s.clock.Now()
	a := &dao.OfferApproval{
		ID:          zid.NewString(),
		OfferSendID: n.OfferSendID,
		UserID:      n.UserID,
		PublicToken: publicToken,
		AcceptToken: acceptToken,
		Status:      string(n.Status),
		ClientName:  n.ClientName,
		ClientEmail: n.ClientEmail,
		SnapshotRef: n.SnapshotRef,
		CreatedAt:   timex.StampOf(now),
		UpdatedAt:   timex.StampOf(now),
	}
	if n.ValidUntil != nil {
		a.ValidUntil = timex.Ptr(*n.ValidUntil)
	}
	if err := s.db.CreateApproval(ctx, a); err != nil {
		return nil, apperr.Internal(err, "could not create approval")
	}
	s.log.WithField("approval_id", a.ID).Info("approval created")
	return a, nil
}

// View reads the approval through its public token. The first view of a
// sent offer marks it viewed.
func (s *Service) View(ctx context.Context, publicToken string) (*Public, error) {
	a, err := s.byToken(ctx, publicToken)
	if err != nil {
		return nil, err
	}
	err = s.mu.With(a.ID, func() error {
		a, err = s.reload(ctx, a.ID)
		if err != nil {
			return err
		}
		if Canonical(a.Status) != Sent {
			return nil
		}
		now := s.clock.Now()
		return s.transition(ctx, a, Viewed, "", func(a *dao.OfferApproval) {
			a.ViewedAt = timex.Ptr(now)
		})
	})
	if errors.Is(err, dao.ErrNoTransition) {
		// somebody else moved it first, show what is there now
		a, err = s.reload(ctx, a.ID)
	}
	if err != nil {
		return nil, err
	}
	return s.public(a), nil
}

// Approve accepts the offer. The email 1-click path also needs the accept
// token, the web button path only the public token.
func (s *Service) Approve(ctx context.Context, publicToken string, via Via, acceptToken string) (*Public, error) {
	if via != ViaWebButton && via != ViaEmail1Click {
		return nil, apperr.Validation("unknown accept channel %q", via)
	}
	a, err := s.byToken(ctx, publicToken)
	if err != nil {
		return nil, err
	}
	if via == ViaEmail1Click && !tools.TokenEqual(acceptToken, a.AcceptToken) {
		return nil, apperr.Unauthorized("invalid accept link")
	}
	return s.decide(ctx, a.ID, Accepted, via, func(a *dao.OfferApproval, now time.Time) {
		a.AcceptedAt = timex.Ptr(now)
		a.AcceptedVia = string(via)
	})
}

func (s *Service) Reject(ctx context.Context, publicToken string, reason string) (*Public, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > MaxReasonLength {
		return nil, apperr.Validation("reason may be at most %d characters", MaxReasonLength)
	}
	a, err := s.byToken(ctx, publicToken)
	if err != nil {
		return nil, err
	}
	return s.decide(ctx, a.ID, Rejected, "", func(a *dao.OfferApproval, now time.Time) {
		a.RejectedAt = timex.Ptr(now)
		a.RejectedReason = reason
	})
}

func (s *Service) decide(ctx context.Context, id string, to State, via Via, mutate func(a *dao.OfferApproval, now time.Time)) (*Public, error) {
	var a *dao.OfferApproval
	err := s.mu.With(id, func() error {
		var err error
		a, err = s.reload(ctx, id)
		if err != nil {
			return err
		}
		st := Canonical(a.Status)
		switch {
		case st.Decided():
			return nil
		case !st.PreDecision():
			return apperr.Conflict("offer is %s and can no longer be decided on", st)
		}

		now := s.clock.Now()
		if a.ValidUntil != nil && !now.Before(a.ValidUntil.Time) {
			return apperr.Conflict("offer is no longer valid")
		}
		return s.transition(ctx, a, to, via, func(a *dao.OfferApproval) {
			mutate(a, now)
		})
	})
	if errors.Is(err, dao.ErrNoTransition) {
		// lost a race against another process, the winner's decision stands
		a, err = s.reload(ctx, id)
		if err == nil && !Canonical(a.Status).Decided() {
			err = apperr.Conflict("offer is %s and can no longer be decided on", Canonical(a.Status))
		}
	}
	if err != nil {
		return nil, err
	}
	return s.public(a), nil
}

// CancelAccept takes back an acceptance within CancelWindow. The window is
// checked here against the server clock regardless of what the client shows.
func (s *Service) CancelAccept(ctx context.Context, publicToken string) (*Public, error) {
	a, err := s.byToken(ctx, publicToken)
	if err != nil {
		return nil, err
	}
	err = s.mu.With(a.ID, func() error {
		a, err = s.reload(ctx, a.ID)
		if err != nil {
			return err
		}
		if Canonical(a.Status) != Accepted || a.AcceptedAt == nil {
			return apperr.Conflict("only an accepted offer can be canceled")
		}
		now := s.clock.Now()
		if !CanCancel(a.AcceptedAt.Time, now) {
			return apperr.Conflict("the cancel window has passed")
		}
		return s.transition(ctx, a, Pending, "", func(a *dao.OfferApproval) {
			a.AcceptedAt = nil
			a.AcceptedVia = ""
		})
	})
	if errors.Is(err, dao.ErrNoTransition) {
		err = apperr.Conflict("only an accepted offer can be canceled")
	}
	if err != nil {
		return nil, err
	}
	return s.public(a), nil
}

// Expire closes a pre-decision approval. Expiring an expired approval is a no-op.
func (s *Service) Expire(ctx context.Context, id string) (*dao.OfferApproval, error) {
	return s.close(ctx, id, Expired, func(a *dao.OfferApproval, now time.Time) {
		a.ExpiredAt = timex.Ptr(now)
	})
}

// ExpireDue expires up to limit pre-decision approvals whose valid_until has passed.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := s.db.GetExpirableApprovals(ctx, s.clock.Now(), stored(preDecision...), limit)
	if err != nil {
		return 0, apperr.Internal(err, "could not query expirable approvals")
	}
	var expired int
	for _, a := range due {
		before := Canonical(a.Status)
		after, err := s.Expire(ctx, a.ID)
		if err != nil {
			s.log.WithError(err).WithField("approval_id", a.ID).Warn("could not expire approval")
			continue
		}
		if before != Expired && Canonical(after.Status) == Expired {
			expired++
		}
	}
	if expired > 0 {
		s.log.WithField("count", expired).Info("expired approvals")
	}
	return expired, nil
}

// Withdraw is the contractor pulling the offer back before the client decided.
func (s *Service) Withdraw(ctx context.Context, userID string, id string) (*dao.OfferApproval, error) {
	if userID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	a, err := s.reload(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, apperr.NotFound("offer not found")
	}
	return s.close(ctx, id, Withdrawn, func(a *dao.OfferApproval, now time.Time) {
		a.WithdrawnAt = timex.Ptr(now)
	})
}

func (s *Service) close(ctx context.Context, id string, to State, mutate func(a *dao.OfferApproval, now time.Time)) (*dao.OfferApproval, error) {
	var a *dao.OfferApproval
	err := s.mu.With(id, func() error {
		var err error
		a, err = s.reload(ctx, id)
		if err != nil {
			return err
		}
		st := Canonical(a.Status)
		if st == to {
			return nil
		}
		if !st.PreDecision() {
			return apperr.Conflict("offer is %s and cannot become %s", st, to)
		}
		now := s.clock.Now()
		return s.transition(ctx, a, to, "", func(a *dao.OfferApproval) {
			mutate(a, now)
		})
	})
	if errors.Is(err, dao.ErrNoTransition) {
		a, err = s.reload(ctx, id)
		if err == nil && Canonical(a.Status) != to {
			err = apperr.Conflict("offer is %s and cannot become %s", Canonical(a.Status), to)
		}
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// transition persists a move from a's current state to `to` and notifies.
// a is updated in place.
func (s *Service) transition(ctx context.Context, a *dao.OfferApproval, to State, via Via, mutate func(a *dao.OfferApproval)) error {
	from := Canonical(a.Status)
	next := *a
	mutate(&next)
	next.Status = string(to)
	now := s.clock.Now()
	next.UpdatedAt = timex.StampOf(now)

	err := s.db.UpdateApprovalIf(ctx, &next, stored(from))
	if errors.Is(err, dao.ErrNoTransition) {
		return err
	}
	if err != nil {
		return apperr.Internal(err, "could not update approval")
	}
	*a = next

	s.log.WithFields(logrus.Fields{
		"approval_id": a.ID,
		"from":        from,
		"to":          to,
	}).Info("approval transitioned")
	s.notifier.Notify(ctx, Event{
		ApprovalID:  a.ID,
		OfferSendID: a.OfferSendID,
		From:        from,
		To:          to,
		Via:         via,
		At:          now,
	})
	return nil
}

func (s *Service) byToken(ctx context.Context, publicToken string) (*dao.OfferApproval, error) {
	if publicToken == "" {
		return nil, apperr.NotFound("offer not found")
	}
	a, err := s.db.GetApprovalByPublicToken(ctx, publicToken)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, apperr.NotFound("offer not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "could not read approval")
	}
	// drafts have not been sent, their link must not work yet
	if Canonical(a.Status) == Draft {
		return nil, apperr.NotFound("offer not found")
	}
	return a, nil
}

func (s *Service) reload(ctx context.Context, id string) (*dao.OfferApproval, error) {
	a, err := s.db.GetApproval(ctx, id)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, apperr.NotFound("offer not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "could not read approval")
	}
	return a, nil
}

func (s *Service) public(a *dao.OfferApproval) *Public {
	now := s.clock.Now()
	st := Canonical(a.Status)
	p := &Public{
		Approval: a,
		Status:   st,
		ReadOnly: !st.PreDecision(),
	}
	if st == Accepted && a.AcceptedAt != nil && CanCancel(a.AcceptedAt.Time, now) {
		p.CanCancel = true
		p.CancelRemainingMS = CancelRemaining(a.AcceptedAt.Time, now).Milliseconds()
	}
	return p
}
