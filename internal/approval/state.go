package approval

import (
	"time"
)

// State is the canonical approval status. Legacy names are mapped through
// aliases on read and never written.
type State string

const (
	Draft     State = "draft"
	Pending   State = "pending"
	Sent      State = "sent"
	Viewed    State = "viewed"
	Accepted  State = "accepted"
	Rejected  State = "rejected"
	Expired   State = "expired"
	Withdrawn State = "withdrawn"
)

var aliases = map[string]State{
	"approved": Accepted,
}

func Canonical(raw string) State {
	if s, ok := aliases[raw]; ok {
		return s
	}
	return State(raw)
}

// PreDecision states still accept a client decision.
func (s State) PreDecision() bool {
	return s == Pending || s == Sent || s == Viewed
}

func (s State) Decided() bool {
	return s == Accepted || s == Rejected
}

func (s State) Closed() bool {
	return s == Expired || s == Withdrawn
}

var preDecision = []State{Pending, Sent, Viewed}

// stored returns every persisted spelling of states, aliases included, for
// use as a compare-and-set guard.
func stored(states ...State) []string {
	var names []string
	for _, s := range states {
		names = append(names, string(s))
		for alias, canonical := range aliases {
			if canonical == s {
				names = append(names, alias)
			}
		}
	}
	return names
}

type Via string

const (
	ViaWebButton   Via = "web_button"
	ViaEmail1Click Via = "email_1click"
)

// CancelWindow is how long after accepting a client may take it back.
const CancelWindow = 10 * time.Minute

func CanCancel(acceptedAt, now time.Time) bool {
	return now.Sub(acceptedAt) < CancelWindow
}

// CancelRemaining is the time left of the cancel window, never negative.
func CancelRemaining(acceptedAt, now time.Time) time.Duration {
	left := CancelWindow - now.Sub(acceptedAt)
	if left < 0 {
		return 0
	}
	return left
}
