// Package timex is the single source of "now" and the only place timestamps
// are parsed and formatted. Everything persisted goes through Format, so every
// stored timestamp is UTC with millisecond precision and an explicit Z.
package timex

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Layout is the canonical persisted format. Fixed width, so string order is time order.
const Layout = "2006-01-02T15:04:05.000Z"

const (
	DefaultBackoffBase = 60 * time.Second
	DefaultBackoffMax  = time.Hour
)

var ErrNormalization = errors.New("could not normalize timestamp")

// naive layouts carry no zone and are read as UTC
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

var awareLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

var System Clock = systemClock{}

// Manual is a settable clock, mostly for tests.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{t: t.UTC().Truncate(time.Millisecond)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t.UTC().Truncate(time.Millisecond)
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

func UTCNow() string {
	return Format(System.Now())
}

func Format(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(Layout)
}

// Parse reads any accepted representation. Naive values are taken as UTC.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrNormalization)
	}
	for _, layout := range awareLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	for _, layout := range naiveLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not an ISO-8601 timestamp", ErrNormalization, s)
}

// EnsureAwareUTC normalizes value into the canonical string. A nil value (or
// nil pointer) yields "" which callers store as NULL. Nothing is coerced:
// unparsable input and zero times are errors.
func EnsureAwareUTC(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		t, err := Parse(v)
		if err != nil {
			return "", err
		}
		return Format(t), nil
	case time.Time:
		if v.IsZero() {
			return "", fmt.Errorf("%w: zero time", ErrNormalization)
		}
		return Format(v), nil
	case *time.Time:
		if v == nil {
			return "", nil
		}
		return EnsureAwareUTC(*v)
	case Stamp:
		return EnsureAwareUTC(v.Time)
	case *Stamp:
		if v == nil {
			return "", nil
		}
		return EnsureAwareUTC(v.Time)
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrNormalization, value)
	}
}

// IsDue reports whether scheduledFor has been reached, boundary included.
func IsDue(scheduledFor, now time.Time) bool {
	return !now.Before(scheduledFor)
}

func AddSeconds(base time.Time, n int) time.Time {
	return base.Add(time.Duration(n) * time.Second).UTC().Truncate(time.Millisecond)
}

// ExponentialBackoff returns min(base*2^retryCount, max).
func ExponentialBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if base >= max {
		return max
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
