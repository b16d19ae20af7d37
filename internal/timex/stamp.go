package timex

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Stamp is a time that is stored and serialized in the canonical Layout.
// Nullable columns use *Stamp.
type Stamp struct {
	time.Time
}

func StampOf(t time.Time) Stamp {
	return Stamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func Ptr(t time.Time) *Stamp {
	s := StampOf(t)
	return &s
}

func (s Stamp) String() string {
	return Format(s.Time)
}

func (s Stamp) Value() (driver.Value, error) {
	if s.Time.IsZero() {
		return nil, nil
	}
	return Format(s.Time), nil
}

func (s *Stamp) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		s.Time = time.Time{}
		return nil
	case string:
		t, err := Parse(v)
		if err != nil {
			return err
		}
		s.Time = t
		return nil
	case []byte:
		t, err := Parse(string(v))
		if err != nil {
			return err
		}
		s.Time = t
		return nil
	case time.Time:
		s.Time = v.UTC().Truncate(time.Millisecond)
		return nil
	}
	return fmt.Errorf("%w: cannot scan %T into Stamp", ErrNormalization, value)
}

func (s Stamp) MarshalJSON() ([]byte, error) {
	if s.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(Format(s.Time))
}

func (s *Stamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		s.Time = time.Time{}
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	t, err := Parse(str)
	if err != nil {
		return err
	}
	s.Time = t
	return nil
}
