package model

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TimeLayout is ISO-8601 with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is a UTC instant truncated to milliseconds.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to milliseconds in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// ParseTimestamp accepts TimeLayout or any RFC 3339 string.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return Timestamp{}, &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("parse %q: %v", s, err)}
	}
	return NewTimestamp(t), nil
}

func (t Timestamp) String() string { return t.UTC().Format(TimeLayout) }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = Timestamp{}
		return nil
	}
	ts, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}

func (t Timestamp) MarshalYAML() (any, error) { return t.String(), nil }

func (t *Timestamp) UnmarshalYAML(n *yaml.Node) error {
	ts, err := ParseTimestamp(n.Value)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}

// Clock hands out millisecond timestamps that never go backwards.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock returns a Clock over now (time.Now when nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the current timestamp, or the previous one if the wall clock moved backwards.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := NewTimestamp(c.now())
	if t.Time.Before(c.last) {
		t = Timestamp{c.last}
	}
	c.last = t.Time
	return t
}
