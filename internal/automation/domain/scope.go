package automation

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScopeType identifies the temporal policy of a trigger. The string values
// are wire tokens shared with the configuration UI and must not change.
type ScopeType string

const (
	ScopeOneReading        ScopeType = "one_reading"
	ScopeMultipleReadings  ScopeType = "multiple_readings"
	ScopeReadingLongerThan ScopeType = "reading_longer_than"
)

// Valid returns true when the scope type is supported.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeOneReading, ScopeMultipleReadings, ScopeReadingLongerThan:
		return true
	default:
		return false
	}
}

// Scope determines when repeated condition matches actually fire a trigger.
// MatchCount/WindowSize apply to multiple_readings, Duration to
// reading_longer_than.
type Scope struct {
	Type       ScopeType
	MatchCount int
	WindowSize int
	Duration   time.Duration
}

type scopeJSON struct {
	Type            ScopeType `json:"type"`
	MatchCount      int       `json:"match_count,omitempty"`
	WindowSize      int       `json:"window_size,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
}

// MarshalJSON writes the wire form; durations are carried as seconds.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(scopeJSON{
		Type:            s.Type,
		MatchCount:      s.MatchCount,
		WindowSize:      s.WindowSize,
		DurationSeconds: s.Duration.Seconds(),
	})
}

// UnmarshalJSON reads the wire form, rejecting unknown scope tokens at load
// time rather than at evaluation time.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if _, err := ParseScopeType(string(raw.Type)); err != nil {
		return err
	}
	s.Type = raw.Type
	s.MatchCount = raw.MatchCount
	s.WindowSize = raw.WindowSize
	s.Duration = time.Duration(raw.DurationSeconds * float64(time.Second))
	return nil
}

// ParseScopeType validates a wire token.
func ParseScopeType(token string) (ScopeType, error) {
	t := ScopeType(token)
	if !t.Valid() {
		return "", fmt.Errorf("automation: unknown scope type %q", token)
	}
	return t, nil
}

// Validate checks scope invariants as the configuration layer should have
// enforced them.
func (s Scope) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("automation: unknown scope type %q", s.Type)
	}
	switch s.Type {
	case ScopeMultipleReadings:
		if s.WindowSize < 1 {
			return fmt.Errorf("automation: window size must be >= 1, got %d", s.WindowSize)
		}
		if s.MatchCount < 1 || s.MatchCount > s.WindowSize {
			return fmt.Errorf("automation: match count %d out of range 1..%d", s.MatchCount, s.WindowSize)
		}
	case ScopeReadingLongerThan:
		if s.Duration <= 0 {
			return fmt.Errorf("automation: duration must be positive, got %s", s.Duration)
		}
	}
	return nil
}

// Normalized clamps impossible values instead of crashing when a bad spec
// slips past the configuration layer.
func (s Scope) Normalized() Scope {
	out := s
	if !out.Type.Valid() {
		out.Type = ScopeOneReading
	}
	switch out.Type {
	case ScopeMultipleReadings:
		if out.WindowSize < 1 {
			out.WindowSize = 1
		}
		if out.MatchCount < 1 {
			out.MatchCount = 1
		}
		if out.MatchCount > out.WindowSize {
			out.MatchCount = out.WindowSize
		}
		out.Duration = 0
	case ScopeReadingLongerThan:
		if out.Duration < 0 {
			out.Duration = 0
		}
		out.MatchCount = 0
		out.WindowSize = 0
	default:
		out.MatchCount = 0
		out.WindowSize = 0
		out.Duration = 0
	}
	return out
}
