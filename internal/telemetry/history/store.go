package history

import (
	"errors"
	"sync"

	telemetry "cmms-automation/internal/telemetry/domain"
)

// ErrOutOfOrder indicates a reading older than the newest stored entry.
var ErrOutOfOrder = errors.New("history: reading out of order")

// Store keeps a bounded per-meter ring of recent readings, sized to the
// largest sample window any trigger bound to the meter needs. It does no
// external I/O; archival is a separate concern.
type Store struct {
	mu      sync.RWMutex
	buffers map[string]*buffer
}

type buffer struct {
	capacity int
	readings []telemetry.MeterReading
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{buffers: make(map[string]*buffer)}
}

// Resize sets a meter's buffer capacity (minimum 1), trimming oldest entries
// when shrinking. Called when a new automation snapshot is published.
func (s *Store) Resize(meterID string, capacity int) {
	if s == nil || meterID == "" {
		return
	}
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[meterID]
	if !ok {
		s.buffers[meterID] = &buffer{capacity: capacity}
		return
	}
	buf.capacity = capacity
	if len(buf.readings) > capacity {
		buf.readings = buf.readings[len(buf.readings)-capacity:]
	}
}

// Append stores a reading, trimming beyond the buffer capacity. A reading
// older than the newest stored entry is rejected with ErrOutOfOrder; equal
// timestamps are accepted so same-instant samples are not lost.
func (s *Store) Append(reading telemetry.MeterReading) error {
	if s == nil {
		return errors.New("history: nil store")
	}
	if err := reading.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[reading.MeterID]
	if !ok {
		buf = &buffer{capacity: 1}
		s.buffers[reading.MeterID] = buf
	}
	if n := len(buf.readings); n > 0 && reading.ObservedAt.Before(buf.readings[n-1].ObservedAt) {
		return ErrOutOfOrder
	}
	buf.readings = append(buf.readings, reading)
	if len(buf.readings) > buf.capacity {
		buf.readings = buf.readings[len(buf.readings)-buf.capacity:]
	}
	return nil
}

// Recent returns up to n stored readings for a meter, newest last.
func (s *Store) Recent(meterID string, n int) []telemetry.MeterReading {
	if s == nil || n <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[meterID]
	if !ok || len(buf.readings) == 0 {
		return nil
	}
	start := 0
	if len(buf.readings) > n {
		start = len(buf.readings) - n
	}
	out := make([]telemetry.MeterReading, len(buf.readings)-start)
	copy(out, buf.readings[start:])
	return out
}

// Latest returns the newest stored reading for a meter.
func (s *Store) Latest(meterID string) (telemetry.MeterReading, bool) {
	if s == nil {
		return telemetry.MeterReading{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[meterID]
	if !ok || len(buf.readings) == 0 {
		return telemetry.MeterReading{}, false
	}
	return buf.readings[len(buf.readings)-1], true
}
