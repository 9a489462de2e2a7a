package telemetry

import (
	"errors"
	"time"
)

// MeterReading is one observed sensor value. Readings arrive in
// non-decreasing ObservedAt order per meter; older ones are rejected.
type MeterReading struct {
	MeterID    string    `json:"meter_id"`
	AssetID    string    `json:"asset_id,omitempty"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Validate checks the inbound field contract. Malformed readings are dropped
// by the caller, never propagated.
func (r MeterReading) Validate() error {
	if r.MeterID == "" {
		return errors.New("telemetry: reading missing meter id")
	}
	if r.ObservedAt.IsZero() {
		return errors.New("telemetry: reading missing observed_at")
	}
	return nil
}
