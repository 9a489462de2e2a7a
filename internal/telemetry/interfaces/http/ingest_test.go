package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	telemetry "cmms-automation/internal/telemetry/domain"
)

type captureIngestor struct {
	readings []telemetry.MeterReading
	err      error
}

func (c *captureIngestor) Ingest(reading telemetry.MeterReading) error {
	if c.err != nil {
		return c.err
	}
	c.readings = append(c.readings, reading)
	return nil
}

func TestIngestHandler_SingleReading(t *testing.T) {
	ingestor := &captureIngestor{}
	handler, err := NewIngestHandler(ingestor, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := `{"meterId":"meter-1","assetId":"asset-1","value":42.5,"unit":"kWh","observedAt":"2026-08-01T10:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/readings", strings.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if len(ingestor.readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(ingestor.readings))
	}
	got := ingestor.readings[0]
	if got.MeterID != "meter-1" || got.Value != 42.5 || got.Unit != "kWh" {
		t.Fatalf("unexpected reading: %+v", got)
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if !got.ObservedAt.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got.ObservedAt)
	}
}

func TestIngestHandler_Batch(t *testing.T) {
	ingestor := &captureIngestor{}
	handler, _ := NewIngestHandler(ingestor, nil)

	body := `{"readings":[
		{"meterId":"meter-1","value":1,"ts":1754042400},
		{"meterId":"meter-2","value":2,"ts":1754042400000}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/readings", strings.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var result map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["accepted"] != 2 {
		t.Fatalf("expected 2 accepted, got %d", result["accepted"])
	}
	// Seconds and milliseconds timestamps decode to the same instant.
	if !ingestor.readings[0].ObservedAt.Equal(ingestor.readings[1].ObservedAt) {
		t.Fatalf("expected equal timestamps, got %s and %s",
			ingestor.readings[0].ObservedAt, ingestor.readings[1].ObservedAt)
	}
}

func TestIngestHandler_RejectsMissingFields(t *testing.T) {
	handler, _ := NewIngestHandler(&captureIngestor{}, nil)

	cases := []string{
		`{"assetId":"asset-1","value":1,"ts":1754042400}`,   // no meterId
		`{"meterId":"meter-1","ts":1754042400}`,             // no value
		`{"meterId":"meter-1","value":1}`,                   // no timestamp
		`{"meterId":"meter-1","value":1,"observedAt":"x"}`,  // bad timestamp
		`not json`,
	}
	for i, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/ingest/readings", strings.NewReader(body))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, resp.Code)
		}
	}
}

func TestIngestHandler_MethodNotAllowed(t *testing.T) {
	handler, _ := NewIngestHandler(&captureIngestor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/ingest/readings", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}
