package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"cmms-automation/internal/observability/metrics"
	telemetry "cmms-automation/internal/telemetry/domain"
)

// Ingestor accepts validated readings, typically the engine.
type Ingestor interface {
	Ingest(reading telemetry.MeterReading) error
}

// IngestHandler handles meter reading ingestion from the collector webhook.
type IngestHandler struct {
	ingestor Ingestor
	logger   *log.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingestor Ingestor, logger *log.Logger) (*IngestHandler, error) {
	if ingestor == nil {
		return nil, errors.New("reading ingest: nil ingestor")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestHandler{ingestor: ingestor, logger: logger}, nil
}

// ServeHTTP ingests one reading or a batch. Malformed readings are dropped
// and logged; they never reach the engine.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("reading ingest: read body error: %v", err)
		metrics.ObserveIngest(metrics.ResultError, time.Since(start))
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Printf("reading ingest: decode error: %v", err)
		metrics.ObserveIngest(metrics.ResultError, time.Since(start))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	readings, err := req.toReadings()
	if err != nil {
		h.logger.Printf("reading ingest: invalid payload: %v", err)
		metrics.ObserveIngest(metrics.ResultError, time.Since(start))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, reading := range readings {
		if err := h.ingestor.Ingest(reading); err != nil {
			h.logger.Printf("reading ingest: dropped reading for meter %s: %v", reading.MeterID, err)
			continue
		}
		accepted++
	}

	metrics.ObserveIngest(metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": accepted})
}

type ingestRequest struct {
	MeterID    string         `json:"meterId"`
	AssetID    string         `json:"assetId"`
	Value      *float64       `json:"value"`
	Unit       string         `json:"unit"`
	ObservedAt string         `json:"observedAt"`
	TS         int64          `json:"ts"`
	Readings   []ingestRecord `json:"readings"`
}

type ingestRecord struct {
	MeterID    string   `json:"meterId"`
	AssetID    string   `json:"assetId"`
	Value      *float64 `json:"value"`
	Unit       string   `json:"unit"`
	ObservedAt string   `json:"observedAt"`
	TS         int64    `json:"ts"`
}

func (r ingestRequest) toReadings() ([]telemetry.MeterReading, error) {
	records := r.Readings
	if len(records) == 0 {
		records = []ingestRecord{{MeterID: r.MeterID, AssetID: r.AssetID, Value: r.Value, Unit: r.Unit, ObservedAt: r.ObservedAt, TS: r.TS}}
	}
	readings := make([]telemetry.MeterReading, 0, len(records))
	for _, record := range records {
		reading, err := record.toReading()
		if err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

func (r ingestRecord) toReading() (telemetry.MeterReading, error) {
	if r.MeterID == "" {
		return telemetry.MeterReading{}, errors.New("missing meterId")
	}
	if r.Value == nil {
		return telemetry.MeterReading{}, errors.New("missing value")
	}
	observedAt, err := parseObservedAt(r.ObservedAt, r.TS)
	if err != nil {
		return telemetry.MeterReading{}, err
	}
	return telemetry.MeterReading{
		MeterID:    r.MeterID,
		AssetID:    r.AssetID,
		Value:      *r.Value,
		Unit:       r.Unit,
		ObservedAt: observedAt,
	}, nil
}

// parseObservedAt accepts RFC3339 or a unix timestamp in milliseconds or
// seconds. An absent timestamp is rejected, not defaulted.
func parseObservedAt(observedAt string, ts int64) (time.Time, error) {
	if observedAt != "" {
		parsed, err := time.Parse(time.RFC3339, observedAt)
		if err != nil {
			return time.Time{}, errors.New("unparseable observedAt")
		}
		return parsed.UTC(), nil
	}
	if ts <= 0 {
		return time.Time{}, errors.New("missing observedAt")
	}
	if ts > 1_000_000_000_000 {
		return time.UnixMilli(ts).UTC(), nil
	}
	return time.Unix(ts, 0).UTC(), nil
}
