package influx

import (
	"errors"
	"log"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	telemetry "cmms-automation/internal/telemetry/domain"
)

// Archiver writes raw readings to InfluxDB for long-term analysis. Writes go
// through the client's asynchronous API so archiving never blocks a meter
// lane; the in-memory history store stays the only evaluation source.
type Archiver struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *log.Logger
}

// NewArchiver constructs an archiver.
func NewArchiver(url, token, org, bucket string, logger *log.Logger) (*Archiver, error) {
	if url == "" {
		return nil, errors.New("influx archiver: empty url")
	}
	if bucket == "" {
		return nil, errors.New("influx archiver: empty bucket")
	}
	if logger == nil {
		logger = log.Default()
	}
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPI(org, bucket)

	a := &Archiver{client: client, writeAPI: writeAPI, logger: logger}
	go func() {
		for err := range writeAPI.Errors() {
			a.logger.Printf("influx archiver: write error: %v", err)
		}
	}()
	return a, nil
}

// Archive queues one reading for asynchronous write.
func (a *Archiver) Archive(reading telemetry.MeterReading) {
	if a == nil || a.writeAPI == nil {
		return
	}
	point := influxdb2.NewPoint(
		"meter_reading",
		map[string]string{"meter_id": reading.MeterID, "asset_id": reading.AssetID},
		map[string]any{"value": reading.Value, "unit": reading.Unit},
		reading.ObservedAt,
	)
	a.writeAPI.WritePoint(point)
}

// Close flushes pending writes and releases the client.
func (a *Archiver) Close() {
	if a == nil || a.client == nil {
		return
	}
	a.writeAPI.Flush()
	a.client.Close()
}
