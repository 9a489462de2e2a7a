package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	telemetry "cmms-automation/internal/telemetry/domain"
)

// Ingestor accepts validated readings, typically the engine.
type Ingestor interface {
	Ingest(reading telemetry.MeterReading) error
}

// Config groups the Kafka ingestion settings.
type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Consumer reads meter readings from Kafka and forwards them to the engine.
// The feed is expected to key messages by meter id, which keeps per-meter
// order on the partition and through the engine's lanes.
type Consumer struct {
	reader   *kafka.Reader
	ingestor Ingestor
	logger   *log.Logger
	wg       sync.WaitGroup
}

// NewConsumer constructs a consumer.
func NewConsumer(cfg Config, ingestor Ingestor, logger *log.Logger) (*Consumer, error) {
	if ingestor == nil {
		return nil, errors.New("kafka consumer: nil ingestor")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka consumer: empty topic")
	}
	if logger == nil {
		logger = log.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic},
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &Consumer{reader: reader, ingestor: ingestor, logger: logger}, nil
}

// Start begins consuming until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Close stops the reader and waits for the loop to exit.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	c.wg.Wait()
	return err
}

func (c *Consumer) run(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Printf("kafka consumer: read error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		reading, err := decodeReading(msg.Value)
		if err != nil {
			c.logger.Printf("kafka consumer: dropped message at offset %d: %v", msg.Offset, err)
			continue
		}
		if err := c.ingestor.Ingest(reading); err != nil {
			c.logger.Printf("kafka consumer: dropped reading for meter %s: %v", reading.MeterID, err)
		}
	}
}

type readingPayload struct {
	MeterID    string   `json:"meterId"`
	AssetID    string   `json:"assetId"`
	Value      *float64 `json:"value"`
	Unit       string   `json:"unit"`
	ObservedAt string   `json:"observedAt"`
	TS         int64    `json:"ts"`
}

func decodeReading(data []byte) (telemetry.MeterReading, error) {
	var payload readingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return telemetry.MeterReading{}, err
	}
	if payload.MeterID == "" {
		return telemetry.MeterReading{}, errors.New("missing meterId")
	}
	if payload.Value == nil {
		return telemetry.MeterReading{}, errors.New("missing value")
	}
	var observedAt time.Time
	switch {
	case payload.ObservedAt != "":
		parsed, err := time.Parse(time.RFC3339, payload.ObservedAt)
		if err != nil {
			return telemetry.MeterReading{}, errors.New("unparseable observedAt")
		}
		observedAt = parsed.UTC()
	case payload.TS > 1_000_000_000_000:
		observedAt = time.UnixMilli(payload.TS).UTC()
	case payload.TS > 0:
		observedAt = time.Unix(payload.TS, 0).UTC()
	default:
		return telemetry.MeterReading{}, errors.New("missing observedAt")
	}
	return telemetry.MeterReading{
		MeterID:    payload.MeterID,
		AssetID:    payload.AssetID,
		Value:      *payload.Value,
		Unit:       payload.Unit,
		ObservedAt: observedAt,
	}, nil
}
