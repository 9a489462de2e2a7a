package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	telemetry "cmms-automation/internal/telemetry/domain"
)

// Ingestor accepts validated readings, typically the engine.
type Ingestor interface {
	Ingest(reading telemetry.MeterReading) error
}

// Config holds MQTT consumer settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the subscription pattern, e.g. "meters/+/readings".
	Topic string
	QoS   byte
}

// Consumer subscribes to the gateway reading topic and forwards parsed
// readings to the engine.
type Consumer struct {
	client   mqtt.Client
	topic    string
	qos      byte
	ingestor Ingestor
	logger   *log.Logger
}

// NewConsumer connects to the broker.
func NewConsumer(cfg Config, ingestor Ingestor, logger *log.Logger) (*Consumer, error) {
	if ingestor == nil {
		return nil, errors.New("mqtt consumer: nil ingestor")
	}
	if cfg.Broker == "" {
		return nil, errors.New("mqtt consumer: empty broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt consumer: empty topic")
	}
	if logger == nil {
		logger = log.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("mqtt consumer: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt consumer: connect: %w", token.Error())
	}
	return &Consumer{client: client, topic: cfg.Topic, qos: cfg.QoS, ingestor: ingestor, logger: logger}, nil
}

// Subscribe starts consuming readings.
func (c *Consumer) Subscribe() error {
	if c == nil || c.client == nil {
		return errors.New("mqtt consumer: not connected")
	}
	token := c.client.Subscribe(c.topic, c.qos, c.handleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt consumer: subscribe %s: %w", c.topic, token.Error())
	}
	c.logger.Printf("mqtt consumer: subscribed to %s", c.topic)
	return nil
}

// Close disconnects from the broker.
func (c *Consumer) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(250)
}

func (c *Consumer) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	reading, err := decodeReading(msg.Payload())
	if err != nil {
		c.logger.Printf("mqtt consumer: dropped message on %s: %v", msg.Topic(), err)
		return
	}
	if err := c.ingestor.Ingest(reading); err != nil {
		c.logger.Printf("mqtt consumer: dropped reading for meter %s: %v", reading.MeterID, err)
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
