package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the automation service configuration. Values come from an
// optional yaml file named by AUTOMATION_CONFIG, with environment variables
// filling whatever the file leaves empty.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`

	JWTSecret         string   `yaml:"jwt_secret"`
	IngestSecret      string   `yaml:"ingest_secret"`
	IngestSkewSeconds int      `yaml:"ingest_skew_seconds"`
	CORSOrigins       []string `yaml:"cors_origins"`

	Engine     EngineConfig       `yaml:"engine"`
	Dispatch   DispatchConfig     `yaml:"dispatch"`
	WorkOrders CollaboratorConfig `yaml:"work_orders"`
	Assets     CollaboratorConfig `yaml:"assets"`
	WebhookURL string             `yaml:"webhook_url"`

	Kafka  KafkaConfig  `yaml:"kafka"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Influx InfluxConfig `yaml:"influx"`
}

// EngineConfig tunes the evaluation engine.
type EngineConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DispatchConfig tunes the action dispatcher.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// CollaboratorConfig points at a collaborating service.
type CollaboratorConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// KafkaConfig defines the Kafka reading feed. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
	Topic   string   `yaml:"topic"`
}

// MQTTConfig defines the MQTT reading feed. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
}

// InfluxConfig defines the raw reading archive. An empty URL disables it.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Load reads configuration from yaml and env.
func Load() (Config, error) {
	var cfg Config

	if path := os.Getenv("AUTOMATION_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = getenvDefault("DATABASE_URL", os.Getenv("PG_DSN"))
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", os.Getenv("JWT_SECRET"))
	}
	if cfg.IngestSecret == "" {
		cfg.IngestSecret = os.Getenv("INGEST_HMAC_SECRET")
	}
	if cfg.IngestSkewSeconds == 0 {
		cfg.IngestSkewSeconds = getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300)
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = splitCSV(os.Getenv("CORS_ORIGINS"))
	}

	if cfg.Engine.QueueSize == 0 {
		cfg.Engine.QueueSize = getenvIntDefault("ENGINE_QUEUE_SIZE", 64)
	}
	if cfg.Engine.SweepInterval == 0 {
		cfg.Engine.SweepInterval = getenvDuration("ENGINE_SWEEP_INTERVAL", 5*time.Second)
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = getenvIntDefault("DISPATCH_WORKERS", 4)
	}
	if cfg.Dispatch.Timeout == 0 {
		cfg.Dispatch.Timeout = getenvDuration("DISPATCH_TIMEOUT", 10*time.Second)
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = getenvIntDefault("DISPATCH_MAX_ATTEMPTS", 4)
	}

	if cfg.WorkOrders.BaseURL == "" {
		cfg.WorkOrders.BaseURL = os.Getenv("WORKORDER_BASE_URL")
	}
	if cfg.WorkOrders.Token == "" {
		cfg.WorkOrders.Token = os.Getenv("WORKORDER_TOKEN")
	}
	if cfg.Assets.BaseURL == "" {
		cfg.Assets.BaseURL = getenvDefault("ASSET_BASE_URL", cfg.WorkOrders.BaseURL)
	}
	if cfg.Assets.Token == "" {
		cfg.Assets.Token = getenvDefault("ASSET_TOKEN", cfg.WorkOrders.Token)
	}
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = os.Getenv("FIRING_WEBHOOK_URL")
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = splitCSV(os.Getenv("KAFKA_BROKERS"))
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = getenvDefault("KAFKA_GROUP_ID", "cmms-automation")
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = getenvDefault("KAFKA_READINGS_TOPIC", "meter-readings")
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = os.Getenv("MQTT_BROKER")
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", "cmms-automation")
	}
	if cfg.MQTT.Username == "" {
		cfg.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if cfg.MQTT.Password == "" {
		cfg.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = getenvDefault("MQTT_READINGS_TOPIC", "meters/+/readings")
	}
	if cfg.MQTT.QoS == 0 {
		cfg.MQTT.QoS = getenvIntDefault("MQTT_QOS", 1)
	}
	if cfg.Influx.URL == "" {
		cfg.Influx.URL = os.Getenv("INFLUX_URL")
	}
	if cfg.Influx.Token == "" {
		cfg.Influx.Token = os.Getenv("INFLUX_TOKEN")
	}
	if cfg.Influx.Org == "" {
		cfg.Influx.Org = getenvDefault("INFLUX_ORG", "cmms")
	}
	if cfg.Influx.Bucket == "" {
		cfg.Influx.Bucket = getenvDefault("INFLUX_BUCKET", "meter-readings")
	}

	if cfg.DatabaseURL == "" {
		return cfg, errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return cfg, errors.New("config: AUTH_JWT_SECRET is required")
	}
	if cfg.WorkOrders.BaseURL == "" {
		return cfg, errors.New("config: WORKORDER_BASE_URL is required")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
