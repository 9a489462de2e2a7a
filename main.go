package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cmms-automation/internal/assets"
	"cmms-automation/internal/auth"
	"cmms-automation/internal/automation/application"
	automationpostgres "cmms-automation/internal/automation/infrastructure/postgres"
	automationhttp "cmms-automation/internal/automation/interfaces/http"
	"cmms-automation/internal/automation/notify"
	"cmms-automation/internal/config"
	"cmms-automation/internal/observability/metrics"
	telemetry "cmms-automation/internal/telemetry/domain"
	"cmms-automation/internal/telemetry/history"
	"cmms-automation/internal/telemetry/infrastructure/influx"
	telemetryhttp "cmms-automation/internal/telemetry/interfaces/http"
	telemetrykafka "cmms-automation/internal/telemetry/interfaces/kafka"
	telemetrymqtt "cmms-automation/internal/telemetry/interfaces/mqtt"
	"cmms-automation/internal/workorders"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	automationRepo := automationpostgres.NewAutomationRepository(db)
	stateRepo := automationpostgres.NewTriggerStateRepository(db)
	failedRepo := automationpostgres.NewFailedFiringRepository(db)

	workOrderClient, err := workorders.NewClient(cfg.WorkOrders.BaseURL, cfg.WorkOrders.Token)
	if err != nil {
		logger.Fatalf("work order client error: %v", err)
	}
	assetClient, err := assets.NewClient(cfg.Assets.BaseURL, cfg.Assets.Token)
	if err != nil {
		logger.Fatalf("asset client error: %v", err)
	}

	broker := automationhttp.NewSSEBroker()
	notifiers := notify.MultiNotifier{broker}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.WebhookURL,
			notify.WithLogger(logger),
			notify.WithEventFilter(application.FiringEventFired, application.FiringEventSuppressed, application.FiringEventFailed))
		if err != nil {
			logger.Fatalf("webhook notifier error: %v", err)
		}
		notifiers = append(notifiers, webhook)
	}

	dispatcher, err := application.NewDispatcher(workOrderClient, assetClient,
		application.WithDispatchWorkers(cfg.Dispatch.Workers),
		application.WithDispatchTimeout(cfg.Dispatch.Timeout),
		application.WithDispatchRetry(cfg.Dispatch.MaxAttempts, 500*time.Millisecond),
		application.WithFailureStore(failedRepo),
		application.WithFiringNotifier(notifiers),
		application.WithDispatcherLogger(logger),
	)
	if err != nil {
		logger.Fatalf("dispatcher error: %v", err)
	}
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	historyStore := history.NewStore()
	engine, err := application.NewEngine(historyStore, dispatcher,
		application.WithQueueSize(cfg.Engine.QueueSize),
		application.WithSweepInterval(cfg.Engine.SweepInterval),
		application.WithAutomationSource(automationRepo),
		application.WithStateStore(stateRepo),
		application.WithEngineLogger(logger),
	)
	if err != nil {
		logger.Fatalf("engine error: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Fatalf("engine start error: %v", err)
	}
	defer engine.Close()

	var ingestor ingestSink = engineIngestor{engine: engine}
	if cfg.Influx.URL != "" {
		archiver, err := influx.NewArchiver(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket, logger)
		if err != nil {
			logger.Fatalf("influx archiver error: %v", err)
		}
		defer archiver.Close()
		ingestor = archivingIngestor{engine: engine, archiver: archiver}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := telemetrykafka.NewConsumer(telemetrykafka.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.Topic,
		}, ingestor, logger)
		if err != nil {
			logger.Fatalf("kafka consumer error: %v", err)
		}
		consumer.Start(ctx)
		defer consumer.Close()
	}
	if cfg.MQTT.Broker != "" {
		consumer, err := telemetrymqtt.NewConsumer(telemetrymqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
		}, ingestor, logger)
		if err != nil {
			logger.Fatalf("mqtt consumer error: %v", err)
		}
		if err := consumer.Subscribe(); err != nil {
			logger.Fatalf("mqtt subscribe error: %v", err)
		}
		defer consumer.Close()
	}

	ingestHandler, err := telemetryhttp.NewIngestHandler(ingestor, logger)
	if err != nil {
		logger.Fatalf("ingest handler error: %v", err)
	}
	automationHandler, err := automationhttp.NewHandler(engine, automationRepo, logger)
	if err != nil {
		logger.Fatalf("automation handler error: %v", err)
	}
	exportHandler, err := automationhttp.NewExportHandler(failedRepo, logger)
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/ingest/readings", ingestAuth.Wrap(ingestHandler))
	mux.Handle("/api/v1/automations", automationHandler)
	mux.Handle("/api/v1/automations/", automationHandler)
	mux.Handle("/api/v1/firings/stream", automationhttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/exports/failed-firings.xlsx", exportHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Ingest-Timestamp", "X-Ingest-Signature"},
	})
	handler := loggingMiddleware(corsMiddleware.Handler(authMiddleware.Wrap(mux)), logger)

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
}

// ingestSink is what the transports feed readings into.
type ingestSink interface {
	Ingest(reading telemetry.MeterReading) error
}

type engineIngestor struct {
	engine *application.Engine
}

func (i engineIngestor) Ingest(reading telemetry.MeterReading) error {
	return i.engine.Ingest(reading)
}

// archivingIngestor tees every accepted reading into the raw archive.
type archivingIngestor struct {
	engine   *application.Engine
	archiver *influx.Archiver
}

func (i archivingIngestor) Ingest(reading telemetry.MeterReading) error {
	if err := i.engine.Ingest(reading); err != nil {
		return err
	}
	i.archiver.Archive(reading)
	return nil
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working behind the logging wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
