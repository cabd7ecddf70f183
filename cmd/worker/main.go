package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"metricwatch/internal/api"
	"metricwatch/internal/bus"
	"metricwatch/internal/config"
	"metricwatch/internal/connector"
	"metricwatch/internal/crypto"
	"metricwatch/internal/detect"
	"metricwatch/internal/jobs"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRepository(store)

	publisher, err := bus.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer publisher.Close()

	subscriber, err := bus.NewSubscriber(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer subscriber.Close()

	encryptor, err := crypto.NewAesGcmEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		logger.Error("invalid encryption key", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner := &scheduler.Runner{
		Configs:     repo,
		Metrics:     repo,
		Anomalies:   repo,
		Runs:        repo,
		Events:      publisher,
		Detector:    detect.NewDetector(logger),
		Logger:      logger,
		Workers:     cfg.Workers,
		TaskTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		FetchLimit:  cfg.FetchLimit,
	}

	deduper := jobs.NewDeduper(repo, logger)
	defer deduper.Stop()

	service := &scheduler.Service{
		Runner:      runner,
		Deduper:     deduper,
		Connections: repo,
		Configs:     repo,
		Logger:      logger,
		DailyAt:     cfg.DailyAt,
	}
	service.Start()
	defer service.Stop()

	subscribeConfigEvents(subscriber, service, logger)

	handler := &api.Handler{
		Service:     service,
		Runs:        repo,
		Jobs:        deduper,
		Metrics:     repo,
		Connections: repo,
		Encryptor:   encryptor,
		Timeout:     10 * time.Second,
		Validate:    connector.Validate,
	}
	go startServer(cfg.Port, handler, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	logger.Info("shutting down")
}

// subscribeConfigEvents triggers an event-driven detection run whenever a
// detection config changes. The dedup guard inside TriggerRun keeps a burst
// of config edits from stacking runs.
func subscribeConfigEvents(sub *bus.Subscriber, service *scheduler.Service, logger *slog.Logger) {
	subscribe := func(subject string) {
		_, _ = sub.Subscribe(subject, func(evt bus.ConfigEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, _, err := service.TriggerRun(ctx, evt.OrgID, evt.ConnectionID, storage.TriggerEvent); err != nil {
				logger.Error("event-triggered run failed",
					slog.String("subject", subject),
					slog.String("orgId", evt.OrgID),
					slog.String("error", err.Error()))
			}
		})
	}
	subscribe("config.created")
	subscribe("config.updated")
	subscribe("config.enabled")
}

func startServer(port string, handler *api.Handler, logger *slog.Logger) {
	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	logger.Info("detection worker listening", slog.String("port", port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
	}
}
