package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lixpi/llm-api/internal/config"
	"github.com/lixpi/llm-api/internal/health"
	"github.com/lixpi/llm-api/internal/imagestore"
	"github.com/lixpi/llm-api/internal/providers"
	"github.com/lixpi/llm-api/internal/subjects"
	"github.com/lixpi/llm-api/internal/transport"
	"github.com/lixpi/llm-api/internal/usage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Starting service",
		zap.String("service", cfg.ServiceName),
		zap.Int("llmTimeoutSeconds", cfg.LLMTimeoutSeconds))

	// Transport first: the registry publishes through it and reads from its
	// object store. Subscriptions are declared below, before Connect.
	tcfg := transport.DefaultConfig()
	tcfg.Servers = cfg.Servers()
	tcfg.Name = cfg.ServiceName
	tcfg.NKeySeed = cfg.NatsNKeySeed
	tcfg.UserID = cfg.NatsUserID
	tcfg.TLSCA = cfg.NatsTLSCA
	bus := transport.New(tcfg, logger)

	reporter := usage.NewReporter(nil, logger)
	uploader := imagestore.NewClient(cfg.ImageAPIBaseURL, logger)

	registry := providers.NewRegistry(
		providers.Config{
			OpenAIAPIKey:    cfg.OpenAIAPIKey,
			AnthropicAPIKey: cfg.AnthropicAPIKey,
			RequestTimeout:  time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		},
		bus, bus, reporter, uploader, logger,
	)

	bus.SetSubscriptions([]transport.SubscriptionSpec{
		{
			Subject:    subjects.ChatProcess,
			Kind:       transport.KindSubscribe,
			Encoding:   transport.EncodingJSON,
			QueueGroup: subjects.ChatProcessQueue,
			Handler:    registry.HandleChatProcess,
		},
		{
			Subject:  subjects.ChatStopWildcard(),
			Kind:     transport.KindSubscribe,
			Encoding: transport.EncodingJSON,
			Handler:  registry.HandleChatStop,
		},
	})

	// Admin HTTP server: health probes and Prometheus metrics.
	hm := health.NewManager(
		health.NewConnChecker("nats", true, bus.IsConnected),
	)
	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		server := &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.HealthPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.HealthPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// Connect never hard-fails: a down broker schedules reconnects.
	if err := bus.Connect(); err != nil {
		logger.Error("Initial broker connect failed", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	registry.Shutdown()
	if err := bus.Drain(); err != nil {
		logger.Error("Failed to drain broker connection", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	return zcfg.Build()
}
