package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/config"
	"github.com/modelrelay/llm-relay/internal/endpoints/anthropic"
	"github.com/modelrelay/llm-relay/internal/endpoints/mock"
	"github.com/modelrelay/llm-relay/internal/endpoints/openai"
	"github.com/modelrelay/llm-relay/internal/limits"
	"github.com/modelrelay/llm-relay/internal/metrics"
	"github.com/modelrelay/llm-relay/internal/routing"
	"github.com/modelrelay/llm-relay/internal/server"
)

// Application wires configuration, engine and HTTP server together.
type Application struct {
	config *config.Config
	engine *routing.Engine
	server *server.Server
	logger *logrus.Logger
}

// NewApplication loads configuration and builds the relay.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	limiter := limits.NewLimiter(&cfg.Budget, &cfg.RateLimit, logger)
	aggregator := metrics.NewAggregator()
	engine := routing.NewEngine(cfg.Router, limiter, aggregator, logger)

	if err := registerEndpoints(engine, cfg, logger); err != nil {
		return nil, fmt.Errorf("register endpoints: %w", err)
	}

	srv, err := server.NewServer(engine, &cfg.Server, logger)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	return &Application{
		config: cfg,
		engine: engine,
		server: srv,
		logger: logger,
	}, nil
}

// Run starts the relay and blocks until shutdown.
func (app *Application) Run() error {
	app.logger.Info("Starting LLM relay")

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.engine.Initialize(initCtx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	app.logger.Info("Shutdown completed")
	return nil
}

func registerEndpoints(engine *routing.Engine, cfg *config.Config, logger *logrus.Logger) error {
	enabled := cfg.EnabledEndpoints()
	if len(enabled) == 0 {
		return fmt.Errorf("no endpoints enabled")
	}

	for _, ec := range enabled {
		desc := ec.Descriptor()

		switch ec.Type {
		case "openai":
			engine.RegisterEndpoint(openai.New(desc, &openai.Config{
				APIKey:  ec.APIKey,
				BaseURL: ec.BaseURL,
				OrgID:   ec.OrgID,
				Model:   ec.Model,
			}, logger))
		case "anthropic":
			engine.RegisterEndpoint(anthropic.New(desc, &anthropic.Config{
				APIKey:  ec.APIKey,
				BaseURL: ec.BaseURL,
				Model:   ec.Model,
			}, logger))
		case "mock":
			engine.RegisterEndpoint(mock.New(desc))
		default:
			return fmt.Errorf("endpoint %s: unknown type %q", ec.ID, ec.Type)
		}

		logger.WithFields(logrus.Fields{
			"endpoint": ec.ID,
			"type":     ec.Type,
		}).Info("Endpoint registered")
	}

	return nil
}

func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger.SetOutput(os.Stdout)
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.logger.WithError(err).Fatal("Relay terminated")
	}
}
