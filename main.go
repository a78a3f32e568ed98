package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"order-notifier/internal/binlog"
	"order-notifier/internal/gateway"
	"order-notifier/internal/kafka"
	"order-notifier/internal/nats"
	"order-notifier/internal/processor"
	"order-notifier/internal/registry"
	"order-notifier/internal/source"
)

func newLogger(cfg LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logger.SetLevel(logrus.InfoLevel)
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using info", cfg.Level)
	}
	return logger
}

// newSource opens the broker source selected by consumer.source
func newSource(ctx context.Context, config *Config, logger *logrus.Logger) (source.Source, error) {
	switch config.Consumer.Source {
	case SourceKafka:
		return kafka.NewReader(kafka.Config{
			Brokers:     config.Kafka.Brokers,
			Topic:       config.Kafka.Topic,
			GroupID:     config.Kafka.GroupID,
			PollTimeout: config.Consumer.PollTimeout,
			StartOffset: config.Kafka.StartOffset,
		}, logger)

	case SourceNATS:
		return nats.NewSubscriber(nats.ConnConfig{
			URL:           config.NATS.URL,
			Name:          "order-notifier",
			MaxReconnect:  config.NATS.MaxReconnect,
			ReconnectWait: config.NATS.ReconnectWait,
		}, config.NATS.Subject, config.NATS.Queue, config.Consumer.PollTimeout, logger)

	case SourceBinlog:
		cfg := binlog.Config{
			Host:          config.MySQL.Host,
			Port:          config.MySQL.Port,
			User:          config.MySQL.User,
			Password:      config.MySQL.Password,
			ServerID:      config.MySQL.ServerID,
			Flavor:        config.MySQL.Flavor,
			PositionFile:  config.Binlog.PositionFile,
			StartPosition: config.Binlog.StartPosition,
			PollTimeout:   config.Consumer.PollTimeout,
			Tables:        config.Binlog.Tables,
		}
		if !config.Binlog.SkipCheck {
			if err := checkMySQL(ctx, cfg, logger); err != nil {
				return nil, err
			}
		}
		return binlog.NewReader(cfg, logger)

	default:
		return nil, fmt.Errorf("unknown consumer source %q", config.Consumer.Source)
	}
}

func checkMySQL(ctx context.Context, cfg binlog.Config, logger *logrus.Logger) error {
	db, err := binlog.OpenDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := binlog.NewChecker(db, logger).Check(ctx); err != nil {
		return fmt.Errorf("MySQL connection or permission check failed: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status string         `json:"status"`
	Rooms  map[string]int `json:"rooms"`
}

// newRouter serves the notification socket, metrics and health endpoints
func newRouter(config *Config, gw http.Handler, reg *registry.Registry) *httprouter.Router {
	router := httprouter.New()
	router.Handler(http.MethodGet, config.Gateway.Path, gw)
	router.Handler(http.MethodGet, config.Server.MetricsPath, promhttp.Handler())
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		resp := healthResponse{Status: "ok", Rooms: make(map[string]int)}
		for _, room := range reg.Rooms() {
			resp.Rooms[room] = reg.Members(room)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	return router
}

func main() {
	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(config.Logging)
	logger.Infof("Starting order notifier (source: %s)...", config.Consumer.Source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	reg := registry.New(logger,
		registry.WithSendTimeout(config.Registry.SendTimeout),
		registry.WithMaxConcurrentSends(config.Registry.MaxConcurrentSends),
	)

	gw, err := gateway.New(reg, gateway.Config{
		Room:           config.Gateway.Room,
		PingInterval:   config.Gateway.PingInterval,
		WriteTimeout:   config.Gateway.WriteTimeout,
		AllowedOrigins: config.Server.AllowedOrigins,
	}, clock, logger)
	if err != nil {
		logger.Fatalf("Failed to create gateway: %v", err)
	}

	var script *processor.Script
	if config.Consumer.Script != "" {
		script, err = processor.LoadScript(config.Consumer.Script, logger)
		if err != nil {
			logger.Fatalf("Failed to load notification script: %v", err)
		}
	}

	src, err := newSource(ctx, config, logger)
	if err != nil {
		logger.Fatalf("Failed to create %s source: %v", config.Consumer.Source, err)
	}

	proc, err := processor.NewProcessor(src, reg, script, processor.Config{
		Database:   config.Consumer.Database,
		Table:      config.Consumer.Table,
		Room:       config.Consumer.Room,
		RetryDelay: config.Consumer.RetryDelay,
	}, clock, logger)
	if err != nil {
		src.Close()
		logger.Fatalf("Failed to create processor: %v", err)
	}

	server := &http.Server{
		Addr:    config.Server.Addr,
		Handler: newRouter(config, gw, reg),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s (notifications at %s)", config.Server.Addr, config.Gateway.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start processing in goroutine
	procErr := make(chan error, 1)
	go func() {
		procErr <- proc.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for signal or error
	var fatal error
	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
	case err := <-serverErr:
		fatal = fmt.Errorf("HTTP server failed: %w", err)
	case err := <-procErr:
		// Start only returns early on a fatal broker error
		fatal = err
		procErr <- nil
	}

	cancel()
	if err := <-procErr; err != nil && fatal == nil {
		fatal = err
	}
	if err := src.Close(); err != nil {
		logger.Errorf("Error closing source: %v", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer done()
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Errorf("Error closing notification sessions: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error shutting down HTTP server: %v", err)
	}

	if fatal != nil {
		logger.Fatalf("Order notifier stopped: %v", fatal)
	}
	logger.Info("Order notifier stopped")
}
