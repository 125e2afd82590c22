package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/next-trace/scg-message-bus/adapters/inmemory"
	"github.com/next-trace/scg-message-bus/adapters/kafka"
	"github.com/next-trace/scg-message-bus/adapters/nats"
	"github.com/next-trace/scg-message-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-message-bus/bridge"
	"github.com/next-trace/scg-message-bus/examples/pong"
	"github.com/next-trace/scg-message-bus/internal/config"
	"github.com/next-trace/scg-message-bus/internal/logging"
	"github.com/next-trace/scg-message-bus/metrics"
	"github.com/next-trace/scg-message-bus/rest"
	"github.com/next-trace/scg-message-bus/servicebus"
	"github.com/next-trace/scg-message-bus/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "busd:", err)
		os.Exit(1)
	}
}

func run() error {
	path := config.Path()

	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}

	logger := logging.New(logging.Cfg{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	slog.SetDefault(logger)

	b := servicebus.New(
		servicebus.WithLogger(logger),
		servicebus.WithRequestTimeout(cfg.Bus.RequestTimeout),
		servicebus.WithMonitorDump(cfg.Bus.MonitorDump),
	)
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("bus close", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Registered brokers are closed by b.Close.
	if cleanups, err := registerBrokers(b, cfg, logger); err != nil {
		for _, c := range cleanups {
			c()
		}

		return err
	}

	for _, g := range cfg.Galactic {
		if err := b.MarkChannelAsGalactic(ctx, g.Channel, g.Broker); err != nil {
			return fmt.Errorf("galactic %s: %w", g.Channel, err)
		}

		logger.Info("galactic channel", "channel", g.Channel, "broker", g.Broker)
	}

	if cfg.Samples.Pong {
		svc := pong.NewService(b, pong.WithLogger(logger))
		if err := svc.Start(); err != nil {
			return err
		}
		defer func() { _ = svc.Stop() }()

		go func() {
			if err := pong.NewTicker(b, cfg.Samples.TickInterval, logger).Run(ctx); err != nil {
				logger.Warn("ticker stopped", "err", err)
			}
		}()
	}

	if rc := cfg.Services.Rest; rc.Enabled {
		svc, err := startRest(ctx, b, rc, logger)
		if err != nil {
			return err
		}
		defer func() { _ = svc.Stop() }()
	}

	opts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithJWTSecret(cfg.Bridge.JWTSecret),
		bridge.WithAllowedOrigins(cfg.Bridge.AllowedOrigins...),
		bridge.WithChannelPrefixes(cfg.Bridge.ChannelPrefixes...),
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		col := metrics.New(reg)
		defer col.Attach(b)()

		opts = append(opts, bridge.WithMetrics(col, reg, cfg.Metrics.Path))
	}

	srv := &http.Server{
		Addr:              cfg.Bridge.Addr,
		Handler:           bridge.New(b, opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http: %w", err)
	}

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}

	logger.Info("bye")

	return nil
}

// startRest runs the REST operation service with its host config store seeded from rc.
func startRest(ctx context.Context, b *servicebus.Bus, rc config.Rest, logger *slog.Logger) (*rest.Service, error) {
	hosts, err := store.NewManager(b, store.WithLogger(logger)).CreateStore(rest.HostConfigStore)
	if err != nil {
		return nil, err
	}

	seed := map[string]any{}
	if rc.BaseHost != "" {
		seed[rest.BaseHostKey] = rc.BaseHost
	}
	if rc.BasePort != "" {
		seed[rest.BasePortKey] = rc.BasePort
	}

	if _, err := hosts.Populate(ctx, seed); err != nil {
		return nil, fmt.Errorf("rest host config: %w", err)
	}

	svc := rest.NewService(b,
		rest.WithLogger(logger),
		rest.WithHostConfig(hosts),
		rest.WithHTTPClient(&http.Client{Timeout: rc.Timeout}),
	)

	return svc, svc.Start()
}

// registerBrokers connects every configured broker. On error the returned cleanups
// release the connections opened so far.
func registerBrokers(b *servicebus.Bus, cfg *config.Config, logger *slog.Logger) ([]func(), error) {
	var cleanups []func()

	if cfg.Brokers.InMemory {
		if err := b.RegisterBroker(inmemory.New("")); err != nil {
			return cleanups, err
		}
	}

	if n := cfg.Brokers.NATS; n != nil {
		br, cleanup, err := nats.NewWithNATS(nats.Config{
			URL:           n.URL,
			Name:          "busd",
			Token:         n.Token,
			User:          n.User,
			Password:      n.Password,
			ConnTimeout:   n.ConnTimeout,
			ReconnectWait: n.ReconnectWait,
			MaxReconnects: n.MaxReconnects,
		}, nats.WithName(n.Name), nats.WithSubjectPrefix(n.SubjectPrefix), nats.WithQueueGroup(n.QueueGroup), nats.WithLogger(logger))
		if err != nil {
			return cleanups, fmt.Errorf("nats: %w", err)
		}

		cleanups = append(cleanups, cleanup)
		if err := b.RegisterBroker(br); err != nil {
			return cleanups, err
		}
	}

	if r := cfg.Brokers.RabbitMQ; r != nil {
		br, cleanup, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{
			URL:         r.URL,
			ConnTimeout: r.ConnTimeout,
			Exchange:    r.Exchange,
		}, rabbitmq.WithName(r.Name), rabbitmq.WithLogger(logger))
		if err != nil {
			return cleanups, fmt.Errorf("rabbitmq: %w", err)
		}

		cleanups = append(cleanups, cleanup)
		if err := b.RegisterBroker(br); err != nil {
			return cleanups, err
		}
	}

	if k := cfg.Brokers.Kafka; k != nil {
		br, cleanup, err := kafka.NewWithKgo(kafka.Config{
			Brokers:          k.Brokers,
			ClientID:         k.ClientID,
			Acks:             k.Acks,
			AutoCreateTopics: k.AutoCreateTopics,
		}, kafka.WithName(k.Name), kafka.WithTopicPrefix(k.TopicPrefix), kafka.WithLogger(logger))
		if err != nil {
			return cleanups, fmt.Errorf("kafka: %w", err)
		}

		cleanups = append(cleanups, cleanup)
		if err := b.RegisterBroker(br); err != nil {
			return cleanups, err
		}
	}

	return cleanups, nil
}
