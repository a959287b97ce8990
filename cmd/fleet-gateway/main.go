package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/fleetlink/fleet-gateway/internal/api"
	"github.com/fleetlink/fleet-gateway/internal/auth"
	"github.com/fleetlink/fleet-gateway/internal/config"
	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/dispatch"
	"github.com/fleetlink/fleet-gateway/internal/enrollment"
	"github.com/fleetlink/fleet-gateway/internal/events"
	"github.com/fleetlink/fleet-gateway/internal/gate"
	"github.com/fleetlink/fleet-gateway/internal/ingest"
	"github.com/fleetlink/fleet-gateway/internal/mission"
	"github.com/fleetlink/fleet-gateway/internal/session"
	"github.com/fleetlink/fleet-gateway/internal/storage"
	"github.com/fleetlink/fleet-gateway/internal/topic"
)

func main() {
	// Command line flags
	configFile := pflag.StringP("config", "c", "config/fleet-gateway.yml", "Configuration file path")
	logLevel := pflag.String("log-level", "", "Override the configured log level")
	printConfig := pflag.Bool("print-config", false, "Print the configuration summary and exit")
	pflag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	setupLogging(&cfg.Log)

	if *printConfig {
		cfg.PrintConfigSummary()
		return
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	store, err := openStore(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	series, err := openTimeseries(ctx, &cfg.Timeseries)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open time-series store")
	}
	defer series.Close()

	log.Info().
		Str("store", cfg.Database.Driver).
		Str("timeseries", cfg.Timeseries.Driver).
		Msg("Storage ready")

	// Optional NATS for domain events and the command bridge
	var (
		nc      *nats.Conn
		emitter events.Emitter = events.Nop{}
	)
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(&cfg.NATS)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without events")
		} else {
			defer nc.Close()
			emitter = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
		}
	} else {
		log.Info().Msg("NATS not configured, events disabled")
	}

	// Device bus. The router is built after the session because the
	// dispatcher publishes through it.
	layout := topic.NewLayout(cfg.MQTT.TopicPrefix)
	var router *ingest.Router
	sess := session.NewManager(&cfg.MQTT, layout, func(ctx context.Context, t string, payload []byte) error {
		return router.Handle(ctx, t, payload)
	})

	dispatcher := dispatch.New(sess, layout, cfg.MQTT.QoS)
	tokens := auth.NewJWTManager(&cfg.JWT)
	dir := directory.New(store)
	enroller := enrollment.New(dir, tokens, dispatcher, emitter)
	missions := mission.NewService(store, series, dir, dispatcher, emitter)

	router = ingest.NewRouter(ingest.Config{
		Layout:   layout,
		Gate:     gate.New(dir, tokens),
		Enroller: enroller,
		Dir:      dir,
		Series:   series,
		Missions: missions,
		Events:   emitter,
	})

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start MQTT session")
	}

	// WaitGroup for services
	var wg sync.WaitGroup

	if nc != nil {
		bridge := events.NewBridge(nc, cfg.NATS.SubjectPrefix, dispatcher, missions)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Start(ctx); err != nil {
				log.Error().Err(err).Msg("NATS bridge stopped")
			}
		}()
	}

	// REST API server
	apiServer := api.NewRESTServer(cfg, api.Services{
		Directory: dir,
		Enroller:  enroller,
		Missions:  missions,
		Series:    series,
		Session:   sess,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("REST API server failed")
			cancel()
		}
	}()

	log.Info().
		Str("broker", cfg.MQTT.BrokerURL).
		Str("prefix", layout.Prefix()).
		Msg("Fleet gateway started")

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
		log.Info().Msg("Service failed, shutting down")
	}

	// Cancel context
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	sess.Stop()

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Fleet gateway stopped")
}

func setupLogging(cfg *config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg *config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn().Msg("Using in-memory store, devices and missions are lost on restart")
		return storage.NewMemoryStore(), nil
	case config.DriverPostgres:
		store, err := storage.NewPostgresStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func openTimeseries(ctx context.Context, cfg *config.TimeseriesConfig) (storage.TimeseriesStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryTimeseriesStore(), nil
	case config.DriverPostgres:
		return storage.NewGormTimeseriesStore(storage.NewPostgresConnector(cfg.DSN))
	case config.DriverSQLite:
		return storage.NewGormTimeseriesStore(storage.NewSQLiteConnector(cfg.DSN))
	case config.DriverDynamoDB:
		return storage.NewDynamoTimeseriesStore(ctx, cfg.DynamoDB)
	}
	return nil, fmt.Errorf("unknown timeseries driver %q", cfg.Driver)
}

func connectNATS(cfg *config.NATSConfig) (*nats.Conn, error) {
	log.Info().Str("url", cfg.URL).Msg("Connecting to NATS...")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("fleet-gateway"),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().Err(err).Str("subject", subject).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("Connected to NATS")
	return nc, nil
}
