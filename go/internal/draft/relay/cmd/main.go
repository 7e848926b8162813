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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/draftsync/go/internal/config"
	"github.com/mcdev12/draftsync/go/internal/dbconfig"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime/natstransport"
	"github.com/mcdev12/draftsync/go/internal/draft/relay"
	"github.com/mcdev12/draftsync/go/internal/draft/store"
	"github.com/mcdev12/draftsync/go/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("DRAFTSYNC_CONFIG"), "optional YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := dbconfig.NewConfigFromEnv()
	db, err := dbCfg.Open(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	if cfg.Relay.Migrate {
		if err := store.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("migrate database")
		}
		log.Info().Msg("database migrated")
	}

	natsCfg := cfg.NATS.Transport()
	if cfg.NATS.Embedded {
		ns, err := natstransport.StartEmbedded(cfg.NATS.StoreDir)
		if err != nil {
			log.Fatal().Err(err).Msg("start embedded NATS")
		}
		defer ns.Shutdown()
		natsCfg.URL = ns.ClientURL()
	}
	nc, err := natstransport.Connect(natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to NATS")
	}
	defer nc.Close()

	publisher, err := natstransport.NewPublisher(ctx, nc, natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create JetStream publisher")
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.DatabaseURL = dbCfg.DSN()
	relayCfg.FallbackInterval = cfg.Relay.FallbackInterval
	relayCfg.BatchSize = int32(cfg.Relay.BatchSize)

	queries := relay.NewQueries(db)
	counters := relay.NewCounters()
	r := relay.New(queries, publisher, relayCfg, relay.WithMetrics(counters))
	health := relay.NewHealth(r, db, queries, nc, counters, 2*relayCfg.FallbackInterval)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health)
	mux.Handle("/metrics", health.MetricsHandler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Relay.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("relay health server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msg("starting change relay")
		errCh <- r.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		if err := <-errCh; err != nil {
			log.Error().Err(err).Msg("relay stopped with error")
		}
	case err := <-errCh:
		log.Error().Err(err).Msg("relay exited unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server shutdown")
	}
	log.Info().Msg("graceful shutdown complete")
}
