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

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/draftsync/go/internal/config"
	"github.com/mcdev12/draftsync/go/internal/dbconfig"
	"github.com/mcdev12/draftsync/go/internal/draft/gateway"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime/natstransport"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := dbconfig.NewConfigFromEnv().Open(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

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

	transport, err := natstransport.New(ctx, nc, natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create NATS transport")
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.AllowedOrigins = cfg.Gateway.AllowedOrigins
	gwCfg.Realtime = func(roomID uuid.UUID, participantID string) realtime.Config {
		return cfg.RealtimeFor(roomID, participantID)
	}
	pg := store.New(db)
	gwCfg.Mutations = pg
	svc := gateway.NewService(gwCfg, transport, pg)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           h2c.NewHandler(svc.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	svcDone := make(chan struct{})
	go func() {
		defer close(svcDone)
		if err := svc.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("nats_url", natsCfg.URL).
			Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown; the
	// service closes them
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	<-svcDone

	log.Info().Msg("draft gateway shutdown complete")
}
