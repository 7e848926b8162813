// Command room runs one headless participant in a draft room: it follows the
// change feed, keeps the turn clock and auto-picks when the clock runs out.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/draftsync/go/internal/config"
	"github.com/mcdev12/draftsync/go/internal/draft/connectivity"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/offlinelog"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime/natstransport"
	"github.com/mcdev12/draftsync/go/internal/draft/room"
	"github.com/mcdev12/draftsync/go/internal/draft/roomapi"
	"github.com/mcdev12/draftsync/go/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("DRAFTSYNC_CONFIG"), "optional YAML config file")
	roomFlag := flag.String("room", "", "room id")
	userFlag := flag.String("user", "", "user id")
	teamFlag := flag.String("team", "", "team id; empty joins as a spectator")
	username := flag.String("username", "", "display name")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	roomID, err := uuid.Parse(*roomFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -room")
	}
	userID, err := uuid.Parse(*userFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -user")
	}
	teamID := uuid.Nil
	if *teamFlag != "" {
		if teamID, err = uuid.Parse(*teamFlag); err != nil {
			log.Fatal().Err(err).Msg("invalid -team")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	offline, err := offlinelog.Open(cfg.Offline.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open offline log")
	}
	defer offline.Close()

	natsCfg := cfg.NATS.Transport()
	nc, err := natstransport.Connect(natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to NATS")
	}
	defer nc.Close()

	transport, err := natstransport.New(ctx, nc, natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create NATS transport")
	}

	api := roomapi.NewClient(&http.Client{Timeout: 15 * time.Second}, cfg.Gateway.URL)

	var session *room.Session
	session, err = room.NewSession(
		cfg.Session(roomID, userID, teamID, *username),
		room.Deps{
			Transport:  transport,
			Fetcher:    api,
			Mutations:  api,
			OfflineLog: offline,
			Prober:     natstransport.NewProbe(nc),
		},
		room.Hooks{
			Callbacks: realtime.Callbacks{
				OnDraftEvent: func(ev events.ChangeEvent) {
					e := log.Info().Str("entity", string(ev.Entity)).Str("change", string(ev.Change))
					if session.Verbosity() == connectivity.VerbosityFull {
						e = e.Interface("record", ev.Record())
					}
					e.Msg("room change")
				},
				OnSnapshot: func(snap events.Snapshot) {
					log.Info().
						Str("status", string(snap.Room.Status)).
						Int("turn", snap.Room.TurnNumber()).
						Int("picks", len(snap.Picks)).
						Msg("room loaded")
				},
				OnConnectionChange: func(st realtime.ConnectionState) {
					log.Info().Str("status", string(st.Status)).Int("retry_count", st.RetryCount).Msg("connection")
				},
				OnPresenceChange: func(online []string) {
					if session.Verbosity() == connectivity.VerbosityFull {
						log.Info().Strs("online", online).Msg("presence")
					}
				},
				OnError: func(err error) {
					log.Warn().Err(err).Msg("room error")
				},
			},
			OnRoomDeleted: func() {
				log.Warn().Msg("room deleted, exiting")
				stop()
			},
			OnTurnWarning: func(turn, remaining int) {
				log.Warn().Int("turn", turn).Int("remaining_sec", remaining).Msg("on the clock")
			},
			OnFallbackError: func(turn int, err error) {
				log.Error().Err(err).Int("turn", turn).Msg("auto-pick failed")
			},
			OnConnectivity: func(f connectivity.Flags) {
				log.Info().
					Bool("online", f.IsOnline).
					Bool("degraded", f.IsDegraded).
					Str("verbosity", string(session.Verbosity())).
					Msg("connectivity")
			},
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("create room session")
	}

	if err := session.Start(ctx); err != nil {
		log.Error().Err(err).Msg("initial subscribe failed, retrying in background")
	}
	if _, err := session.Join(ctx); err != nil {
		log.Error().Err(err).Msg("join room")
	}

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := session.Leave(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("leave room")
	}
	if err := session.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("pending mutations not flushed")
	}
	session.Close()
	log.Info().Msg("room client stopped")
}
