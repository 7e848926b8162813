// Package gateway fans room change feeds out to browser clients over
// websockets.
package gateway

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/mcdev12/draftsync/go/internal/draft/roomapi"
	"github.com/mcdev12/draftsync/go/internal/draft/store"
	"github.com/rs/zerolog/log"
)

// Service wires the connection manager and the HTTP handlers.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	fetcher           realtime.Fetcher
	config            Config
}

type Config struct {
	ConnectionConfig ConnectionConfig
	AllowedOrigins   []string
	// Realtime builds the subscription config for one connection. Nil uses
	// realtime.DefaultConfig.
	Realtime func(roomID uuid.UUID, participantID string) realtime.Config
	// Mutations, when set, is served as the room Connect service.
	Mutations store.Mutations
}

func DefaultConfig() Config {
	return Config{ConnectionConfig: DefaultConnectionConfig()}
}

// NewService creates the gateway. fetcher may be nil.
func NewService(config Config, transport realtime.Transport, fetcher realtime.Fetcher, opts ...ManagerOption) *Service {
	if config.Realtime != nil {
		opts = append([]ManagerOption{WithRealtimeConfig(config.Realtime)}, opts...)
	}
	cm := NewConnectionManager(config.ConnectionConfig, transport, fetcher, opts...)
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, fetcher),
		fetcher:           fetcher,
		config:            config,
	}
}

// Start blocks until ctx is done, then drops every connection.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting draft gateway service")
	<-ctx.Done()
	log.Info().Msg("draft gateway service shutting down")
	return s.Stop()
}

func (s *Service) Stop() error {
	s.connectionManager.CloseAll()
	log.Info().Msg("draft gateway service stopped")
	return nil
}

// Handler returns the gateway routes behind CORS.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORSMiddleware(s.config.AllowedOrigins, mux)
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	if s.config.Mutations != nil {
		path, handler := roomapi.NewHandler(s.config.Mutations, s.fetcher)
		mux.Handle(path, handler)
		log.Info().Str("path", path).Msg("room service mounted")
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	log.Info().Msg("draft gateway routes registered")
}

func (s *Service) Stats() ConnectionStats {
	return s.connectionManager.Stats()
}
