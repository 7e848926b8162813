package natstransport

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"
)

// StartEmbedded runs an in-process NATS server with JetStream, for local
// development and tests. An empty storeDir keeps JetStream in a temp dir.
func StartEmbedded(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	ns.SetLogger(natsLogger{}, false, false)

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready")
	}

	log.Info().Str("url", ns.ClientURL()).Msg("embedded NATS server started")
	return ns, nil
}

// natsLogger routes server logs into zerolog.
type natsLogger struct{}

func (natsLogger) Noticef(format string, v ...any) { log.Info().Msgf("[NATS] "+format, v...) }
func (natsLogger) Warnf(format string, v ...any)   { log.Warn().Msgf("[NATS] "+format, v...) }
func (natsLogger) Fatalf(format string, v ...any)  { log.Error().Msgf("[NATS] "+format, v...) }
func (natsLogger) Errorf(format string, v ...any)  { log.Error().Msgf("[NATS] "+format, v...) }
func (natsLogger) Debugf(format string, v ...any)  { log.Debug().Msgf("[NATS] "+format, v...) }
func (natsLogger) Tracef(format string, v ...any)  { log.Trace().Msgf("[NATS] "+format, v...) }
