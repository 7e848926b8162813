package natstransport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Config holds the NATS layout of the room change feed.
type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string // change subjects are <prefix>.<room>.<entity>
	BroadcastPrefix string
	PresenceBucket  string
	// PresenceTTL expires a participant key that stopped heartbeating. The
	// expiry leaves a marker that watchers see as a leave.
	PresenceTTL time.Duration
	// PresenceHeartbeat re-puts tracked keys. Must stay well under PresenceTTL.
	PresenceHeartbeat time.Duration
	MaxReconnects     int
	ReconnectWait     time.Duration
	MaxAge            time.Duration
	Replicas          int
	DuplicateWindow   time.Duration
}

// DefaultConfig returns the production layout.
func DefaultConfig() Config {
	return Config{
		URL:               nats.DefaultURL,
		StreamName:        "DRAFT_CHANGES",
		SubjectPrefix:     "draft.changes",
		BroadcastPrefix:   "draft.broadcast",
		PresenceBucket:    "DRAFT_PRESENCE",
		PresenceTTL:       30 * time.Second,
		PresenceHeartbeat: 10 * time.Second,
		MaxReconnects:     -1, // Infinite
		ReconnectWait:     2 * time.Second,
		MaxAge:            24 * time.Hour,
		Replicas:          1,
		DuplicateWindow:   2 * time.Minute,
	}
}

func (c Config) changeSubject(roomID uuid.UUID, entity events.EntityKind) string {
	return fmt.Sprintf("%s.%s.%s", c.SubjectPrefix, roomID, entity)
}

func (c Config) broadcastSubject(roomID uuid.UUID) string {
	return fmt.Sprintf("%s.%s", c.BroadcastPrefix, roomID)
}

func presenceKey(roomID uuid.UUID, participantID string) string {
	return fmt.Sprintf("%s.%s", roomID, participantID)
}

// Connect dials NATS with the logging handlers every component shares.
func Connect(cfg Config, extra ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	opts = append(opts, extra...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// ensureStream creates the change stream or updates it when the config drifted.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.Stream, error) {
	sc := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Draft room change feed",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		stream, err = js.CreateStream(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("created JetStream stream")
		return stream, nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if stream, err = js.UpdateStream(ctx, sc); err != nil {
			return nil, fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("updated JetStream stream")
	}
	return stream, nil
}

// ensurePresence creates or reconciles the presence bucket. Per-key markers
// are only written when the bucket has a TTL.
func ensurePresence(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.KeyValue, error) {
	kvc := jetstream.KeyValueConfig{
		Bucket:      cfg.PresenceBucket,
		Description: "Draft room presence",
		History:     1,
		TTL:         cfg.PresenceTTL,
		Storage:     jetstream.MemoryStorage,
		Replicas:    cfg.Replicas,
	}
	if cfg.PresenceTTL > 0 {
		kvc.LimitMarkerTTL = cfg.PresenceTTL
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, kvc)
	if err != nil {
		return nil, fmt.Errorf("ensure presence bucket: %w", err)
	}
	log.Info().
		Str("bucket", cfg.PresenceBucket).
		Dur("ttl", cfg.PresenceTTL).
		Msg("presence bucket ready")
	return kv, nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		len(a.Subjects) == len(b.Subjects) &&
		(len(a.Subjects) == 0 || a.Subjects[0] == b.Subjects[0])
}
