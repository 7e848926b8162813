package natstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Publisher writes change envelopes and room broadcasts. It is the producing
// side of Transport, used by the relay.
type Publisher struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config
}

// NewPublisher ensures the change stream exists.
func NewPublisher(ctx context.Context, nc *nats.Conn, cfg Config) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := ensureStream(ctx, js, cfg); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return &Publisher{nc: nc, js: js, cfg: cfg}, nil
}

// Publish sends one change. id doubles as the JetStream message ID, so a
// replayed change inside the duplicate window is stored once.
func (p *Publisher) Publish(ctx context.Context, id uuid.UUID, ev events.ChangeEvent) error {
	data, err := events.Encode(id, ev)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	subject := p.cfg.changeSubject(ev.RoomID, ev.Entity)

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Change-ID": []string{id.String()},
			"Room-ID":   []string{ev.RoomID.String()},
			"Entity":    []string{string(ev.Entity)},
		},
	},
		jetstream.WithMsgID(id.String()),
		jetstream.WithExpectStream(p.cfg.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("change_id", id.String()).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published change")
	return nil
}

// Broadcast sends an out-of-band signal to everyone in the room.
func (p *Publisher) Broadcast(roomID uuid.UUID, event string, payload any) error {
	b := events.Broadcast{Event: event, SentAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal broadcast payload: %w", err)
		}
		b.Payload = raw
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := p.nc.Publish(p.cfg.broadcastSubject(roomID), data); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}
