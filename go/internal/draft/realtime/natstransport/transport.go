package natstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// ErrDisconnected is reported to the sink when the NATS connection drops.
var ErrDisconnected = errors.New("nats connection lost")

// Transport implements realtime.Transport on NATS: changes arrive on a
// JetStream ordered consumer, presence lives in a KV bucket and broadcasts use
// core subjects.
type Transport struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	cfg      Config
	presence jetstream.KeyValue
	clock    clockwork.Clock
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock drives presence heartbeats and sweeps from c.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// New prepares the stream and presence bucket on an established connection.
func New(ctx context.Context, nc *nats.Conn, cfg Config, opts ...Option) (*Transport, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := ensureStream(ctx, js, cfg); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	kv, err := ensurePresence(ctx, js, cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{nc: nc, js: js, cfg: cfg, presence: kv, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Subscribe opens one multiplexed feed covering every requested entity of the
// room, plus its presence and broadcast channels.
func (t *Transport) Subscribe(ctx context.Context, spec realtime.RoomSpec, sink realtime.Sink) (realtime.Subscription, error) {
	if !t.nc.IsConnected() {
		return nil, ErrDisconnected
	}

	sub := &subscription{
		t:      t,
		spec:   spec,
		sink:   sink,
		status: t.nc.StatusChanged(nats.DISCONNECTED, nats.CLOSED),
		done:   make(chan struct{}),
	}

	filters := make([]string, 0, len(spec.Entities))
	for _, e := range spec.Entities {
		filters = append(filters, t.cfg.changeSubject(spec.RoomID, e))
	}
	cons, err := t.js.OrderedConsumer(ctx, t.cfg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: filters,
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		sub.close()
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}
	sub.consume, err = cons.Consume(sub.onChange, jetstream.ConsumeErrHandler(sub.onConsumeErr))
	if err != nil {
		sub.close()
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	sub.watcher, err = t.presence.Watch(ctx, spec.RoomID.String()+".*")
	if err != nil {
		sub.close()
		return nil, fmt.Errorf("watch presence: %w", err)
	}

	sub.core, err = t.nc.Subscribe(t.cfg.broadcastSubject(spec.RoomID), sub.onBroadcast)
	if err != nil {
		sub.close()
		return nil, fmt.Errorf("subscribe broadcast: %w", err)
	}

	go sub.watchPresence()
	go sub.watchStatus()

	log.Debug().
		Str("room_id", spec.RoomID.String()).
		Strs("subjects", filters).
		Msg("room feed subscribed")
	return sub, nil
}

type subscription struct {
	t    *Transport
	spec realtime.RoomSpec
	sink realtime.Sink

	consume jetstream.ConsumeContext
	watcher jetstream.KeyWatcher
	core    *nats.Subscription
	status  chan nats.Status

	mu        sync.Mutex
	tracked   string
	heartbeat chan struct{} // closed to stop the running heartbeat

	once sync.Once
	done chan struct{}
}

func (s *subscription) onChange(msg jetstream.Msg) {
	observed := time.Now()
	if md, err := msg.Metadata(); err == nil {
		observed = md.Timestamp
	}
	ev, err := events.Decode(msg.Data(), observed)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed change")
		return
	}
	s.sink.Change(ev)
}

func (s *subscription) onConsumeErr(_ jetstream.ConsumeContext, err error) {
	if errors.Is(err, jetstream.ErrNoHeartbeat) || errors.Is(err, nats.ErrConnectionClosed) {
		s.fail(fmt.Errorf("change feed: %w", err))
		return
	}
	log.Debug().Err(err).Str("room_id", s.spec.RoomID.String()).Msg("change feed consume error")
}

func (s *subscription) onBroadcast(msg *nats.Msg) {
	var b events.Broadcast
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed broadcast")
		return
	}
	s.sink.Broadcast(b)
}

// watchPresence turns KV watch updates into the sync/join/leave protocol. The
// initial values end with a nil entry, which becomes one sync message.
// Heartbeat re-puts of a present key are not repeated as joins.
func (s *subscription) watchPresence() {
	prefix := s.spec.RoomID.String() + "."
	present := make(map[string]struct{})
	synced := false

	var sweep <-chan time.Time
	if s.t.cfg.PresenceTTL > 0 {
		ticker := s.t.clock.NewTicker(s.t.cfg.PresenceTTL)
		defer ticker.Stop()
		sweep = ticker.Chan()
	}

	for {
		select {
		case <-s.done:
			return
		case <-sweep:
			if synced {
				s.sweepPresence(present)
			}
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				ids := make([]string, 0, len(present))
				for id := range present {
					ids = append(ids, id)
				}
				synced = true
				s.sink.Presence(events.Presence{Kind: events.PresenceSync, ParticipantIDs: ids})
				continue
			}

			id := strings.TrimPrefix(entry.Key(), prefix)
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				if _, ok := present[id]; ok {
					continue
				}
				present[id] = struct{}{}
				if synced {
					s.sink.Presence(events.Presence{Kind: events.PresenceJoin, ParticipantIDs: []string{id}})
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				if _, ok := present[id]; !ok {
					continue
				}
				delete(present, id)
				if synced {
					s.sink.Presence(events.Presence{Kind: events.PresenceLeave, ParticipantIDs: []string{id}})
				}
			}
		}
	}
}

// sweepPresence reports a leave for every present participant whose key has
// aged out of the bucket without a marker reaching the watcher.
func (s *subscription) sweepPresence(present map[string]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := s.spec.RoomID.String() + "."
	lister, err := s.t.presence.ListKeysFiltered(ctx, prefix+"*")
	if err != nil {
		log.Debug().Err(err).Str("room_id", s.spec.RoomID.String()).Msg("presence sweep failed")
		return
	}
	live := make(map[string]struct{}, len(present))
	for key := range lister.Keys() {
		live[strings.TrimPrefix(key, prefix)] = struct{}{}
	}
	if err := lister.Stop(); err != nil {
		log.Debug().Err(err).Msg("stop presence lister")
	}

	for id := range present {
		if _, ok := live[id]; ok {
			continue
		}
		delete(present, id)
		log.Debug().Str("room_id", s.spec.RoomID.String()).Str("participant_id", id).Msg("presence expired")
		s.sink.Presence(events.Presence{Kind: events.PresenceLeave, ParticipantIDs: []string{id}})
	}
}

func (s *subscription) watchStatus() {
	select {
	case <-s.done:
	case st, ok := <-s.status:
		if ok {
			s.fail(fmt.Errorf("%w: %s", ErrDisconnected, st))
		}
	}
}

func (s *subscription) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.sink.Fail(err)
}

// Track announces participantID as online in this room and keeps the key
// alive until Untrack or Unsubscribe.
func (s *subscription) Track(ctx context.Context, participantID string) error {
	if err := s.putPresence(ctx, participantID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopHeartbeatLocked()
	s.tracked = participantID
	if s.t.cfg.PresenceHeartbeat > 0 {
		stop := make(chan struct{})
		s.heartbeat = stop
		go s.runHeartbeat(participantID, stop)
	}
	return nil
}

func (s *subscription) putPresence(ctx context.Context, participantID string) error {
	payload, err := json.Marshal(struct {
		JoinedAt time.Time `json:"joined_at"`
	}{JoinedAt: s.t.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if _, err := s.t.presence.Put(ctx, presenceKey(s.spec.RoomID, participantID), payload); err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	return nil
}

func (s *subscription) runHeartbeat(participantID string, stop <-chan struct{}) {
	ticker := s.t.clock.NewTicker(s.t.cfg.PresenceHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.Chan():
			s.beat(participantID, stop)
		}
	}
}

// beat holds mu across the put so Untrack cannot delete the key in between.
func (s *subscription) beat(participantID string, stop <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-stop:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.t.cfg.PresenceHeartbeat)
	defer cancel()
	if err := s.putPresence(ctx, participantID); err != nil {
		log.Warn().Err(err).
			Str("room_id", s.spec.RoomID.String()).
			Str("participant_id", participantID).
			Msg("presence heartbeat failed")
	}
}

func (s *subscription) stopHeartbeatLocked() {
	if s.heartbeat != nil {
		close(s.heartbeat)
		s.heartbeat = nil
	}
}

// Untrack removes the tracked participant, if any.
func (s *subscription) Untrack(ctx context.Context) error {
	s.mu.Lock()
	id := s.tracked
	s.tracked = ""
	s.stopHeartbeatLocked()
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := s.t.presence.Delete(ctx, presenceKey(s.spec.RoomID, id)); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// Unsubscribe tears the feed down. Safe to call more than once.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.teardown() })
	return err
}

func (s *subscription) close() {
	s.once.Do(func() { _ = s.teardown() })
}

func (s *subscription) teardown() error {
	close(s.done)
	s.t.nc.RemoveStatusListener(s.status)
	if s.consume != nil {
		s.consume.Stop()
	}
	var errs []error
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop presence watch: %w", err))
		}
	}
	if s.core != nil {
		if err := s.core.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe broadcast: %w", err))
		}
	}
	return errors.Join(errs...)
}
