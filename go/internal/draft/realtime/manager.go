package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/draftsync/go/internal/draft/backoff"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is returned to callers whose operation was aborted by Cleanup.
	ErrClosed = errors.New("realtime: subscription cleaned up")
	// ErrNotSubscribed is returned by operations that need a live session.
	ErrNotSubscribed = errors.New("realtime: not subscribed")
)

// Config holds the tunables of a room subscription.
type Config struct {
	RoomID           uuid.UUID
	ParticipantID    string
	Entities         []events.EntityKind
	DedupWindow      time.Duration
	SubscribeTimeout time.Duration
	Backoff          backoff.Policy
	BurstThreshold   int // events per BurstWindow that trigger a refresh
	BurstWindow      time.Duration
	InboxSize        int
}

// DefaultConfig returns the production defaults for one room and participant.
func DefaultConfig(roomID uuid.UUID, participantID string) Config {
	return Config{
		RoomID:           roomID,
		ParticipantID:    participantID,
		Entities:         events.AllEntities,
		DedupWindow:      time.Second,
		SubscribeTimeout: 10 * time.Second,
		Backoff: backoff.Policy{
			Base:        time.Second,
			Max:         30 * time.Second,
			MaxAttempts: 5,
		},
		BurstThreshold: 25,
		BurstWindow:    2 * time.Second,
		InboxSize:      256,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the real clock, mostly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithFetcher enables Refresh and burst reconciliation.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) { m.fetcher = f }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the single multiplexed subscription of one room. Transport
// deliveries are posted to a per-session inbox and applied by one loop
// goroutine, so events are processed and dispatched strictly in delivery
// order.
type Manager struct {
	cfg       Config
	transport Transport
	fetcher   Fetcher
	clock     clockwork.Clock
	logger    zerolog.Logger
	callbacks callbackHolder
	presence  *PresenceSet

	mu    sync.Mutex
	state ConnectionState
	sess  *session
	// entered is signalled when an admitted callback has been entered
	entered *sync.Cond

	beforeDispatch func() // test hook, runs between admission and entry
}

// session is one Subscribe..Cleanup lifetime. Its context is the abort
// signal every asynchronous operation observes.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any

	// guarded by Manager.mu
	sub      Subscription
	retry    clockwork.Timer
	entering int // callbacks admitted but not yet entered

	// loop-owned
	conn        uint64
	pendingFail error
	waiters     []chan error
	dedup       *deduper
	burstStart  time.Time
	burstCount  int
	refreshing  bool
}

type (
	connectMsg struct {
		reply chan error
		force bool
	}
	attemptMsg struct {
		conn uint64
		sub  Subscription
		err  error
	}
	changeMsg struct {
		conn uint64
		ev   events.ChangeEvent
	}
	presenceMsg struct {
		conn uint64
		p    events.Presence
	}
	broadcastMsg struct {
		conn uint64
		b    events.Broadcast
	}
	failMsg struct {
		conn uint64
		err  error
	}
	retryMsg     struct{ attempt int }
	snapshotMsg  struct{ snap events.Snapshot }
	refreshedMsg struct{ err error }
	errorMsg     struct{ err error }
)

// NewManager creates a manager for one room. Nothing happens until Subscribe.
func NewManager(cfg Config, transport Transport, callbacks Callbacks, opts ...Option) *Manager {
	if len(cfg.Entities) == 0 {
		cfg.Entities = events.AllEntities
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Second
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		clock:     clockwork.NewRealClock(),
		logger: log.With().
			Str("component", "realtime").
			Str("room_id", cfg.RoomID.String()).
			Logger(),
		presence: NewPresenceSet(),
		state:    ConnectionState{Status: StatusDisconnected},
	}
	m.entered = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	m.callbacks.set(callbacks)
	return m
}

// SetCallbacks swaps the consumer callbacks without touching the subscription.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.callbacks.set(cb)
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsUserOnline reports whether the participant is in the presence set.
func (m *Manager) IsUserOnline(participantID string) bool {
	return m.presence.Contains(participantID)
}

// Presence returns the online participants.
func (m *Manager) Presence() []string {
	return m.presence.List()
}

// Subscribe opens the room subscription. It is idempotent: while a session
// is connecting, connected or reconnecting it returns nil immediately. The
// first attempt's outcome is returned; after a failed first attempt the
// manager keeps reconnecting in the background.
func (m *Manager) Subscribe(ctx context.Context) error {
	m.mu.Lock()
	if m.sess != nil {
		switch m.state.Status {
		case StatusConnecting, StatusConnected, StatusReconnecting:
			m.mu.Unlock()
			return nil
		}
	}
	s := m.ensureSessionLocked()
	m.mu.Unlock()

	return m.connect(ctx, s, false)
}

// Reconnect makes an out-of-schedule connection attempt, resetting the
// retry budget. It is the manual-reconnect affordance after failed.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	s := m.ensureSessionLocked()
	m.mu.Unlock()

	return m.connect(ctx, s, true)
}

// Refresh forces a full reconciliation fetch; the result is delivered through
// OnSnapshot. A result that arrives after Cleanup is dropped.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.fetcher == nil {
		return errors.New("realtime: refresh needs a fetcher")
	}
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return ErrNotSubscribed
	}
	return m.refresh(ctx, s)
}

// Cleanup raises the abort signal, unsubscribes and clears all state. No
// callback starts after Cleanup returns; one already running may still be
// finishing. Cleanup may be called from inside a callback.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.state = ConnectionState{Status: StatusDisconnected}
	var sub Subscription
	if s != nil {
		sub = s.sub
		s.sub = nil
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		for s.entering > 0 {
			m.entered.Wait()
		}
	}
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.cancel()
	m.presence.Clear()

	if sub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SubscribeTimeout)
		defer cancel()
		if err := sub.Untrack(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("untrack presence on cleanup")
		}
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn().Err(err).Msg("unsubscribe on cleanup")
		}
	}
	m.logger.Info().Msg("room subscription cleaned up")
}

func (m *Manager) ensureSessionLocked() *session {
	if m.sess != nil {
		return m.sess
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan any, m.cfg.InboxSize),
		dedup:  newDeduper(m.cfg.DedupWindow),
	}
	m.sess = s
	go m.loop(s)
	return s
}

func (m *Manager) connect(ctx context.Context, s *session, force bool) error {
	reply := make(chan error, 1)
	if !m.post(s, connectMsg{reply: reply, force: force}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// post delivers msg to the session loop unless the session was aborted.
func (m *Manager) post(s *session, msg any) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (m *Manager) loop(s *session) {
	purge := m.clock.NewTicker(m.cfg.DedupWindow)
	defer purge.Stop()
	defer m.drain(s)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-purge.Chan():
			if n := s.dedup.purge(m.clock.Now()); n > 0 {
				m.logger.Debug().Int("purged", n).Int("remaining", s.dedup.len()).Msg("dedup keys purged")
			}
		case msg := <-s.inbox:
			if s.ctx.Err() != nil {
				return
			}
			m.handle(s, msg)
		}
	}
}

// drain releases subscriptions that completed after the abort.
func (m *Manager) drain(s *session) {
	for {
		select {
		case msg := <-s.inbox:
			switch msg := msg.(type) {
			case attemptMsg:
				if msg.sub != nil {
					_ = msg.sub.Unsubscribe()
				}
			case connectMsg:
				msg.reply <- ErrClosed
			}
		default:
			for _, w := range s.waiters {
				w <- ErrClosed
			}
			s.waiters = nil
			return
		}
	}
}

func (m *Manager) handle(s *session, msg any) {
	switch msg := msg.(type) {
	case connectMsg:
		m.handleConnect(s, msg)
	case attemptMsg:
		m.handleAttempt(s, msg)
	case retryMsg:
		m.handleRetry(s, msg)
	case failMsg:
		m.handleFail(s, msg)
	case changeMsg:
		m.handleChange(s, msg)
	case presenceMsg:
		if msg.conn != s.conn {
			return
		}
		if m.presence.Apply(msg.p) {
			online := m.presence.List()
			m.emit(s, func(cb Callbacks) {
				if cb.OnPresenceChange != nil {
					cb.OnPresenceChange(online)
				}
			})
		}
	case broadcastMsg:
		if msg.conn != s.conn {
			return
		}
		m.emit(s, func(cb Callbacks) {
			if cb.OnBroadcast != nil {
				cb.OnBroadcast(msg.b)
			}
		})
	case snapshotMsg:
		m.emit(s, func(cb Callbacks) {
			if cb.OnSnapshot != nil {
				cb.OnSnapshot(msg.snap)
			}
		})
	case refreshedMsg:
		s.refreshing = false
		if msg.err != nil {
			m.emitError(s, msg.err)
		}
	case errorMsg:
		m.emitError(s, msg.err)
	}
}

func (m *Manager) handleConnect(s *session, msg connectMsg) {
	cur := m.State()
	switch cur.Status {
	case StatusConnected:
		msg.reply <- nil
		return
	case StatusConnecting:
		s.waiters = append(s.waiters, msg.reply)
		return
	}

	m.mu.Lock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	m.mu.Unlock()

	next := ConnectionState{Status: StatusConnecting, RetryCount: cur.RetryCount}
	if msg.force {
		next.RetryCount = 0
	}
	st, ok := m.apply(s, next)
	if !ok {
		msg.reply <- fmt.Errorf("realtime: cannot connect from %s", cur)
		return
	}
	s.waiters = append(s.waiters, msg.reply)
	m.emitState(s, st)
	m.startAttempt(s)
}

func (m *Manager) startAttempt(s *session) {
	s.conn++
	s.pendingFail = nil
	conn := s.conn
	sink := &sessionSink{m: m, s: s, conn: conn}
	spec := RoomSpec{RoomID: m.cfg.RoomID, Entities: m.cfg.Entities}

	m.logger.Debug().Uint64("conn", conn).Msg("subscribing to room feed")
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, m.cfg.SubscribeTimeout)
		defer cancel()
		sub, err := m.transport.Subscribe(ctx, spec, sink)
		if err == nil && ctx.Err() != nil && s.ctx.Err() == nil {
			// resolved after the timeout fired
			_ = sub.Unsubscribe()
			sub, err = nil, ctx.Err()
		}
		if !m.post(s, attemptMsg{conn: conn, sub: sub, err: err}) && sub != nil {
			_ = sub.Unsubscribe()
		}
	}()
}

func (m *Manager) handleAttempt(s *session, msg attemptMsg) {
	if msg.conn != s.conn {
		if msg.sub != nil {
			_ = msg.sub.Unsubscribe()
		}
		return
	}
	err := msg.err
	if err == nil && s.pendingFail != nil {
		_ = msg.sub.Unsubscribe()
		err = s.pendingFail
	}
	if err != nil {
		terr := &TransportError{Op: "subscribe", Err: err}
		m.fail(s, terr)
		m.flush(s, terr)
		return
	}

	m.mu.Lock()
	s.sub = msg.sub
	m.mu.Unlock()

	st, ok := m.apply(s, ConnectionState{Status: StatusConnected})
	if !ok {
		_ = msg.sub.Unsubscribe()
		return
	}
	m.logger.Info().Msg("room subscription connected")
	m.emitState(s, st)
	m.flush(s, nil)

	if m.cfg.ParticipantID == "" {
		return
	}
	sub := msg.sub
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, m.cfg.SubscribeTimeout)
		defer cancel()
		if err := sub.Track(ctx, m.cfg.ParticipantID); err != nil {
			m.post(s, errorMsg{err: fmt.Errorf("track presence: %w", err)})
		}
	}()
}

func (m *Manager) handleFail(s *session, msg failMsg) {
	if msg.conn != s.conn {
		return
	}
	switch m.State().Status {
	case StatusConnecting:
		s.pendingFail = msg.err
	case StatusConnected:
		m.fail(s, &TransportError{Op: "channel", Err: msg.err})
	}
}

func (m *Manager) handleRetry(s *session, msg retryMsg) {
	cur := m.State()
	if cur.Status != StatusReconnecting || cur.Attempt != msg.attempt {
		return
	}
	m.mu.Lock()
	s.retry = nil
	m.mu.Unlock()

	st, ok := m.apply(s, ConnectionState{Status: StatusConnecting, RetryCount: cur.RetryCount, LastError: cur.LastError})
	if !ok {
		return
	}
	m.logger.Info().Int("attempt", msg.attempt).Msg("reconnecting room subscription")
	m.emitState(s, st)
	m.startAttempt(s)
}

// fail moves to disconnected and either schedules the next attempt or gives
// up with failed once the backoff policy is exhausted.
func (m *Manager) fail(s *session, err error) {
	cur := m.State()

	m.mu.Lock()
	broken := s.sub
	s.sub = nil
	m.mu.Unlock()
	if broken != nil {
		go func() { _ = broken.Unsubscribe() }()
	}
	// stragglers from the broken connection are ignored from here on
	s.conn++

	st, ok := m.apply(s, ConnectionState{Status: StatusDisconnected, RetryCount: cur.RetryCount, LastError: err})
	if !ok {
		return
	}
	m.logger.Warn().Err(err).Int("retry_count", cur.RetryCount).Msg("room subscription lost")
	m.emitState(s, st)

	next := cur.RetryCount + 1
	if m.cfg.Backoff.Exhausted(next) {
		st, ok = m.apply(s, ConnectionState{Status: StatusFailed, RetryCount: cur.RetryCount, LastError: err})
		if ok {
			m.logger.Error().Err(err).Int("attempts", cur.RetryCount).Msg("room subscription failed, giving up")
			m.emitState(s, st)
		}
		return
	}

	delay := m.cfg.Backoff.Delay(next)
	st, ok = m.apply(s, ConnectionState{Status: StatusReconnecting, Attempt: next, RetryCount: next, LastError: err})
	if !ok {
		return
	}
	m.logger.Info().Int("attempt", next).Dur("delay", delay).Msg("scheduling reconnect")
	m.emitState(s, st)

	timer := m.clock.AfterFunc(delay, func() {
		m.post(s, retryMsg{attempt: next})
	})
	m.mu.Lock()
	if m.sess == s {
		s.retry = timer
	} else {
		timer.Stop()
	}
	m.mu.Unlock()
}

func (m *Manager) handleChange(s *session, msg changeMsg) {
	if msg.conn != s.conn {
		return
	}
	now := m.clock.Now()
	key := msg.ev.DedupKey()
	if !s.dedup.admit(key, now) {
		m.logger.Debug().Str("key", key).Msg("duplicate change skipped")
		return
	}
	m.emit(s, func(cb Callbacks) {
		if cb.OnDraftEvent != nil {
			cb.OnDraftEvent(msg.ev)
		}
	})

	if m.fetcher == nil || m.cfg.BurstThreshold <= 0 {
		return
	}
	if now.Sub(s.burstStart) > m.cfg.BurstWindow {
		s.burstStart = now
		s.burstCount = 0
	}
	s.burstCount++
	if s.burstCount > m.cfg.BurstThreshold && !s.refreshing {
		s.refreshing = true
		s.burstCount = 0
		m.logger.Debug().Msg("event burst, reconciling with a full refresh")
		go func() {
			err := m.refresh(s.ctx, s)
			m.post(s, refreshedMsg{err: err})
		}()
	}
}

func (m *Manager) refresh(ctx context.Context, s *session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	snap, err := m.fetcher.FetchSnapshot(ctx, m.cfg.RoomID)
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	if !m.post(s, snapshotMsg{snap: snap}) {
		return ErrClosed
	}
	return nil
}

// apply performs a checked state transition for a live session.
func (m *Manager) apply(s *session, next ConnectionState) (ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || s.ctx.Err() != nil {
		return m.state, false
	}
	if !CanTransition(m.state.Status, next.Status) {
		m.logger.Warn().
			Str("from", m.state.String()).
			Str("to", next.String()).
			Msg("illegal connection transition ignored")
		return m.state, false
	}
	m.state = next
	return next, true
}

// emit runs fn on the loop goroutine if s is still current. Admission and
// entry are one step as far as Cleanup can observe: Cleanup waits for an
// admitted callback to be entered before returning.
func (m *Manager) emit(s *session, fn func(Callbacks)) {
	m.mu.Lock()
	if m.sess != s || s.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	s.entering++
	m.mu.Unlock()

	cb := m.callbacks.get()
	if m.beforeDispatch != nil {
		m.beforeDispatch()
	}
	m.mu.Lock()
	s.entering--
	m.entered.Broadcast()
	m.mu.Unlock()
	fn(cb)
}

func (m *Manager) emitState(s *session, st ConnectionState) {
	m.emit(s, func(cb Callbacks) {
		if cb.OnConnectionChange != nil {
			cb.OnConnectionChange(st)
		}
	})
}

func (m *Manager) emitError(s *session, err error) {
	m.logger.Warn().Err(err).Msg("room subscription error")
	m.emit(s, func(cb Callbacks) {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	})
}

func (m *Manager) flush(s *session, err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// sessionSink binds transport deliveries to one connection attempt.
type sessionSink struct {
	m    *Manager
	s    *session
	conn uint64
}

func (k *sessionSink) Change(ev events.ChangeEvent) {
	k.m.post(k.s, changeMsg{conn: k.conn, ev: ev})
}

func (k *sessionSink) Presence(p events.Presence) {
	k.m.post(k.s, presenceMsg{conn: k.conn, p: p})
}

func (k *sessionSink) Broadcast(b events.Broadcast) {
	k.m.post(k.s, broadcastMsg{conn: k.conn, b: b})
}

func (k *sessionSink) Fail(err error) {
	k.m.post(k.s, failMsg{conn: k.conn, err: err})
}
