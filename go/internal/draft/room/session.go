// Package room owns one participant's view of a draft room: the realtime
// subscription, connectivity and offline log, the update queue and the turn
// timer, wired together.
package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/draftsync/go/internal/draft/connectivity"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/mcdev12/draftsync/go/internal/draft/store"
	"github.com/mcdev12/draftsync/go/internal/draft/turntimer"
	"github.com/mcdev12/draftsync/go/internal/draft/updatequeue"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config describes the local participant and tunes every component.
type Config struct {
	RoomID         uuid.UUID
	UserID         uuid.UUID
	TeamID         uuid.UUID // uuid.Nil for spectators
	Username       string
	Realtime       realtime.Config
	Queue          updatequeue.Config
	Timer          turntimer.Config
	DegradedWindow time.Duration
	ProbeInterval  time.Duration
}

func DefaultConfig(roomID, userID, teamID uuid.UUID) Config {
	return Config{
		RoomID:         roomID,
		UserID:         userID,
		TeamID:         teamID,
		Realtime:       realtime.DefaultConfig(roomID, userID.String()),
		Queue:          updatequeue.DefaultConfig(),
		Timer:          turntimer.DefaultConfig(),
		DegradedWindow: 30 * time.Second,
		ProbeInterval:  5 * time.Second,
	}
}

// Deps are the collaborators a session talks to. Prober and Wishlist are
// optional.
type Deps struct {
	Transport  realtime.Transport
	Fetcher    realtime.Fetcher
	Mutations  store.Mutations
	OfflineLog connectivity.OfflineLog
	Prober     connectivity.Prober
	Wishlist   func() []models.WishlistEntry
}

// Hooks are the UI-facing callbacks. The embedded realtime callbacks run
// after the session has folded the event into its own state.
type Hooks struct {
	realtime.Callbacks
	OnRoomDeleted   func()
	OnTurnWarning   func(turn, remaining int)
	OnFallbackError func(turn int, err error)
	OnConnectivity  func(connectivity.Flags)
}

type Option func(*Session)

func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session is the per-room owner.
type Session struct {
	cfg    Config
	deps   Deps
	clock  clockwork.Clock
	logger zerolog.Logger
	hooks  atomic.Pointer[Hooks]

	mirror  *Mirror
	manager *realtime.Manager
	monitor *connectivity.Monitor
	queue   *updatequeue.Queue
	timer   *turntimer.Timer

	// touched only from manager callbacks, which run on one goroutine
	everConnected bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSession builds every component. Nothing runs until Start.
func NewSession(cfg Config, deps Deps, hooks Hooks, opts ...Option) (*Session, error) {
	if cfg.RoomID == uuid.Nil || cfg.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: room and user ids are required", events.ErrValidation)
	}
	if deps.Transport == nil || deps.Mutations == nil || deps.OfflineLog == nil {
		return nil, fmt.Errorf("%w: transport, mutations and offline log are required", events.ErrValidation)
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	cfg.Realtime.RoomID = cfg.RoomID
	cfg.Realtime.ParticipantID = cfg.UserID.String()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		deps:   deps,
		clock:  clockwork.NewRealClock(),
		logger: log.With().Str("component", "room").Str("room_id", cfg.RoomID.String()).Logger(),
		mirror: NewMirror(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hooks.Store(&hooks)

	mopts := []realtime.Option{realtime.WithClock(s.clock), realtime.WithLogger(s.logger)}
	if deps.Fetcher != nil {
		mopts = append(mopts, realtime.WithFetcher(deps.Fetcher))
	}
	s.manager = realtime.NewManager(cfg.Realtime, deps.Transport, s.callbacks(), mopts...)

	degraded := cfg.DegradedWindow
	if degraded <= 0 {
		degraded = 30 * time.Second
	}
	s.monitor = connectivity.NewMonitor(
		deps.OfflineLog,
		connectivity.ExecutorFunc(s.replay),
		s.manager,
		connectivity.WithClock(s.clock),
		connectivity.WithDegradedWindow(degraded),
		connectivity.WithStatusListener(s.onConnectivity),
	)

	s.queue = updatequeue.New(cfg.Queue, updatequeue.WithClock(s.clock), updatequeue.WithLogger(s.logger))

	var strategy turntimer.Strategy = turntimer.SkipStrategy{}
	if deps.Wishlist != nil {
		strategy = &turntimer.WishlistStrategy{
			Wishlist:      deps.Wishlist,
			Availability:  s.mirror,
			SkipWhenEmpty: true,
		}
	}
	s.timer = turntimer.New(cfg.Timer, strategy, s,
		turntimer.WithClock(s.clock),
		turntimer.WithLogger(s.logger),
		turntimer.WithOnWarning(func(turn, remaining int) {
			if h := s.getHooks(); h.OnTurnWarning != nil {
				h.OnTurnWarning(turn, remaining)
			}
		}),
		turntimer.WithOnFallbackError(func(turn int, err error) {
			if h := s.getHooks(); h.OnFallbackError != nil {
				h.OnFallbackError(turn, err)
			}
		}),
	)
	return s, nil
}

// Start runs the background workers, subscribes and loads the room. A failed
// first subscribe is returned while the manager keeps reconnecting.
func (s *Session) Start(ctx context.Context) error {
	s.queue.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.timer.Run(s.ctx)
	}()
	if s.deps.Prober != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitor.RunProbe(s.ctx, s.deps.Prober, s.cfg.ProbeInterval)
		}()
	}

	if err := s.manager.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe to room: %w", err)
	}
	if s.deps.Fetcher != nil {
		if err := s.manager.Refresh(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("initial room load failed")
		}
	}
	return nil
}

// Close tears everything down. Pending mutations are rolled back; the
// offline log is kept.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.manager.Cleanup()
		s.cancel()
		s.queue.Stop()
		s.monitor.Close()
		s.wg.Wait()
		s.logger.Info().Msg("room session closed")
	})
}

// SetHooks swaps the UI callbacks.
func (s *Session) SetHooks(h Hooks) {
	s.hooks.Store(&h)
}

func (s *Session) getHooks() Hooks {
	if h := s.hooks.Load(); h != nil {
		return *h
	}
	return Hooks{}
}

func (s *Session) callbacks() realtime.Callbacks {
	return realtime.Callbacks{
		OnDraftEvent: func(ev events.ChangeEvent) {
			if s.mirror.Apply(ev) && ev.Entity == events.EntityDraft {
				s.observeTurn()
			}
			if h := s.getHooks(); h.OnDraftEvent != nil {
				h.OnDraftEvent(ev)
			}
		},
		OnSnapshot: func(snap events.Snapshot) {
			s.mirror.Load(snap)
			s.observeTurn()
			if h := s.getHooks(); h.OnSnapshot != nil {
				h.OnSnapshot(snap)
			}
		},
		OnConnectionChange: func(st realtime.ConnectionState) {
			s.monitor.ObserveConnection(st)
			if st.Status == realtime.StatusConnected {
				if s.everConnected {
					s.reconcile()
				}
				s.everConnected = true
			}
			if h := s.getHooks(); h.OnConnectionChange != nil {
				h.OnConnectionChange(st)
			}
		},
		OnPresenceChange: func(online []string) {
			if h := s.getHooks(); h.OnPresenceChange != nil {
				h.OnPresenceChange(online)
			}
		},
		OnBroadcast: func(b events.Broadcast) {
			if b.Event == events.BroadcastRoomDeleted {
				s.roomDeleted()
			}
			if h := s.getHooks(); h.OnBroadcast != nil {
				h.OnBroadcast(b)
			}
		},
		OnError: func(err error) {
			if h := s.getHooks(); h.OnError != nil {
				h.OnError(err)
			}
		},
	}
}

func (s *Session) observeTurn() {
	if tc, ok := s.mirror.TurnContext(s.cfg.TeamID); ok {
		s.timer.Observe(tc)
	}
}

func (s *Session) onConnectivity(f connectivity.Flags) {
	s.timer.SetConnected(f.IsOnline)
	if h := s.getHooks(); h.OnConnectivity != nil {
		h.OnConnectivity(f)
	}
}

// reconcile reloads the room after a reconnect; events may have been missed
// while the feed was down.
func (s *Session) reconcile() {
	if s.deps.Fetcher == nil || s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.manager.Refresh(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("reconcile after reconnect failed")
		}
	}()
}

func (s *Session) roomDeleted() {
	s.logger.Info().Msg("room deleted, closing session")
	go func() {
		s.Close()
		if err := s.monitor.ClearOfflineQueue(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("drop offline actions of deleted room")
		}
		if h := s.getHooks(); h.OnRoomDeleted != nil {
			h.OnRoomDeleted()
		}
	}()
}

// Mirror exposes the cached room.
func (s *Session) Mirror() *Mirror { return s.mirror }

func (s *Session) ConnectionState() realtime.ConnectionState { return s.manager.State() }

func (s *Session) Connectivity() connectivity.Flags { return s.monitor.Status() }

// Verbosity advises how much detail the client should render or log.
func (s *Session) Verbosity() connectivity.PayloadVerbosity { return s.monitor.Verbosity() }

func (s *Session) TimerState() turntimer.State { return s.timer.State() }

// Refresh forces a full reload of the room.
func (s *Session) Refresh(ctx context.Context) error { return s.manager.Refresh(ctx) }

func (s *Session) IsUserOnline(userID string) bool { return s.manager.IsUserOnline(userID) }

func (s *Session) Presence() []string { return s.manager.Presence() }

func (s *Session) ForceReconnect(ctx context.Context) error { return s.monitor.ForceReconnect(ctx) }

func (s *Session) QueueOfflineAction(ctx context.Context, actionType string, payload any) (uuid.UUID, error) {
	return s.monitor.QueueOfflineAction(ctx, actionType, payload)
}

func (s *Session) ProcessOfflineQueue(ctx context.Context) error {
	return s.monitor.ProcessOfflineQueue(ctx)
}

func (s *Session) ClearOfflineQueue(ctx context.Context) error {
	return s.monitor.ClearOfflineQueue(ctx)
}

// Drain waits for every queued mutation to settle.
func (s *Session) Drain(ctx context.Context) error { return s.queue.Drain(ctx) }
