package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/rs/zerolog/log"
)

// ConnectionManager owns the websocket connections. Every connection has its
// own realtime subscription to its room, so presence is tracked per user.
type ConnectionManager struct {
	roomConnections map[uuid.UUID]map[*Connection]bool
	mu              sync.RWMutex

	upgrader  websocket.Upgrader
	config    ConnectionConfig
	transport realtime.Transport
	fetcher   realtime.Fetcher
	realtime  func(roomID uuid.UUID, participantID string) realtime.Config
	clock     clockwork.Clock
}

// Connection is one client socket bound to a room.
type Connection struct {
	ID      string
	UserID  string
	RoomID  uuid.UUID
	Conn    *websocket.Conn
	Manager *ConnectionManager

	send chan []byte
	done chan struct{}
	rt   *realtime.Manager

	ConnectedAt time.Time
	lastPing    atomic.Int64

	closeOnce sync.Once
}

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	RequestTimeout  time.Duration // subscribe and refresh on behalf of a client
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024, // client frames are tiny
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		RequestTimeout:  15 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			// origins are enforced by the CORS layer
			return true
		},
	}
}

type ManagerOption func(*ConnectionManager)

// WithRealtimeConfig sets how each connection's subscription is configured.
func WithRealtimeConfig(fn func(roomID uuid.UUID, participantID string) realtime.Config) ManagerOption {
	return func(cm *ConnectionManager) { cm.realtime = fn }
}

func WithManagerClock(c clockwork.Clock) ManagerOption {
	return func(cm *ConnectionManager) { cm.clock = c }
}

// NewConnectionManager creates a manager that subscribes through transport.
// fetcher may be nil, in which case clients get no snapshots.
func NewConnectionManager(config ConnectionConfig, transport realtime.Transport, fetcher realtime.Fetcher, opts ...ManagerOption) *ConnectionManager {
	cm := &ConnectionManager{
		roomConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:    config,
		transport: transport,
		fetcher:   fetcher,
		realtime:  realtime.DefaultConfig,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// UpgradeConnection upgrades the request and subscribes the new connection
// to its room in the background.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string, roomID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		RoomID:      roomID,
		Conn:        conn,
		Manager:     cm,
		send:        make(chan []byte, cm.config.SendBuffer),
		done:        make(chan struct{}),
		ConnectedAt: cm.clock.Now(),
	}
	c.lastPing.Store(c.ConnectedAt.UnixNano())

	opts := []realtime.Option{
		realtime.WithClock(cm.clock),
		realtime.WithLogger(log.With().
			Str("component", "gateway").
			Str("connection_id", c.ID).
			Str("room_id", roomID.String()).
			Logger()),
	}
	if cm.fetcher != nil {
		opts = append(opts, realtime.WithFetcher(cm.fetcher))
	}
	c.rt = realtime.NewManager(cm.realtime(roomID, userID), cm.transport, c.callbacks(), opts...)

	cm.registerConnection(c)
	go c.writePump()
	go c.readPump()
	go c.subscribe()

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", userID).
		Str("room_id", roomID.String()).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[c.RoomID] == nil {
		cm.roomConnections[c.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[c.RoomID][c] = true

	log.Debug().
		Str("connection_id", c.ID).
		Str("room_id", c.RoomID.String()).
		Int("total_connections", len(cm.roomConnections[c.RoomID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, ok := cm.roomConnections[c.RoomID]
	if !ok {
		return
	}
	if _, ok := connections[c]; !ok {
		return
	}
	delete(connections, c)
	if len(connections) == 0 {
		delete(cm.roomConnections, c.RoomID)
	}
	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Str("room_id", c.RoomID.String()).
		Msg("connection unregistered")
}

// CloseAll drops every connection, e.g. on shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, conns := range cm.roomConnections {
		for c := range conns {
			all = append(all, c)
		}
	}
	cm.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}

type ConnectionStats struct {
	TotalConnections int                     `json:"total_connections"`
	ActiveRooms      int                     `json:"active_rooms"`
	RoomConnections  map[string]int          `json:"room_connections"`
	ByStatus         map[realtime.Status]int `json:"by_status"`
	OnlineUsers      map[string][]string     `json:"online_users"`
}

// Stats summarizes the live connections.
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveRooms:     len(cm.roomConnections),
		RoomConnections: make(map[string]int, len(cm.roomConnections)),
		ByStatus:        make(map[realtime.Status]int),
		OnlineUsers:     make(map[string][]string, len(cm.roomConnections)),
	}
	for roomID, conns := range cm.roomConnections {
		stats.TotalConnections += len(conns)
		stats.RoomConnections[roomID.String()] = len(conns)
		for c := range conns {
			stats.ByStatus[c.rt.State().Status]++
			if _, ok := stats.OnlineUsers[roomID.String()]; !ok {
				stats.OnlineUsers[roomID.String()] = c.rt.Presence()
			}
		}
	}
	return stats
}

func (c *Connection) callbacks() realtime.Callbacks {
	return realtime.Callbacks{
		OnDraftEvent: func(ev events.ChangeEvent) {
			f, err := changeFrame(c.RoomID, ev, c.Manager.clock.Now())
			if err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to encode change")
				return
			}
			c.enqueue(f)
		},
		OnPresenceChange: func(online []string) {
			c.enqueue(Frame{Type: FramePresence, RoomID: c.RoomID, Presence: online, SentAt: c.Manager.clock.Now()})
		},
		OnConnectionChange: func(st realtime.ConnectionState) {
			c.enqueue(connectionFrame(c.RoomID, st, c.Manager.clock.Now()))
		},
		OnBroadcast: func(b events.Broadcast) {
			c.enqueue(Frame{Type: FrameBroadcast, RoomID: c.RoomID, Broadcast: &b, SentAt: c.Manager.clock.Now()})
		},
		OnSnapshot: func(s events.Snapshot) {
			c.enqueue(Frame{Type: FrameSnapshot, RoomID: c.RoomID, Snapshot: newSnapshotFrame(s), SentAt: c.Manager.clock.Now()})
		},
		OnError: func(err error) {
			c.sendError(err)
		},
	}
}

func (c *Connection) subscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.RequestTimeout)
	defer cancel()

	// a failed first attempt keeps retrying in the background
	if err := c.rt.Subscribe(ctx); err != nil {
		c.sendError(fmt.Errorf("subscribe: %w", err))
		return
	}
	c.refresh(ctx)
}

func (c *Connection) refresh(ctx context.Context) {
	if c.Manager.fetcher == nil {
		c.sendError(fmt.Errorf("refresh is not available"))
		return
	}
	if err := c.rt.Refresh(ctx); err != nil {
		c.sendError(fmt.Errorf("refresh: %w", err))
	}
}

func (c *Connection) sendError(err error) {
	c.enqueue(Frame{Type: FrameError, RoomID: c.RoomID, Error: err.Error(), SentAt: c.Manager.clock.Now()})
}

// enqueue queues a frame without blocking. A client that cannot keep up is
// disconnected.
func (c *Connection) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal frame")
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("user_id", c.UserID).
			Msg("connection send buffer full, closing connection")
		go c.close()
	}
}

// close tears the connection down once: unsubscribe, stop the pumps and
// close the socket.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.Manager.unregisterConnection(c)
		c.rt.Cleanup()
		close(c.done)
		c.Conn.Close()
	})
}

// LastPing returns when the client last answered a ping.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer c.close()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.lastPing.Store(c.Manager.clock.Now().UnixNano())
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

func (c *Connection) handleClientMessage(message []byte) {
	var f ClientFrame
	if err := json.Unmarshal(message, &f); err != nil {
		c.sendError(fmt.Errorf("%w: malformed client frame", events.ErrValidation))
		return
	}
	log.Debug().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Str("type", f.Type).
		Msg("received client message")

	switch f.Type {
	case "ping":
		c.enqueue(Frame{Type: FramePong, RoomID: c.RoomID, SentAt: c.Manager.clock.Now()})
	case "refresh":
		ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.RequestTimeout)
		defer cancel()
		c.refresh(ctx)
	case "reconnect":
		ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.RequestTimeout)
		defer cancel()
		if err := c.rt.Reconnect(ctx); err != nil {
			c.sendError(fmt.Errorf("reconnect: %w", err))
		}
	default:
		c.sendError(fmt.Errorf("%w: unknown frame type %q", events.ErrValidation, f.Type))
	}
}
