package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/offlinelog"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/rs/zerolog/log"
)

// OfflineLog is the durable FIFO the monitor replays. offlinelog.Store
// implements it.
type OfflineLog interface {
	Append(ctx context.Context, a offlinelog.Action) error
	List(ctx context.Context) ([]offlinelog.Action, error)
	Remove(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID) (int, error)
	Clear(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}

// Executor performs the remote call behind one offline action.
type Executor interface {
	Execute(ctx context.Context, a offlinelog.Action) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a offlinelog.Action) error

func (f ExecutorFunc) Execute(ctx context.Context, a offlinelog.Action) error { return f(ctx, a) }

// Reconnector makes an out-of-schedule connection attempt.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Flags are the derived connectivity flags.
type Flags struct {
	IsOnline       bool
	IsOffline      bool
	IsReconnecting bool
	IsDegraded     bool
}

// ReplayError reports a replay pass that stopped early. Entries from the
// failed one onwards are still in the log.
type ReplayError struct {
	Processed int
	Remaining int
	Err       error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("offline replay stopped after %d, %d remaining: %v", e.Processed, e.Remaining, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithDegradedWindow sets how long a retry keeps the connection degraded.
func WithDegradedWindow(d time.Duration) Option {
	return func(m *Monitor) { m.degradedWindow = d }
}

// WithStatusListener is called with the new flags whenever they change.
func WithStatusListener(fn func(Flags)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// WithAutoReplay toggles the background replay on offline -> online.
func WithAutoReplay(enabled bool) Option {
	return func(m *Monitor) { m.autoReplay = enabled }
}

// Monitor derives connectivity flags from the realtime connection and the
// native network signal, and owns the offline action log.
type Monitor struct {
	log            OfflineLog
	exec           Executor
	reconnector    Reconnector
	clock          clockwork.Clock
	degradedWindow time.Duration
	autoReplay     bool
	onChange       func(Flags)

	mu           sync.Mutex
	nativeOnline bool
	conn         realtime.ConnectionState
	quality      NetworkQuality
	lastRetryAt  time.Time
	flags        Flags

	// replayMu serializes replay passes: the monitor is the log's only writer
	replayMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. A nil reconnector makes ForceReconnect fail.
func NewMonitor(log OfflineLog, executor Executor, reconnector Reconnector, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		log:            log,
		exec:           executor,
		reconnector:    reconnector,
		clock:          clockwork.NewRealClock(),
		degradedWindow: 30 * time.Second,
		autoReplay:     true,
		nativeOnline:   true,
		conn:           realtime.ConnectionState{Status: realtime.StatusDisconnected},
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.flags = m.computeLocked()
	return m
}

// Close stops background replays and waits for them.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

// ObserveConnection feeds a realtime connection state change.
func (m *Monitor) ObserveConnection(st realtime.ConnectionState) {
	m.update(func() {
		m.conn = st
		if st.RetryCount > 0 || st.Status == realtime.StatusReconnecting {
			m.lastRetryAt = m.clock.Now()
		}
	})
}

// SetNativeOnline feeds the platform's own reachability signal.
func (m *Monitor) SetNativeOnline(online bool) {
	m.update(func() { m.nativeOnline = online })
}

// SetQuality records the advisory network quality.
func (m *Monitor) SetQuality(q NetworkQuality) {
	m.update(func() { m.quality = q })
}

// Status returns the current flags.
func (m *Monitor) Status() Flags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computeLocked()
}

// Verbosity advises dependents how large their payloads should be.
func (m *Monitor) Verbosity() PayloadVerbosity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality.Verbosity()
}

func (m *Monitor) update(fn func()) {
	m.mu.Lock()
	before := m.flags
	fn()
	after := m.computeLocked()
	m.flags = after
	onChange := m.onChange
	m.mu.Unlock()

	if after == before {
		return
	}
	log.Debug().
		Bool("online", after.IsOnline).
		Bool("reconnecting", after.IsReconnecting).
		Bool("degraded", after.IsDegraded).
		Msg("connectivity changed")
	if onChange != nil {
		onChange(after)
	}
	if !before.IsOnline && after.IsOnline && m.autoReplay {
		m.replayInBackground()
	}
}

func (m *Monitor) computeLocked() Flags {
	st := m.conn.Status
	f := Flags{
		IsOnline:  m.nativeOnline && st == realtime.StatusConnected,
		IsOffline: !m.nativeOnline || st == realtime.StatusDisconnected || st == realtime.StatusFailed,
		IsReconnecting: st == realtime.StatusConnecting ||
			st == realtime.StatusReconnecting,
	}
	recentRetry := !m.lastRetryAt.IsZero() && m.clock.Since(m.lastRetryAt) < m.degradedWindow
	f.IsDegraded = f.IsOnline && (recentRetry || m.quality.Poor())
	return f
}

func (m *Monitor) replayInBackground() {
	if m.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		n, err := m.log.Len(m.ctx)
		if err != nil || n == 0 {
			return
		}
		log.Info().Int("pending", n).Msg("back online, replaying offline queue")
		if err := m.ProcessOfflineQueue(m.ctx); err != nil {
			log.Warn().Err(err).Msg("offline replay incomplete")
		}
	}()
}

// QueueOfflineAction appends an action to the durable log. It never executes
// the action.
func (m *Monitor) QueueOfflineAction(ctx context.Context, actionType string, payload any) (uuid.UUID, error) {
	if actionType == "" {
		return uuid.Nil, fmt.Errorf("%w: offline action type is required", events.ErrValidation)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return uuid.Nil, err
	}
	a := offlinelog.Action{
		ID:         uuid.New(),
		Type:       actionType,
		Payload:    raw,
		EnqueuedAt: m.clock.Now().UTC(),
	}
	if err := m.log.Append(ctx, a); err != nil {
		return uuid.Nil, err
	}
	log.Info().Str("action_id", a.ID.String()).Str("type", actionType).Msg("offline action queued")
	return a.ID, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: offline payload is not valid JSON", events.ErrValidation)
		}
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal offline payload: %v", events.ErrValidation, err)
	}
	return raw, nil
}

// ProcessOfflineQueue replays the log in FIFO order. Each entry is removed
// only after its remote call succeeds; the first failure stops the pass and
// bumps that entry's retry count.
func (m *Monitor) ProcessOfflineQueue(ctx context.Context) error {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()

	actions, err := m.log.List(ctx)
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	total := len(actions)

	for i, a := range actions {
		if err := ctx.Err(); err != nil {
			return &ReplayError{Processed: i, Remaining: total - i, Err: err}
		}
		if err := m.exec.Execute(ctx, a); err != nil {
			if _, merr := m.log.MarkRetry(ctx, a.ID); merr != nil {
				log.Warn().Err(merr).Str("action_id", a.ID.String()).Msg("failed to record offline retry")
			}
			return &ReplayError{
				Processed: i,
				Remaining: total - i,
				Err:       fmt.Errorf("replay %s %s: %w", a.Type, a.ID, err),
			}
		}
		if err := m.log.Remove(ctx, a.ID); err != nil && !errors.Is(err, offlinelog.ErrNotFound) {
			return &ReplayError{
				Processed: i,
				Remaining: total - i,
				Err:       fmt.Errorf("remove replayed action %s: %w", a.ID, err),
			}
		}
	}

	if total > 0 {
		log.Info().Int("processed", total).Msg("offline queue replayed")
	}
	return nil
}

// ClearOfflineQueue drops every queued action.
func (m *Monitor) ClearOfflineQueue(ctx context.Context) error {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()

	n, err := m.log.Clear(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("dropped", n).Msg("offline queue cleared")
	return nil
}

// PendingOfflineActions lists the queued actions in replay order.
func (m *Monitor) PendingOfflineActions(ctx context.Context) ([]offlinelog.Action, error) {
	return m.log.List(ctx)
}

// ForceReconnect makes an immediate connection attempt.
func (m *Monitor) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	r := m.reconnector
	m.mu.Unlock()
	if r == nil {
		return errors.New("connectivity: no reconnector configured")
	}
	if err := r.Reconnect(ctx); err != nil {
		return fmt.Errorf("force reconnect: %w", err)
	}
	return nil
}
