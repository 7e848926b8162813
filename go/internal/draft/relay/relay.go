// Package relay publishes captured record changes from Postgres to the
// JetStream change feed. A trigger appends every change to draft_change_log
// and notifies draft_changes with the row id; the relay listens, publishes
// and marks the row sent, and a fallback poll picks up anything a lost
// notification left behind.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/draftsync/go/internal/draft/backoff"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DatabaseURL      string // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string
	FallbackInterval time.Duration // how often to poll for missed changes
	PingInterval     time.Duration
	BatchSize        int32
	MaxAttempts      int32 // failed publishes before a row is left for an operator
	Retry            backoff.Policy
}

func DefaultConfig() Config {
	return Config{
		NotifyChannel:    "draft_changes",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
		MaxAttempts:      10,
		Retry: backoff.Policy{
			Base:        200 * time.Millisecond,
			Max:         5 * time.Second,
			MaxAttempts: 5,
		},
	}
}

// Publisher sends one change to the feed. id is the change log row id.
type Publisher interface {
	Publish(ctx context.Context, id uuid.UUID, ev events.ChangeEvent) error
}

type Option func(*Relay)

func WithClock(c clockwork.Clock) Option {
	return func(r *Relay) { r.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func WithMetrics(m MetricsCollector) Option {
	return func(r *Relay) { r.metrics = m }
}

type Relay struct {
	store     ChangeStore
	publisher Publisher
	cfg       Config
	clock     clockwork.Clock
	logger    zerolog.Logger
	metrics   MetricsCollector

	running       atomic.Bool
	processed     atomic.Uint64
	lastPublished atomic.Int64 // unix nanos
}

func New(store ChangeStore, publisher Publisher, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		logger:    log.With().Str("component", "relay").Logger(),
		metrics:   NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start listens on the notify channel until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	l := pq.NewListener(
		r.cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				r.logger.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(r.cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return fmt.Errorf("listen on %s: %w", r.cfg.NotifyChannel, err)
	}
	r.logger.Info().Str("channel", r.cfg.NotifyChannel).Msg("listening for changes")

	err := r.Run(ctx, l.Notify, l.Ping)
	if cerr := l.Close(); cerr != nil {
		r.logger.Warn().Err(cerr).Msg("close listener")
	}
	return err
}

// Run is the relay loop over an existing notification stream. It drains the
// backlog first, then handles notifications as they arrive. A nil
// notification means the listener reconnected and may have missed some, so
// the backlog is drained again.
func (r *Relay) Run(ctx context.Context, notes <-chan *pq.Notification, ping func() error) error {
	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.Info().
		Dur("ping_interval", r.cfg.PingInterval).
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Msg("relay started")

	pingTicker := r.clock.NewTicker(r.cfg.PingInterval)
	fallbackTicker := r.clock.NewTicker(r.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("relay shutting down")
			return nil
		case note, ok := <-notes:
			if !ok {
				return errors.New("notification channel closed")
			}
			if note == nil {
				r.logger.Info().Msg("listener reconnected, draining backlog")
				r.drain(ctx)
				continue
			}
			if err := r.handleNotification(ctx, note.Extra); err != nil {
				r.logger.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.Chan():
			r.drain(ctx)
		case <-pingTicker.Chan():
			if ping == nil {
				continue
			}
			if err := ping(); err != nil {
				r.logger.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// handleNotification publishes the change log row named by a notification.
func (r *Relay) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid change id in notification: %w", err)
	}
	row, err := r.store.FetchChangeByID(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch change %s: %w", id, err)
	}
	return r.publish(ctx, row)
}

// drain publishes unsent rows in commit order, one batch per call.
func (r *Relay) drain(ctx context.Context) {
	start := r.clock.Now()
	rows, err := r.store.FetchUnsentChanges(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to fetch unsent changes")
		return
	}
	if len(rows) == 0 {
		return
	}

	published := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		if err := r.publish(ctx, row); err != nil {
			r.logger.Error().Err(err).Str("change_id", row.ID.String()).Msg("failed to publish change")
			continue
		}
		published++
	}
	r.metrics.RecordBatch(published, r.clock.Since(start))
	r.logger.Info().
		Int("published", published).
		Int("total", len(rows)).
		Msg("drained change backlog")
}

func (r *Relay) publish(ctx context.Context, row ChangeRow) error {
	// committed_at travels as the observation time of the change
	ev, err := row.Envelope().Event(row.CommittedAt)
	if err != nil {
		r.fail(ctx, row, err)
		return fmt.Errorf("decode change %s: %w", row.ID, err)
	}

	start := r.clock.Now()
	err = r.publishWithRetry(ctx, row.ID, ev)
	r.metrics.RecordPublished(row.Entity, err == nil, r.clock.Since(start))
	if err != nil {
		r.fail(ctx, row, err)
		return err
	}

	if err := r.store.MarkChangeSent(ctx, row.ID); err != nil {
		return fmt.Errorf("mark change %s sent: %w", row.ID, err)
	}
	r.processed.Add(1)
	r.lastPublished.Store(r.clock.Now().UnixNano())

	r.logger.Debug().
		Str("change_id", row.ID.String()).
		Str("draft_id", row.DraftID.String()).
		Str("entity", row.Entity).
		Str("change", row.Change).
		Msg("published change")
	return nil
}

func (r *Relay) publishWithRetry(ctx context.Context, id uuid.UUID, ev events.ChangeEvent) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := r.publisher.Publish(ctx, id, ev)
		r.metrics.RecordPublishAttempt(string(ev.Entity), attempt, err == nil)
		if err == nil {
			if attempt > 1 {
				r.logger.Info().Int("attempt", attempt).Str("change_id", id.String()).Msg("publish succeeded after retry")
			}
			return nil
		}
		lastErr = err
		r.logger.Warn().Err(err).Int("attempt", attempt).Str("change_id", id.String()).Msg("failed to publish, retrying")

		if r.cfg.Retry.MaxAttempts <= 0 || r.cfg.Retry.Exhausted(attempt+1) {
			return fmt.Errorf("publish failed after %d attempts: %w", attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.cfg.Retry.Delay(attempt)):
		}
	}
}

func (r *Relay) fail(ctx context.Context, row ChangeRow, cause error) {
	if err := r.store.RecordChangeFailure(ctx, row.ID, cause.Error()); err != nil {
		r.logger.Error().Err(err).Str("change_id", row.ID.String()).Msg("failed to record change failure")
	}
}

// Stats returns the published count and the time of the last publish.
func (r *Relay) Stats() (uint64, time.Time) {
	var last time.Time
	if n := r.lastPublished.Load(); n > 0 {
		last = time.Unix(0, n)
	}
	return r.processed.Load(), last
}

// Running reports whether the relay loop is active.
func (r *Relay) Running() bool {
	return r.running.Load()
}
