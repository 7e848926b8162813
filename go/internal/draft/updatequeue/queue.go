// Package updatequeue serializes a room's remote mutations behind optimistic
// local updates. One worker executes one mutation at a time in priority
// order, retries transient failures and rolls back what finally fails.
package updatequeue

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
	ErrQueueStopped = errors.New("update queue stopped")
	ErrQueueFull    = errors.New("update queue full")
)

// Config tunes retry and pacing.
type Config struct {
	MaxRetries int
	Backoff    backoff.Policy
	ItemDelay  time.Duration
	MaxPending int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Backoff:    backoff.Policy{Base: time.Second, Max: 10 * time.Second},
		ItemDelay:  100 * time.Millisecond,
		MaxPending: 1000,
	}
}

// Command is one remote mutation and its compensation. Key is the
// idempotency key handed to Apply through the context.
type Command struct {
	Key        string
	Apply      func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Options are per-mutation hooks. OnSuccess or OnError fires exactly once.
// SingleAttempt fails the mutation on its first error; callers that keep
// their own retry record use it.
type Options struct {
	Priority      Priority
	Key           string
	SingleAttempt bool
	OnSuccess     func()
	OnError       func(error)
}

// MutationError is what OnError receives after a mutation gave up.
type MutationError struct {
	ID       uuid.UUID
	Attempts int
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) || errors.Is(err, events.ErrValidation)
}

type keyCtx struct{}

// IdempotencyKey returns the key of the mutation being applied.
func IdempotencyKey(ctx context.Context) string {
	k, _ := ctx.Value(keyCtx{}).(string)
	return k
}

type mutation struct {
	id         uuid.UUID
	priority   Priority
	cmd        Command
	opts       Options
	retryCount int
	enqueuedAt time.Time
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue is the per-room optimistic update queue.
type Queue struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	bands    [numPriorities][]*mutation
	inFlight *mutation
	idle     chan struct{} // closed while nothing is pending or in flight
	stopped  bool
	running  bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped queue. Mutations may be added before Start.
func New(cfg Config, opts ...Option) *Queue {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: log.With().Str("component", "updatequeue").Logger(),
		idle:   idle,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker. It is a no-op when already running.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.stopped {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	q.running = true
	go q.run(ctx)
}

// Stop cancels the worker, waits for it and fails every pending mutation
// with ErrQueueStopped after rolling it back.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	for {
		q.mu.Lock()
		m := q.popLocked()
		q.mu.Unlock()
		if m == nil {
			break
		}
		q.fail(context.Background(), m, ErrQueueStopped)
	}
	q.mu.Lock()
	q.markIdleLocked()
	q.mu.Unlock()
}

// AddUpdate enqueues apply with rollback as its compensation.
func (q *Queue) AddUpdate(apply, rollback func(ctx context.Context) error, opts Options) (uuid.UUID, error) {
	return q.Enqueue(Command{Key: opts.Key, Apply: apply, Compensate: rollback}, opts)
}

// Enqueue adds a command at the tail of its priority band.
func (q *Queue) Enqueue(cmd Command, opts Options) (uuid.UUID, error) {
	if cmd.Apply == nil {
		return uuid.Nil, fmt.Errorf("%w: mutation needs an apply function", events.ErrValidation)
	}
	if !opts.Priority.Valid() {
		return uuid.Nil, fmt.Errorf("%w: unknown priority %d", events.ErrValidation, opts.Priority)
	}

	m := &mutation{
		id:         uuid.New(),
		priority:   opts.Priority,
		cmd:        cmd,
		opts:       opts,
		enqueuedAt: q.clock.Now(),
	}
	if m.cmd.Key == "" {
		m.cmd.Key = m.id.String()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return uuid.Nil, ErrQueueStopped
	}
	if q.cfg.MaxPending > 0 && q.lenLocked() >= q.cfg.MaxPending {
		q.mu.Unlock()
		return uuid.Nil, ErrQueueFull
	}
	q.bands[m.priority.band()] = append(q.bands[m.priority.band()], m)
	q.markBusyLocked()
	pending := q.lenLocked()
	q.mu.Unlock()

	q.notify()
	q.logger.Debug().
		Str("mutation_id", m.id.String()).
		Str("priority", m.priority.String()).
		Int("pending", pending).
		Msg("mutation queued")
	return m.id, nil
}

// Do queues cmd and blocks until it settles. It returns nil on success and
// the *MutationError otherwise. A cancelled ctx stops the wait, not the
// mutation. Never call Do from inside an Apply: the worker would wait on
// itself.
func (q *Queue) Do(ctx context.Context, cmd Command, opts Options) error {
	settled := make(chan error, 1)
	onSuccess, onError := opts.OnSuccess, opts.OnError
	opts.OnSuccess = func() {
		if onSuccess != nil {
			onSuccess()
		}
		settled <- nil
	}
	opts.OnError = func(err error) {
		if onError != nil {
			onError(err)
		}
		settled <- err
	}
	if _, err := q.Enqueue(cmd, opts); err != nil {
		return err
	}
	select {
	case err := <-settled:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OptimisticUpdate applies the local change immediately, then queues the
// remote call. If the remote call finally fails, rollbackLocal restores the
// previous local state.
func (q *Queue) OptimisticUpdate(applyLocal func(), remote func(ctx context.Context) error, rollbackLocal func(), opts Options) (uuid.UUID, error) {
	if applyLocal == nil || remote == nil {
		return uuid.Nil, fmt.Errorf("%w: optimistic update needs local and remote functions", events.ErrValidation)
	}
	applyLocal()

	var compensate func(context.Context) error
	if rollbackLocal != nil {
		compensate = func(context.Context) error {
			rollbackLocal()
			return nil
		}
	}
	id, err := q.Enqueue(Command{Key: opts.Key, Apply: remote, Compensate: compensate}, opts)
	if err != nil && rollbackLocal != nil {
		rollbackLocal()
	}
	return id, err
}

// Len is the number of mutations waiting, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// InFlight reports whether a mutation is executing or waiting to retry.
func (q *Queue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight != nil
}

// Drain waits until nothing is pending or in flight.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	q.logger.Info().Msg("update queue worker started")

	for {
		q.mu.Lock()
		m := q.popLocked()
		if m != nil {
			q.inFlight = m
		}
		q.mu.Unlock()

		if m == nil {
			select {
			case <-ctx.Done():
				q.logger.Info().Msg("update queue worker stopped")
				return
			case <-q.wake:
				continue
			}
		}

		q.execute(ctx, m)

		if q.cfg.ItemDelay > 0 && !q.sleep(ctx, q.cfg.ItemDelay) {
			q.logger.Info().Msg("update queue worker stopped")
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, m *mutation) {
	for {
		err := q.apply(ctx, m)
		if err == nil {
			q.logger.Debug().
				Str("mutation_id", m.id.String()).
				Int("retries", m.retryCount).
				Dur("since_enqueue", q.clock.Since(m.enqueuedAt)).
				Msg("mutation applied")
			q.callback(m, func() {
				if m.opts.OnSuccess != nil {
					m.opts.OnSuccess()
				}
			})
			q.finish(m)
			return
		}

		if ctx.Err() != nil {
			q.fail(ctx, m, ErrQueueStopped)
			return
		}
		if isPermanent(err) || m.opts.SingleAttempt || m.retryCount >= q.cfg.MaxRetries {
			q.fail(ctx, m, err)
			return
		}

		m.retryCount++
		delay := q.cfg.Backoff.Delay(m.retryCount)
		q.logger.Warn().
			Err(err).
			Str("mutation_id", m.id.String()).
			Int("retry", m.retryCount).
			Dur("delay", delay).
			Msg("mutation failed, retrying")

		if !q.sleep(ctx, delay) {
			q.fail(ctx, m, ErrQueueStopped)
			return
		}

		// back to the head of its band; a higher band that filled up in the
		// meantime goes first
		q.mu.Lock()
		if q.hasHigherLocked(m.priority) {
			band := m.priority.band()
			q.bands[band] = append([]*mutation{m}, q.bands[band]...)
			q.inFlight = nil
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

func (q *Queue) apply(ctx context.Context, m *mutation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("mutation panicked: %v", r))
		}
	}()
	return m.cmd.Apply(context.WithValue(ctx, keyCtx{}, m.cmd.Key))
}

// fail runs the compensation and reports the final error. Neither a rollback
// error nor a panic escapes.
func (q *Queue) fail(ctx context.Context, m *mutation, cause error) {
	merr := &MutationError{ID: m.id, Attempts: m.retryCount + 1, Err: cause}
	q.logger.Error().
		Err(cause).
		Str("mutation_id", m.id.String()).
		Int("attempts", merr.Attempts).
		Msg("mutation failed, rolling back")

	if m.cmd.Compensate != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error().Interface("panic", r).Str("mutation_id", m.id.String()).Msg("rollback panicked")
				}
			}()
			if err := m.cmd.Compensate(context.WithoutCancel(ctx)); err != nil {
				q.logger.Error().Err(err).Str("mutation_id", m.id.String()).Msg("rollback failed")
			}
		}()
	}

	q.callback(m, func() {
		if m.opts.OnError != nil {
			m.opts.OnError(merr)
		}
	})
	q.finish(m)
}

func (q *Queue) callback(m *mutation, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Str("mutation_id", m.id.String()).Msg("mutation callback panicked")
		}
	}()
	fn()
}

func (q *Queue) finish(m *mutation) {
	q.mu.Lock()
	if q.inFlight == m {
		q.inFlight = nil
	}
	if q.lenLocked() == 0 && q.inFlight == nil {
		q.markIdleLocked()
	}
	q.mu.Unlock()
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-q.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) popLocked() *mutation {
	for b := range q.bands {
		if len(q.bands[b]) > 0 {
			m := q.bands[b][0]
			q.bands[b][0] = nil
			q.bands[b] = q.bands[b][1:]
			return m
		}
	}
	return nil
}

func (q *Queue) hasHigherLocked(p Priority) bool {
	for b := 0; b < p.band(); b++ {
		if len(q.bands[b]) > 0 {
			return true
		}
	}
	return false
}

func (q *Queue) lenLocked() int {
	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}

func (q *Queue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *Queue) markIdleLocked() {
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}
