// Package turntimer counts down the local participant's turn and submits an
// automatic action when the time runs out.
package turntimer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phase is the timer lifecycle: idle -> counting -> fired -> idle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseCounting Phase = "counting"
	PhaseFired    Phase = "fired"
)

// Config tunes the countdown. Durations are rounded to whole seconds.
type Config struct {
	WarningThreshold time.Duration
	GracePeriod      time.Duration
	FirstTurnGrace   time.Duration
	TickInterval     time.Duration
	SubmitTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarningThreshold: 10 * time.Second,
		GracePeriod:      30 * time.Second,
		FirstTurnGrace:   5 * time.Second,
		TickInterval:     time.Second,
		SubmitTimeout:    10 * time.Second,
	}
}

// TurnContext is the slice of room state the timer needs, derived from draft
// change events.
type TurnContext struct {
	RoomID     uuid.UUID
	TeamID     uuid.UUID // team on the clock
	TurnNumber int
	IsUserTurn bool
	Status     models.DraftStatus
	TimeLimit  time.Duration
}

// State is a snapshot of the timer.
type State struct {
	Phase             Phase
	IsActive          bool
	RemainingSeconds  int
	WarningFired      bool
	GraceDeadline     int // remaining-seconds floor that forces the fallback; 0 without grace
	CurrentTurnNumber int
	LastFiredTurn     int
}

// Submitter hands the fallback action to the update queue. onError reports a
// failure that happens after submission.
type Submitter interface {
	SubmitAutoPick(a Action, onError func(error)) error
}

// Option configures a Timer.
type Option func(*Timer)

func WithClock(c clockwork.Clock) Option {
	return func(t *Timer) { t.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Timer) { t.logger = l }
}

// WithOnWarning is called once per turn when the warning threshold is crossed.
func WithOnWarning(fn func(turn, remaining int)) Option {
	return func(t *Timer) { t.onWarning = fn }
}

// WithOnFallbackError surfaces auto-pick failures. It never blocks the queue.
func WithOnFallbackError(fn func(turn int, err error)) Option {
	return func(t *Timer) { t.onFallbackError = fn }
}

// WithOnFire observes every submitted fallback action.
func WithOnFire(fn func(Action)) Option {
	return func(t *Timer) { t.onFire = fn }
}

// Timer is the per-room turn countdown.
type Timer struct {
	cfg       Config
	strategy  Strategy
	submitter Submitter
	clock     clockwork.Clock
	logger    zerolog.Logger

	onWarning       func(turn, remaining int)
	onFallbackError func(turn int, err error)
	onFire          func(Action)

	mu            sync.Mutex
	phase         Phase
	turn          TurnContext
	remaining     int
	warningFired  bool
	graceDeadline int
	started       bool // the current turn has counted at least once
	cancelled     bool // the current turn's fallback was called off
	connected     bool
	lastFiredTurn int
}

// New creates an idle timer. The timer assumes it is connected until told
// otherwise.
func New(cfg Config, strategy Strategy, submitter Submitter, opts ...Option) *Timer {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	t := &Timer{
		cfg:       cfg,
		strategy:  strategy,
		submitter: submitter,
		clock:     clockwork.NewRealClock(),
		logger:    log.With().Str("component", "turntimer").Logger(),
		phase:     PhaseIdle,
		connected: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// Observe feeds the latest turn context. Only a strictly greater turn number
// resets the countdown. The same turn suspends it when it stops being
// eligible and starts or resumes it when it becomes eligible, unless the
// turn already fired or was cancelled. Older turns are ignored.
func (t *Timer) Observe(tc TurnContext) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case tc.TurnNumber > t.turn.TurnNumber:
		t.turn = tc
		t.warningFired = false
		t.graceDeadline = 0
		t.cancelled = false
		t.started = false
		t.remaining = seconds(tc.TimeLimit)

		if t.eligibleLocked(tc) {
			t.phase = PhaseCounting
			t.started = true
			t.logger.Debug().
				Int("turn", tc.TurnNumber).
				Int("remaining", t.remaining).
				Msg("turn countdown started")
		} else {
			t.phase = PhaseIdle
		}

	case tc.TurnNumber == t.turn.TurnNumber:
		t.turn.IsUserTurn = tc.IsUserTurn
		t.turn.Status = tc.Status
		t.turn.TeamID = tc.TeamID
		if !t.started {
			t.turn.TimeLimit = tc.TimeLimit
			t.remaining = seconds(tc.TimeLimit)
		}
		switch {
		case t.phase == PhaseCounting && (!tc.IsUserTurn || tc.Status != models.DraftStatusActive):
			t.phase = PhaseIdle
			t.logger.Debug().
				Int("turn", tc.TurnNumber).
				Str("status", string(tc.Status)).
				Bool("user_turn", tc.IsUserTurn).
				Msg("turn countdown suspended")
		case t.phase == PhaseIdle && !t.cancelled && t.eligibleLocked(t.turn):
			t.phase = PhaseCounting
			msg := "turn countdown resumed"
			if !t.started {
				msg = "turn countdown started"
			}
			t.started = true
			t.logger.Debug().Int("turn", tc.TurnNumber).Int("remaining", t.remaining).Msg(msg)
		}

	default:
		t.logger.Debug().
			Int("turn", tc.TurnNumber).
			Int("current", t.turn.TurnNumber).
			Msg("ignoring stale turn")
	}
}

func (t *Timer) eligibleLocked(tc TurnContext) bool {
	return tc.IsUserTurn &&
		tc.Status == models.DraftStatusActive &&
		tc.TimeLimit > 0 &&
		t.lastFiredTurn < tc.TurnNumber &&
		t.strategy != nil && t.strategy.HasAction(tc)
}

// SetConnected feeds connectivity. Coming back while the expired turn sits in
// its grace window cancels the fallback for that turn.
func (t *Timer) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := t.connected
	t.connected = connected
	if connected && !was && t.phase == PhaseCounting && t.graceDeadline != 0 {
		t.phase = PhaseIdle
		t.cancelled = true
		t.logger.Info().
			Int("turn", t.turn.TurnNumber).
			Int("remaining", t.remaining).
			Msg("reconnected during grace, auto-pick cancelled")
	}
}

// Tick advances the countdown by one second.
func (t *Timer) Tick() {
	t.mu.Lock()
	if t.phase != PhaseCounting {
		t.mu.Unlock()
		return
	}
	t.remaining--
	turn := t.turn
	remaining := t.remaining

	warn := false
	if warnAt := seconds(t.cfg.WarningThreshold); !t.warningFired && warnAt > 0 && remaining <= warnAt && remaining > 0 {
		t.warningFired = true
		warn = true
	}

	fire := false
	fireAt := 0
	if turn.TurnNumber == 1 {
		fireAt = -seconds(t.cfg.FirstTurnGrace)
	}
	if remaining <= fireAt {
		grace := seconds(t.cfg.GracePeriod)
		switch {
		case t.connected || grace == 0:
			fire = true
		case t.graceDeadline == 0:
			t.graceDeadline = fireAt - grace
			t.logger.Warn().
				Int("turn", turn.TurnNumber).
				Int("grace_deadline", t.graceDeadline).
				Msg("turn expired while disconnected, waiting out grace")
		case remaining <= t.graceDeadline:
			fire = true
		}
	}
	if fire {
		if t.lastFiredTurn >= turn.TurnNumber {
			fire = false
			t.phase = PhaseIdle
		} else {
			t.lastFiredTurn = turn.TurnNumber
			t.phase = PhaseFired
		}
	}
	t.mu.Unlock()

	if warn {
		t.logger.Debug().Int("turn", turn.TurnNumber).Int("remaining", remaining).Msg("turn warning")
		if t.onWarning != nil {
			t.onWarning(turn.TurnNumber, remaining)
		}
	}
	if fire {
		t.fire(turn)

		t.mu.Lock()
		if t.phase == PhaseFired && t.turn.TurnNumber == turn.TurnNumber {
			t.phase = PhaseIdle
		}
		t.mu.Unlock()
	}
}

func (t *Timer) fire(turn TurnContext) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SubmitTimeout)
	defer cancel()

	action, err := t.strategy.Next(ctx, turn)
	if err != nil {
		t.fallbackError(turn.TurnNumber, fmt.Errorf("choose auto-pick: %w", err))
		return
	}
	t.logger.Info().
		Str("room_id", turn.RoomID.String()).
		Int("turn", turn.TurnNumber).
		Str("action", string(action.Kind)).
		Str("player_id", action.PlayerID.String()).
		Msg("turn expired, submitting auto-pick")

	if t.onFire != nil {
		t.onFire(action)
	}
	err = t.submitter.SubmitAutoPick(action, func(err error) {
		t.fallbackError(turn.TurnNumber, err)
	})
	if err != nil {
		t.fallbackError(turn.TurnNumber, fmt.Errorf("submit auto-pick: %w", err))
	}
}

func (t *Timer) fallbackError(turn int, err error) {
	t.logger.Error().Err(err).Int("turn", turn).Msg("auto-pick failed")
	if t.onFallbackError != nil {
		t.onFallbackError(turn, err)
	}
}

// State returns a snapshot.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Phase:             t.phase,
		IsActive:          t.phase == PhaseCounting,
		RemainingSeconds:  t.remaining,
		WarningFired:      t.warningFired,
		GraceDeadline:     t.graceDeadline,
		CurrentTurnNumber: t.turn.TurnNumber,
		LastFiredTurn:     t.lastFiredTurn,
	}
}

// Run ticks the countdown from the clock until ctx is done.
func (t *Timer) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.Tick()
		}
	}
}
