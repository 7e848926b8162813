package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/draftsync/go/internal/draft/backoff"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sqlc-dev/pqtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]ChangeRow
	order    []uuid.UUID
	sent     map[uuid.UUID]bool
	failures map[uuid.UUID][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     make(map[uuid.UUID]ChangeRow),
		sent:     make(map[uuid.UUID]bool),
		failures: make(map[uuid.UUID][]string),
	}
}

func (s *fakeStore) add(row ChangeRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = row
	s.order = append(s.order, row.ID)
}

func (s *fakeStore) isSent(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[id]
}

func (s *fakeStore) failureCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures[id])
}

func (s *fakeStore) FetchChangeByID(_ context.Context, id uuid.UUID) (ChangeRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return ChangeRow{}, sql.ErrNoRows
	}
	return row, nil
}

func (s *fakeStore) FetchUnsentChanges(_ context.Context, limit, maxAttempts int32) ([]ChangeRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChangeRow
	for _, id := range s.order {
		if s.sent[id] || int32(len(s.failures[id])) >= maxAttempts {
			continue
		}
		out = append(out, s.rows[id])
		if int32(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) MarkChangeSent(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[id] = true
	return nil
}

func (s *fakeStore) RecordChangeFailure(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = append(s.failures[id], reason)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	published []uuid.UUID
	events    []events.ChangeEvent
}

func (p *fakePublisher) Publish(_ context.Context, id uuid.UUID, ev events.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failFirst {
		return errors.New("nats: timeout")
	}
	p.published = append(p.published, id)
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) ids() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.published...)
}

func pickRow(t *testing.T, roomID uuid.UUID, committed time.Time) ChangeRow {
	t.Helper()
	player := uuid.New()
	rec, err := json.Marshal(&events.PickRecord{DraftPick: models.DraftPick{
		ID:          uuid.New(),
		DraftID:     roomID,
		OverallPick: 1,
		PlayerID:    &player,
		UpdatedAt:   committed,
	}})
	require.NoError(t, err)
	return ChangeRow{
		ID:          uuid.New(),
		DraftID:     roomID,
		Entity:      string(events.EntityPick),
		Change:      string(events.ChangeInsert),
		Record:      pqtype.NullRawMessage{RawMessage: rec, Valid: true},
		CommittedAt: committed,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FallbackInterval = time.Minute
	cfg.PingInterval = time.Hour
	cfg.Retry = backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}
	return cfg
}

func runRelay(t *testing.T, r *Relay) (chan *pq.Notification, func()) {
	t.Helper()
	notes := make(chan *pq.Notification, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, notes, nil)
	}()
	return notes, func() {
		cancel()
		<-done
	}
}

func TestRelay_DrainsBacklogOnStart(t *testing.T) {
	store := newFakeStore()
	room := uuid.New()
	first := pickRow(t, room, time.Now().Add(-2*time.Second))
	second := pickRow(t, room, time.Now().Add(-time.Second))
	store.add(first)
	store.add(second)
	pub := &fakePublisher{}

	r := New(store, pub, testConfig(), WithClock(clockwork.NewFakeClock()))
	_, stop := runRelay(t, r)
	defer stop()

	require.Eventually(t, func() bool { return len(pub.ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, pub.ids())
	assert.True(t, store.isSent(first.ID))
	assert.True(t, store.isSent(second.ID))

	n, last := r.Stats()
	assert.EqualValues(t, 2, n)
	assert.False(t, last.IsZero())
}

func TestRelay_PublishesNotifiedChange(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	r := New(store, pub, testConfig(), WithClock(clockwork.NewFakeClock()))
	notes, stop := runRelay(t, r)
	defer stop()

	committed := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	row := pickRow(t, uuid.New(), committed)
	store.add(row)
	notes <- &pq.Notification{Channel: "draft_changes", Extra: row.ID.String()}

	require.Eventually(t, func() bool { return store.isSent(row.ID) }, time.Second, 5*time.Millisecond)
	pub.mu.Lock()
	ev := pub.events[0]
	pub.mu.Unlock()
	assert.Equal(t, row.DraftID, ev.RoomID)
	assert.Equal(t, events.EntityPick, ev.Entity)
	assert.True(t, committed.Equal(ev.ObservedAt))
}

func TestRelay_ReconnectDrainsAgain(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	r := New(store, pub, testConfig(), WithClock(clockwork.NewFakeClock()))
	notes, stop := runRelay(t, r)
	defer stop()

	// the notification for this row was lost while the listener was down
	row := pickRow(t, uuid.New(), time.Now())
	store.add(row)
	notes <- nil

	require.Eventually(t, func() bool { return store.isSent(row.ID) }, time.Second, 5*time.Millisecond)
}

func TestRelay_FallbackPoll(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	fc := clockwork.NewFakeClock()
	cfg := testConfig()
	r := New(store, pub, cfg, WithClock(fc))
	_, stop := runRelay(t, r)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 2))

	row := pickRow(t, uuid.New(), time.Now())
	store.add(row)
	fc.Advance(cfg.FallbackInterval)

	require.Eventually(t, func() bool { return store.isSent(row.ID) }, time.Second, 5*time.Millisecond)
}

func TestRelay_RetriesTransientPublishFailures(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{failFirst: 2}
	counters := NewCounters()
	r := New(store, pub, testConfig(), WithMetrics(counters))

	row := pickRow(t, uuid.New(), time.Now())
	store.add(row)
	require.NoError(t, r.publish(context.Background(), row))

	assert.True(t, store.isSent(row.ID))
	assert.Equal(t, 0, store.failureCount(row.ID))
	assert.InDelta(t, 2, testutil.ToFloat64(counters.retries.WithLabelValues("pick")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(counters.changes.WithLabelValues("pick", "published")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(counters.changes.WithLabelValues("pick", "failed")), 0)
}

func TestRelay_ExhaustedRetriesRecordFailure(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{failFirst: 100}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	r := New(store, pub, cfg)

	row := pickRow(t, uuid.New(), time.Now())
	store.add(row)

	err := r.publish(context.Background(), row)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.False(t, store.isSent(row.ID))
	assert.Equal(t, 1, store.failureCount(row.ID))

	// one more failure and the row leaves the backlog
	require.Error(t, r.publish(context.Background(), row))
	rows, err := store.FetchUnsentChanges(context.Background(), cfg.BatchSize, cfg.MaxAttempts)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRelay_MalformedRowIsNotPublished(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	r := New(store, pub, testConfig())

	row := pickRow(t, uuid.New(), time.Now())
	row.Entity = "scoreboard"
	store.add(row)

	err := r.publish(context.Background(), row)
	require.ErrorIs(t, err, events.ErrValidation)
	assert.Empty(t, pub.ids())
	assert.Equal(t, 1, store.failureCount(row.ID))
}

func TestChangeRow_DeleteEnvelope(t *testing.T) {
	row := pickRow(t, uuid.New(), time.Now())
	row.Change = string(events.ChangeDelete)
	row.OldRecord, row.Record = row.Record, pqtype.NullRawMessage{}

	ev, err := row.Envelope().Event(row.CommittedAt)
	require.NoError(t, err)
	assert.Nil(t, ev.New)
	require.NotNil(t, ev.Old)
	assert.Equal(t, events.EntityPick, ev.Old.Kind())
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fakeBacklog struct{ b Backlog }

func (f fakeBacklog) CountBacklog(context.Context, int32) (Backlog, error) { return f.b, nil }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

func TestHealth(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := New(newFakeStore(), &fakePublisher{}, testConfig(), WithClock(fc))
	counters := NewCounters()
	counters.RecordPublished("pick", true, time.Millisecond)

	t.Run("listener down", func(t *testing.T) {
		h := NewHealth(r, fakePinger{}, fakeBacklog{}, fakeConn(true), counters, time.Minute)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.False(t, status.ListenerActive)
		assert.True(t, status.DatabaseConnected)
		assert.Contains(t, status.Errors, "listener not active")
	})

	t.Run("stale backlog", func(t *testing.T) {
		r.running.Store(true)
		defer r.running.Store(false)
		old := sql.NullTime{Time: fc.Now().Add(-5 * time.Minute), Valid: true}
		h := NewHealth(r, fakePinger{}, fakeBacklog{Backlog{Pending: 3, OldestUnsent: old}}, fakeConn(true), counters, time.Minute)

		status := h.Check(context.Background())
		assert.False(t, status.Healthy)
		assert.EqualValues(t, 3, status.PendingChanges)
	})

	t.Run("healthy", func(t *testing.T) {
		r.running.Store(true)
		defer r.running.Store(false)
		h := NewHealth(r, fakePinger{}, fakeBacklog{}, fakeConn(true), counters, time.Minute)

		assert.True(t, h.Check(context.Background()).Healthy)

		rec := httptest.NewRecorder()
		h.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := rec.Body.String()
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, body, "relay_healthy 1")
		assert.Contains(t, body, `relay_changes_total{entity="pick",outcome="published"} 1`)
		assert.Contains(t, body, "relay_publish_duration_seconds_count{entity=\"pick\"} 1")
		assert.Contains(t, body, "go_goroutines")

		expected := `
# HELP relay_pending_changes Unsent changes still being retried
# TYPE relay_pending_changes gauge
relay_pending_changes 0
`
		assert.NoError(t, testutil.CollectAndCompare(healthCollector{h}, strings.NewReader(expected), "relay_pending_changes"))
	})

	t.Run("database down", func(t *testing.T) {
		r.running.Store(true)
		defer r.running.Store(false)
		h := NewHealth(r, fakePinger{err: errors.New("connection refused")}, fakeBacklog{}, fakeConn(false), nil, time.Minute)

		status := h.Check(context.Background())
		assert.False(t, status.Healthy)
		assert.False(t, status.DatabaseConnected)
		assert.False(t, status.NATSConnected)
	})
}
