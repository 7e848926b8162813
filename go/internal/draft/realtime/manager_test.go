package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/draftsync/go/internal/draft/backoff"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	mu           sync.Mutex
	tracked      []string
	untracked    int
	unsubscribed bool
}

func (s *fakeSub) Track(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, id)
	return nil
}

func (s *fakeSub) Untrack(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.untracked++
	return nil
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
	return nil
}

func (s *fakeSub) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

type fakeTransport struct {
	mu    sync.Mutex
	calls int
	sinks []Sink
	subs  []*fakeSub
	fail  func(call int) error
	gate  chan struct{}
}

func (f *fakeTransport) Subscribe(_ context.Context, _ RoomSpec, sink Sink) (Subscription, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	gate, failFn := f.gate, f.fail
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failFn != nil {
		if err := failFn(n); err != nil {
			return nil, err
		}
	}
	sub := &fakeSub{}
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) lastSink() Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[len(f.sinks)-1]
}

func (f *fakeTransport) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

// recorder collects callbacks for assertions.
type recorder struct {
	mu        sync.Mutex
	changes   []events.ChangeEvent
	states    []Status
	presence  [][]string
	broadcast []events.Broadcast
	snapshots []events.Snapshot
	errs      []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnDraftEvent: func(ev events.ChangeEvent) {
			r.mu.Lock()
			r.changes = append(r.changes, ev)
			r.mu.Unlock()
		},
		OnConnectionChange: func(st ConnectionState) {
			r.mu.Lock()
			r.states = append(r.states, st.Status)
			r.mu.Unlock()
		},
		OnPresenceChange: func(ids []string) {
			r.mu.Lock()
			r.presence = append(r.presence, ids)
			r.mu.Unlock()
		},
		OnBroadcast: func(b events.Broadcast) {
			r.mu.Lock()
			r.broadcast = append(r.broadcast, b)
			r.mu.Unlock()
		},
		OnSnapshot: func(s events.Snapshot) {
			r.mu.Lock()
			r.snapshots = append(r.snapshots, s)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.states...)
}

func testConfig() Config {
	cfg := DefaultConfig(uuid.New(), "alice")
	cfg.Backoff = backoff.Policy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3}
	cfg.SubscribeTimeout = time.Second
	return cfg
}

func pickChange(roomID uuid.UUID, id uuid.UUID, at time.Time) events.ChangeEvent {
	return events.ChangeEvent{
		RoomID: roomID,
		Entity: events.EntityPick,
		Change: events.ChangeInsert,
		New: &events.PickRecord{DraftPick: models.DraftPick{
			ID:        id,
			DraftID:   roomID,
			UpdatedAt: at,
		}},
	}
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State().Status == want
	}, 2*time.Second, 2*time.Millisecond, "waiting for %s, have %s", want, m.State())
}

func TestManager_SubscribeConnects(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	m := NewManager(testConfig(), tr, rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Subscribe(context.Background()))
	assert.Equal(t, StatusConnected, m.State().Status)
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, rec.statuses())

	// idempotent
	require.NoError(t, m.Subscribe(context.Background()))
	assert.Equal(t, 1, tr.callCount())

	sub := tr.lastSub()
	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.tracked) == 1 && sub.tracked[0] == "alice"
	}, time.Second, 2*time.Millisecond)
}

func TestManager_DeduplicatesWithinWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	rec := &recorder{}
	cfg := testConfig()
	m := NewManager(cfg, tr, rec.callbacks(), WithClock(clock))
	defer m.Cleanup()

	require.NoError(t, m.Subscribe(context.Background()))

	ev := pickChange(cfg.RoomID, uuid.New(), clock.Now())
	sink := tr.lastSink()
	sink.Change(ev)
	sink.Change(ev)

	other := pickChange(cfg.RoomID, uuid.New(), clock.Now())
	sink.Change(other)

	require.Eventually(t, func() bool { return rec.changeCount() == 2 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.changeCount())

	rec.mu.Lock()
	assert.Equal(t, ev.DedupKey(), rec.changes[0].DedupKey())
	assert.Equal(t, other.DedupKey(), rec.changes[1].DedupKey())
	rec.mu.Unlock()

	// outside the window the same key is a new delivery
	clock.Advance(cfg.DedupWindow + time.Millisecond)
	sink.Change(ev)
	require.Eventually(t, func() bool { return rec.changeCount() == 3 }, time.Second, 2*time.Millisecond)
}

func TestManager_BackoffExhaustsToFailed(t *testing.T) {
	boom := errors.New("channel error")
	tr := &fakeTransport{fail: func(int) error { return boom }}
	rec := &recorder{}
	m := NewManager(testConfig(), tr, rec.callbacks())
	defer m.Cleanup()

	err := m.Subscribe(context.Background())
	require.Error(t, err)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, boom)

	waitStatus(t, m, StatusFailed)
	// first attempt plus MaxAttempts retries
	assert.Equal(t, 4, tr.callCount())
	assert.ErrorIs(t, m.State().LastError, boom)

	states := rec.statuses()
	assert.Equal(t, StatusFailed, states[len(states)-1])
	assert.Contains(t, states, StatusReconnecting)

	// no more attempts once failed
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, tr.callCount())
}

func TestManager_RecoversFromTransientFailure(t *testing.T) {
	tr := &fakeTransport{fail: func(n int) error {
		if n <= 2 {
			return errors.New("timed out")
		}
		return nil
	}}
	m := NewManager(testConfig(), tr, Callbacks{})
	defer m.Cleanup()

	require.Error(t, m.Subscribe(context.Background()))
	waitStatus(t, m, StatusConnected)
	assert.Equal(t, 3, tr.callCount())
	assert.Equal(t, 0, m.State().RetryCount)
}

func TestManager_ReconnectsAfterChannelFailure(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	m := NewManager(testConfig(), tr, rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Subscribe(context.Background()))
	first := tr.lastSub()
	tr.lastSink().Fail(errors.New("socket closed"))

	require.Eventually(t, func() bool { return tr.callCount() == 2 }, 2*time.Second, 2*time.Millisecond)
	waitStatus(t, m, StatusConnected)
	require.Eventually(t, first.isUnsubscribed, time.Second, 2*time.Millisecond)

	assert.Equal(t, []Status{
		StatusConnecting, StatusConnected,
		StatusDisconnected, StatusReconnecting, StatusConnecting, StatusConnected,
	}, rec.statuses())
}

func TestManager_StaleDeliveriesIgnored(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	cfg := testConfig()
	m := NewManager(cfg, tr, rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Subscribe(context.Background()))
	old := tr.lastSink()
	old.Fail(errors.New("socket closed"))
	waitStatus(t, m, StatusConnected)
	require.Equal(t, 2, tr.callCount())

	old.Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))
	tr.lastSink().Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))

	require.Eventually(t, func() bool { return rec.changeCount() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.changeCount())
}

func TestManager_CleanupDropsLateSubscribeResult(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate}
	rec := &recorder{}
	m := NewManager(testConfig(), tr, rec.callbacks())

	done := make(chan error, 1)
	go func() { done <- m.Subscribe(context.Background()) }()

	require.Eventually(t, func() bool { return tr.callCount() == 1 }, time.Second, 2*time.Millisecond)
	m.Cleanup()
	assert.ErrorIs(t, <-done, ErrClosed)

	close(gate)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.subs) == 1
	}, time.Second, 2*time.Millisecond)
	require.Eventually(t, tr.lastSub().isUnsubscribed, time.Second, 2*time.Millisecond)

	assert.Equal(t, StatusDisconnected, m.State().Status)
	assert.NotContains(t, rec.statuses(), StatusConnected)
}

func TestManager_CleanupSilencesCallbacks(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	cfg := testConfig()
	m := NewManager(cfg, tr, rec.callbacks())

	require.NoError(t, m.Subscribe(context.Background()))
	sink := tr.lastSink()
	sub := tr.lastSub()
	before := len(rec.statuses())

	m.Cleanup()
	assert.True(t, sub.isUnsubscribed())
	sub.mu.Lock()
	assert.Equal(t, 1, sub.untracked)
	sub.mu.Unlock()

	sink.Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))
	sink.Presence(events.Presence{Kind: events.PresenceJoin, ParticipantIDs: []string{"bob"}})
	sink.Fail(errors.New("late"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, rec.changeCount())
	assert.Len(t, rec.statuses(), before)
	assert.False(t, m.IsUserOnline("bob"))
	assert.Equal(t, StatusDisconnected, m.State().Status)

	// a new session starts cleanly
	require.NoError(t, m.Subscribe(context.Background()))
	assert.Equal(t, StatusConnected, m.State().Status)
	m.Cleanup()
}

func TestManager_CleanupWaitsForAdmittedCallback(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	cfg := testConfig()
	m := NewManager(cfg, tr, rec.callbacks())

	var armed atomic.Bool
	admitted := make(chan struct{})
	gate := make(chan struct{})
	m.beforeDispatch = func() {
		if armed.CompareAndSwap(true, false) {
			close(admitted)
			<-gate
		}
	}

	require.NoError(t, m.Subscribe(context.Background()))
	armed.Store(true)
	tr.lastSink().Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))
	<-admitted

	cleaned := make(chan struct{})
	go func() {
		m.Cleanup()
		close(cleaned)
	}()

	select {
	case <-cleaned:
		t.Fatal("cleanup returned while an admitted callback had not started")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StatusDisconnected, m.State().Status, "the session is already torn down")

	close(gate)
	<-cleaned
	require.Eventually(t, func() bool { return rec.changeCount() == 1 }, time.Second, 2*time.Millisecond)

	// nothing is admitted afterwards
	tr.lastSink().Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.changeCount())
}

func TestManager_CleanupFromCallback(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	var calls atomic.Int32
	done := make(chan struct{})
	var m *Manager
	m = NewManager(cfg, tr, Callbacks{
		OnDraftEvent: func(events.ChangeEvent) {
			if calls.Add(1) == 1 {
				m.Cleanup()
				close(done)
			}
		},
	})

	require.NoError(t, m.Subscribe(context.Background()))
	sink := tr.lastSink()
	sink.Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))
	sink.Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup from inside a callback did not return")
	}
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, tr.lastSub().isUnsubscribed())
}

func TestManager_Presence(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	m := NewManager(testConfig(), tr, rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Subscribe(context.Background()))
	sink := tr.lastSink()

	sink.Presence(events.Presence{Kind: events.PresenceSync, ParticipantIDs: []string{"alice", "bob"}})
	sink.Presence(events.Presence{Kind: events.PresenceJoin, ParticipantIDs: []string{"carol"}})
	sink.Presence(events.Presence{Kind: events.PresenceJoin, ParticipantIDs: []string{"carol"}})
	sink.Presence(events.Presence{Kind: events.PresenceLeave, ParticipantIDs: []string{"alice"}})

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.presence) == 3
	}, time.Second, 2*time.Millisecond)

	assert.False(t, m.IsUserOnline("alice"))
	assert.True(t, m.IsUserOnline("bob"))
	assert.True(t, m.IsUserOnline("carol"))
	assert.Equal(t, []string{"bob", "carol"}, m.Presence())

	rec.mu.Lock()
	assert.Equal(t, []string{"alice", "bob", "carol"}, rec.presence[1])
	rec.mu.Unlock()
}

func TestManager_Broadcast(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	m := NewManager(testConfig(), tr, rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Subscribe(context.Background()))
	tr.lastSink().Broadcast(events.Broadcast{Event: events.BroadcastRoomDeleted})

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.broadcast) == 1
	}, time.Second, 2*time.Millisecond)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFetcher) FetchSnapshot(_ context.Context, roomID uuid.UUID) (events.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return events.Snapshot{}, f.err
	}
	return events.Snapshot{Room: models.DraftRoom{ID: roomID}}, nil
}

func TestManager_Refresh(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	f := &fakeFetcher{}
	cfg := testConfig()
	m := NewManager(cfg, tr, rec.callbacks(), WithFetcher(f))

	assert.ErrorIs(t, m.Refresh(context.Background()), ErrNotSubscribed)

	require.NoError(t, m.Subscribe(context.Background()))
	require.NoError(t, m.Refresh(context.Background()))
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.snapshots) == 1 && rec.snapshots[0].Room.ID == cfg.RoomID
	}, time.Second, 2*time.Millisecond)

	m.Cleanup()
	assert.ErrorIs(t, m.Refresh(context.Background()), ErrNotSubscribed)

	noFetcher := NewManager(cfg, tr, Callbacks{})
	assert.Error(t, noFetcher.Refresh(context.Background()))
}

func TestManager_BurstTriggersRefresh(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	f := &fakeFetcher{}
	cfg := testConfig()
	cfg.BurstThreshold = 5
	cfg.BurstWindow = time.Minute
	m := NewManager(cfg, tr, rec.callbacks(), WithFetcher(f))
	defer m.Cleanup()

	require.NoError(t, m.Subscribe(context.Background()))
	sink := tr.lastSink()
	for i := 0; i < 6; i++ {
		sink.Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))
	}

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.snapshots) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 6, rec.changeCount())
}

func TestManager_ManualReconnectFromFailed(t *testing.T) {
	var (
		mu      sync.Mutex
		healthy bool
	)
	tr := &fakeTransport{fail: func(int) error {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil
		}
		return errors.New("down")
	}}
	m := NewManager(testConfig(), tr, Callbacks{})
	defer m.Cleanup()

	require.Error(t, m.Subscribe(context.Background()))
	waitStatus(t, m, StatusFailed)

	mu.Lock()
	healthy = true
	mu.Unlock()

	require.NoError(t, m.Reconnect(context.Background()))
	assert.Equal(t, StatusConnected, m.State().Status)
	assert.Equal(t, 0, m.State().RetryCount)
}

func TestManager_SetCallbacksKeepsSubscription(t *testing.T) {
	tr := &fakeTransport{}
	first, second := &recorder{}, &recorder{}
	cfg := testConfig()
	m := NewManager(cfg, tr, first.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Subscribe(context.Background()))
	m.SetCallbacks(second.callbacks())
	tr.lastSink().Change(pickChange(cfg.RoomID, uuid.New(), time.Now()))

	require.Eventually(t, func() bool { return second.changeCount() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, first.changeCount())
	assert.Equal(t, 1, tr.callCount())
}
