package roomapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/store"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu    sync.Mutex
	keys  map[string]int
	picks []store.PickRequest
	joins []store.MembershipRequest
	rooms map[uuid.UUID]events.Snapshot
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{keys: make(map[string]int), rooms: make(map[uuid.UUID]events.Snapshot)}
}

func (f *fakeBackend) claim(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key]++
	return f.keys[key] == 1
}

func (f *fakeBackend) PlacePick(_ context.Context, key string, req store.PickRequest) error {
	if req.TurnNumber < 1 {
		return fmt.Errorf("%w: turn %d", events.ErrValidation, req.TurnNumber)
	}
	if !f.claim(key) {
		return nil
	}
	f.mu.Lock()
	f.picks = append(f.picks, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) PlaceBid(context.Context, string, store.BidRequest) error {
	return fmt.Errorf("lot table locked")
}

func (f *fakeBackend) JoinRoom(_ context.Context, key string, req store.MembershipRequest) error {
	if !f.claim(key) {
		return nil
	}
	f.mu.Lock()
	f.joins = append(f.joins, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) LeaveRoom(context.Context, string, store.MembershipRequest) error { return nil }

func (f *fakeBackend) FetchSnapshot(_ context.Context, roomID uuid.UUID) (events.Snapshot, error) {
	snap, ok := f.rooms[roomID]
	if !ok {
		return events.Snapshot{}, fmt.Errorf("room %s: %w", roomID, events.ErrNotFound)
	}
	return snap, nil
}

func serve(t *testing.T, b *fakeBackend) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(NewHandler(b, b))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL)
}

func TestClient_MutationsRoundTrip(t *testing.T) {
	b := newFakeBackend()
	c := serve(t, b)
	ctx := context.Background()

	player := uuid.New()
	req := store.PickRequest{RoomID: uuid.New(), TeamID: uuid.New(), PlayerID: &player, TurnNumber: 4}
	require.NoError(t, c.PlacePick(ctx, "pick:1", req))
	// same key again is absorbed by the backend
	require.NoError(t, c.PlacePick(ctx, "pick:1", req))

	team := uuid.New()
	require.NoError(t, c.JoinRoom(ctx, "join:1", store.MembershipRequest{RoomID: req.RoomID, UserID: uuid.New(), TeamID: &team, Username: "ada"}))

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.picks, 1)
	assert.Equal(t, req.TeamID, b.picks[0].TeamID)
	assert.Equal(t, player, *b.picks[0].PlayerID)
	assert.Equal(t, 4, b.picks[0].TurnNumber)
	assert.Equal(t, 2, b.keys["pick:1"])
	require.Len(t, b.joins, 1)
	assert.Equal(t, "ada", b.joins[0].Username)
	assert.Equal(t, team, *b.joins[0].TeamID)
}

func TestClient_ErrorMapping(t *testing.T) {
	c := serve(t, newFakeBackend())
	ctx := context.Background()

	err := c.PlacePick(ctx, "pick:bad", store.PickRequest{RoomID: uuid.New()})
	require.ErrorIs(t, err, events.ErrValidation)
	assert.Contains(t, err.Error(), "turn 0")

	err = c.PlaceBid(ctx, "bid:1", store.BidRequest{RoomID: uuid.New(), Amount: 5})
	require.Error(t, err)
	assert.NotErrorIs(t, err, events.ErrValidation, "transient failures stay retryable")

	_, err = c.FetchSnapshot(ctx, uuid.New())
	assert.ErrorIs(t, err, events.ErrNotFound)
}

func TestClient_FetchSnapshotKeepsTimeLimit(t *testing.T) {
	b := newFakeBackend()
	roomID := uuid.New()
	b.rooms[roomID] = events.Snapshot{
		Room: models.DraftRoom{
			ID:               roomID,
			Status:           models.DraftStatusActive,
			Rounds:           2,
			PerPickTimeLimit: 75 * time.Second,
			TeamOrder:        []uuid.UUID{uuid.New(), uuid.New()},
		},
		Picks: []models.DraftPick{{ID: uuid.New(), DraftID: roomID, Round: 1, Pick: 1, OverallPick: 1}},
	}
	c := serve(t, b)

	snap, err := c.FetchSnapshot(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, 75*time.Second, snap.Room.PerPickTimeLimit)
	assert.Equal(t, models.DraftStatusActive, snap.Room.Status)
	assert.Len(t, snap.Room.TeamOrder, 2)
	assert.Len(t, snap.Picks, 1)
}

func TestHandler_RequiresIdempotencyKey(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle(NewHandler(newFakeBackend(), nil))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := srv.Client().Post(srv.URL+JoinRoomProcedure, "application/json", strings.NewReader(`{"room_id":"`+uuid.NewString()+`"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	c := NewClient(srv.Client(), srv.URL)
	_, err = c.FetchSnapshot(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
