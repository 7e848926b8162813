package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snakeRoom(teams ...uuid.UUID) models.DraftRoom {
	return models.DraftRoom{
		ID:        uuid.New(),
		DraftType: models.DraftTypeSnake,
		Status:    models.DraftStatusActive,
		Rounds:    2,
		TeamOrder: teams,
	}
}

func TestNextTurn(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	room := snakeRoom(a, b)

	next, err := nextTurn(room, PickRequest{RoomID: room.ID, TeamID: a, TurnNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, next.CurrentTurnIndex)
	assert.Equal(t, 1, next.CurrentRound)
	assert.Equal(t, models.DraftStatusActive, next.Status)

	room.CurrentTurnIndex = 1
	_, err = nextTurn(room, PickRequest{TeamID: a, TurnNumber: 2})
	assert.ErrorIs(t, err, events.ErrValidation, "team b is on the clock")

	_, err = nextTurn(room, PickRequest{TeamID: b, TurnNumber: 1})
	assert.ErrorIs(t, err, events.ErrValidation, "stale turn")

	next, err = nextTurn(room, PickRequest{TeamID: b, TurnNumber: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, next.CurrentRound)

	// snake: b picks again at the start of round two, a closes the draft
	room.CurrentTurnIndex = 3
	next, err = nextTurn(room, PickRequest{TeamID: a, TurnNumber: 4})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusCompleted, next.Status)

	room.Status = models.DraftStatusPaused
	_, err = nextTurn(room, PickRequest{TeamID: a, TurnNumber: 4})
	assert.ErrorIs(t, err, events.ErrValidation)
}

func TestCheckBid(t *testing.T) {
	roomID := uuid.New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	closes := now.Add(time.Minute)
	lot := models.AuctionLot{DraftID: roomID, HighBid: 10, Status: models.AuctionStatusOpen, ClosesAt: &closes}
	team := models.Team{DraftID: roomID, Budget: 50}

	assert.NoError(t, checkBid(lot, team, BidRequest{RoomID: roomID, Amount: 11}, now))
	assert.ErrorIs(t, checkBid(lot, team, BidRequest{RoomID: roomID, Amount: 10}, now), events.ErrValidation)
	assert.ErrorIs(t, checkBid(lot, team, BidRequest{RoomID: roomID, Amount: 51}, now), events.ErrValidation)
	assert.ErrorIs(t, checkBid(lot, team, BidRequest{RoomID: roomID, Amount: 11}, closes), events.ErrValidation)
	assert.ErrorIs(t, checkBid(lot, team, BidRequest{RoomID: uuid.New(), Amount: 11}, now), events.ErrValidation)

	lot.Status = models.AuctionStatusSold
	assert.ErrorIs(t, checkBid(lot, team, BidRequest{RoomID: roomID, Amount: 11}, now), events.ErrValidation)
}

func TestClassify(t *testing.T) {
	unique := &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
	assert.ErrorIs(t, classify(unique), events.ErrValidation)

	conn := &pq.Error{Code: "08006", Message: "connection failure"}
	assert.NotErrorIs(t, classify(conn), events.ErrValidation)

	other := errors.New("timeout")
	assert.Equal(t, other, classify(other))
}

// TestPostgres runs against a scratch database named by
// DRAFTSYNC_TEST_DATABASE_URL.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("DRAFTSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DRAFTSYNC_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	ctx := context.Background()
	roomID, teamA, teamB, owner := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	_, err = db.ExecContext(ctx, `INSERT INTO draft_rooms (id, name, draft_type, status, rounds, team_order)
		VALUES ($1, 'test', 'snake', 'active', 1, $2)`, roomID, pq.Array([]string{teamA.String(), teamB.String()}))
	require.NoError(t, err)
	for _, id := range []uuid.UUID{teamA, teamB} {
		_, err = db.ExecContext(ctx, `INSERT INTO teams (id, draft_id, owner_id, name) VALUES ($1, $2, $3, $4)`,
			id, roomID, owner, id.String())
		require.NoError(t, err)
	}

	s := New(db)
	player := uuid.New()
	pick := PickRequest{RoomID: roomID, TeamID: teamA, PlayerID: &player, TurnNumber: 1}
	require.NoError(t, s.PlacePick(ctx, "k1", pick))
	require.NoError(t, s.PlacePick(ctx, "k1", pick), "retry with the same key is a no-op")

	err = s.PlacePick(ctx, "k2", PickRequest{RoomID: roomID, TeamID: teamB, PlayerID: &player, TurnNumber: 2})
	assert.ErrorIs(t, err, events.ErrValidation, "player already drafted")

	require.NoError(t, s.JoinRoom(ctx, "j1", MembershipRequest{RoomID: roomID, UserID: owner, TeamID: &teamA, Username: "alice"}))

	snap, err := s.FetchSnapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Room.CurrentTurnIndex)
	require.Len(t, snap.Picks, 1)
	assert.Equal(t, &player, snap.Picks[0].PlayerID)
	require.Len(t, snap.Participants, 1)

	var logged int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM draft_change_log WHERE draft_id = $1`, roomID).Scan(&logged))
	assert.Greater(t, logged, 0)
}
