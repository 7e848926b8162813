package room

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(kind events.ChangeKind, rec events.Record) events.ChangeEvent {
	ev := events.ChangeEvent{Entity: rec.Kind(), Change: kind, ObservedAt: time.Now()}
	if kind == events.ChangeDelete {
		ev.Old = rec
	} else {
		ev.New = rec
	}
	return ev
}

func TestMirror_DraftRecordsOnlyMoveForward(t *testing.T) {
	m := NewMirror()
	a, b := uuid.New(), uuid.New()
	t0 := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	room := models.DraftRoom{
		ID:               uuid.New(),
		DraftType:        models.DraftTypeSnake,
		Status:           models.DraftStatusActive,
		Rounds:           3,
		PerPickTimeLimit: 90 * time.Second,
		TeamOrder:        []uuid.UUID{a, b},
		UpdatedAt:        t0,
	}
	require.True(t, m.Apply(change(events.ChangeInsert, events.NewDraftRecord(room))))

	tc, ok := m.TurnContext(b)
	require.True(t, ok)
	assert.Equal(t, 1, tc.TurnNumber)
	assert.Equal(t, a, tc.TeamID)
	assert.False(t, tc.IsUserTurn)
	assert.Equal(t, 90*time.Second, tc.TimeLimit)

	// snake: b closes round one and opens round two
	for _, idx := range []int{1, 2} {
		room.CurrentTurnIndex = idx
		room.UpdatedAt = room.UpdatedAt.Add(time.Second)
		require.True(t, m.Apply(change(events.ChangeUpdate, events.NewDraftRecord(room))))
		tc, _ = m.TurnContext(b)
		assert.True(t, tc.IsUserTurn, "turn %d", tc.TurnNumber)
	}

	stale := room
	stale.CurrentTurnIndex = 0
	stale.UpdatedAt = t0
	assert.False(t, m.Apply(change(events.ChangeUpdate, events.NewDraftRecord(stale))))
	cur, _ := m.Room()
	assert.Equal(t, 2, cur.CurrentTurnIndex)
}

func TestMirror_DraftedPlayers(t *testing.T) {
	m := NewMirror()
	player := uuid.New()
	pick := models.DraftPick{ID: uuid.New(), OverallPick: 1, PlayerID: &player, UpdatedAt: time.Now()}

	m.Hold(player)
	assert.True(t, m.IsDrafted(player))
	m.Release(player)
	assert.False(t, m.IsDrafted(player))

	m.Hold(player)
	require.True(t, m.Apply(change(events.ChangeInsert, &events.PickRecord{DraftPick: pick})))
	assert.True(t, m.IsDrafted(player))
	m.Release(player)
	assert.True(t, m.IsDrafted(player), "confirmed picks outlive the local hold")

	require.True(t, m.Apply(change(events.ChangeDelete, &events.PickRecord{DraftPick: pick})))
	assert.False(t, m.IsDrafted(player))
	assert.False(t, m.Apply(change(events.ChangeDelete, &events.PickRecord{DraftPick: pick})))
}

func TestMirror_LoadKeepsHolds(t *testing.T) {
	m := NewMirror()
	held, confirmed := uuid.New(), uuid.New()
	m.Hold(held)

	team := models.Team{ID: uuid.New(), Name: "Gridiron", UpdatedAt: time.Now()}
	left := time.Now()
	m.Load(events.Snapshot{
		Room:  models.DraftRoom{ID: uuid.New()},
		Teams: []models.Team{team},
		Picks: []models.DraftPick{
			{ID: uuid.New(), OverallPick: 2, PlayerID: &confirmed},
			{ID: uuid.New(), OverallPick: 1},
		},
		Participants: []models.Participant{
			{ID: uuid.New(), Username: "alice"},
			{ID: uuid.New(), Username: "bob", LeftAt: &left},
		},
	})

	assert.True(t, m.IsDrafted(held))
	assert.True(t, m.IsDrafted(confirmed))
	got, ok := m.Team(team.ID)
	require.True(t, ok)
	assert.Equal(t, "Gridiron", got.Name)

	picks := m.Picks()
	require.Len(t, picks, 2)
	assert.Equal(t, 1, picks[0].OverallPick)

	seated := m.Participants()
	require.Len(t, seated, 1)
	assert.Equal(t, "alice", seated[0].Username)
}

func TestMirror_OlderTeamUpdateIgnored(t *testing.T) {
	m := NewMirror()
	now := time.Now()
	team := models.Team{ID: uuid.New(), Budget: 180, UpdatedAt: now}
	require.True(t, m.Apply(change(events.ChangeUpdate, &events.TeamRecord{Team: team})))

	older := team
	older.Budget = 200
	older.UpdatedAt = now.Add(-time.Second)
	assert.False(t, m.Apply(change(events.ChangeUpdate, &events.TeamRecord{Team: older})))

	got, _ := m.Team(team.ID)
	assert.Equal(t, 180, got.Budget)
}

func TestMirror_OptimisticBid(t *testing.T) {
	m := NewMirror()
	lot := models.AuctionLot{ID: uuid.New(), HighBid: 10, Status: models.AuctionStatusOpen, UpdatedAt: time.Now()}
	require.True(t, m.Apply(change(events.ChangeInsert, &events.AuctionRecord{AuctionLot: lot})))

	team := uuid.New()
	prev, ok := m.raiseBid(lot.ID, team, 15)
	require.True(t, ok)
	got, _ := m.Lot(lot.ID)
	assert.Equal(t, 15, got.HighBid)

	m.restoreLot(prev)
	got, _ = m.Lot(lot.ID)
	assert.Equal(t, lot, got)
}
