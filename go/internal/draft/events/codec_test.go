package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Pick(t *testing.T) {
	player := uuid.New()
	stamp := time.Date(2026, 9, 6, 18, 0, 0, 0, time.UTC)
	ev := ChangeEvent{
		RoomID: uuid.New(),
		Entity: EntityPick,
		Change: ChangeInsert,
		New: &PickRecord{models.DraftPick{
			ID:          uuid.New(),
			Round:       1,
			Pick:        2,
			OverallPick: 2,
			TeamID:      uuid.New(),
			PlayerID:    &player,
			UpdatedAt:   stamp,
		}},
		ObservedAt: stamp,
	}

	data, err := Encode(uuid.New(), ev)
	require.NoError(t, err)

	got, err := Decode(data, stamp.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ev.DedupKey(), got.DedupKey())
	pick, ok := got.New.(*PickRecord)
	require.True(t, ok)
	assert.Equal(t, player, *pick.PlayerID)
	assert.Nil(t, got.Old)
}

func TestDedupKey_DeleteUsesPriorStamp(t *testing.T) {
	id := uuid.New()
	stamp := time.Date(2026, 9, 6, 18, 0, 0, 0, time.UTC)
	del := ChangeEvent{
		Entity:     EntityTeam,
		Change:     ChangeDelete,
		Old:        &TeamRecord{models.Team{ID: id, UpdatedAt: stamp}},
		ObservedAt: stamp.Add(time.Minute),
	}
	again := del
	again.ObservedAt = stamp.Add(2 * time.Minute)

	assert.Equal(t, del.DedupKey(), again.DedupKey())
	assert.Contains(t, del.DedupKey(), id.String())
}

func TestDraftRecord_TimeLimitSurvivesWire(t *testing.T) {
	room := models.DraftRoom{ID: uuid.New(), PerPickTimeLimit: 90 * time.Second}
	data, err := Encode(uuid.New(), ChangeEvent{
		RoomID: room.ID,
		Entity: EntityDraft,
		Change: ChangeUpdate,
		New:    NewDraftRecord(room),
	})
	require.NoError(t, err)

	ev, err := Decode(data, time.Now())
	require.NoError(t, err)
	d, ok := ev.Draft()
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d.Room().PerPickTimeLimit)
}

func TestSnapshot_JSONKeepsTimeLimit(t *testing.T) {
	snap := Snapshot{
		Room:      models.DraftRoom{ID: uuid.New(), Rounds: 3, PerPickTimeLimit: 45 * time.Second},
		Teams:     []models.Team{{ID: uuid.New(), Name: "Gophers"}},
		FetchedAt: time.Date(2026, 9, 6, 18, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"per_pick_time_limit_sec":45`)

	var got Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 45*time.Second, got.Room.PerPickTimeLimit)
	assert.Equal(t, snap.Room.ID, got.Room.ID)
	assert.Equal(t, "Gophers", got.Teams[0].Name)
	assert.True(t, snap.FetchedAt.Equal(got.FetchedAt))
}

func TestDecode_Malformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        `{`,
		"unknown entity":  `{"entity":"league","change":"insert","record":{}}`,
		"unknown change":  `{"entity":"team","change":"upsert","record":{}}`,
		"insert no image": `{"entity":"team","change":"insert"}`,
		"delete no image": `{"entity":"team","change":"delete"}`,
		"bad record":      `{"entity":"team","change":"update","record":{"id":"nope"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw), time.Now())
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}
