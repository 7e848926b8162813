package room

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/turntimer"
	"github.com/mcdev12/draftsync/go/internal/models"
)

// Mirror is the cached, event-driven copy of one room. A record only
// replaces the cached one when it is not older.
type Mirror struct {
	mu           sync.RWMutex
	room         models.DraftRoom
	hasRoom      bool
	teams        map[uuid.UUID]models.Team
	picks        map[uuid.UUID]models.DraftPick
	participants map[uuid.UUID]models.Participant
	lots         map[uuid.UUID]models.AuctionLot
	// players drafted by a confirmed pick, and players held by a local
	// optimistic pick that has not been confirmed yet
	drafted map[uuid.UUID]uuid.UUID
	pending map[uuid.UUID]struct{}
}

func NewMirror() *Mirror {
	m := &Mirror{}
	m.reset()
	return m
}

func (m *Mirror) reset() {
	m.room = models.DraftRoom{}
	m.hasRoom = false
	m.teams = make(map[uuid.UUID]models.Team)
	m.picks = make(map[uuid.UUID]models.DraftPick)
	m.participants = make(map[uuid.UUID]models.Participant)
	m.lots = make(map[uuid.UUID]models.AuctionLot)
	m.drafted = make(map[uuid.UUID]uuid.UUID)
	if m.pending == nil {
		m.pending = make(map[uuid.UUID]struct{})
	}
}

// Load replaces the mirror with a full snapshot. Local optimistic holds
// survive.
func (m *Mirror) Load(s events.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	m.room = s.Room
	m.hasRoom = s.Room.ID != uuid.Nil
	for _, t := range s.Teams {
		m.teams[t.ID] = t
	}
	for _, p := range s.Picks {
		m.putPickLocked(p)
	}
	for _, p := range s.Participants {
		m.participants[p.ID] = p
	}
	for _, l := range s.Lots {
		m.lots[l.ID] = l
	}
}

// Apply folds one change event into the mirror. It reports whether the
// mirror changed.
func (m *Mirror) Apply(ev events.ChangeEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	del := ev.Change == events.ChangeDelete
	switch r := ev.Record().(type) {
	case *events.DraftRecord:
		room := r.Room()
		if del {
			if m.hasRoom && m.room.ID == room.ID {
				m.room = models.DraftRoom{}
				m.hasRoom = false
				return true
			}
			return false
		}
		if m.hasRoom && room.UpdatedAt.Before(m.room.UpdatedAt) {
			return false
		}
		m.room = room
		m.hasRoom = true

	case *events.TeamRecord:
		return applyRecord(m.teams, r.ID, r.Team, del, func(t models.Team) bool {
			return t.UpdatedAt.After(r.UpdatedAt)
		})

	case *events.PickRecord:
		if del {
			old, ok := m.picks[r.ID]
			if !ok {
				return false
			}
			delete(m.picks, r.ID)
			if old.PlayerID != nil {
				delete(m.drafted, *old.PlayerID)
			}
			return true
		}
		if cur, ok := m.picks[r.ID]; ok && cur.UpdatedAt.After(r.UpdatedAt) {
			return false
		}
		m.putPickLocked(r.DraftPick)

	case *events.ParticipantRecord:
		return applyRecord(m.participants, r.ID, r.Participant, del, func(p models.Participant) bool {
			return p.UpdatedAt.After(r.UpdatedAt)
		})

	case *events.AuctionRecord:
		return applyRecord(m.lots, r.ID, r.AuctionLot, del, func(l models.AuctionLot) bool {
			return l.UpdatedAt.After(r.UpdatedAt)
		})

	default:
		return false
	}
	return true
}

func applyRecord[T any](into map[uuid.UUID]T, id uuid.UUID, rec T, del bool, newer func(T) bool) bool {
	cur, ok := into[id]
	if del {
		if !ok {
			return false
		}
		delete(into, id)
		return true
	}
	if ok && newer(cur) {
		return false
	}
	into[id] = rec
	return true
}

func (m *Mirror) putPickLocked(p models.DraftPick) {
	if old, ok := m.picks[p.ID]; ok && old.PlayerID != nil {
		delete(m.drafted, *old.PlayerID)
	}
	m.picks[p.ID] = p
	if p.PlayerID != nil {
		m.drafted[*p.PlayerID] = p.ID
		delete(m.pending, *p.PlayerID)
	}
}

// Hold marks a player as taken by a local pick that has not been confirmed.
func (m *Mirror) Hold(playerID uuid.UUID) {
	m.mu.Lock()
	m.pending[playerID] = struct{}{}
	m.mu.Unlock()
}

// Release drops a local hold, e.g. when the pick was rolled back.
func (m *Mirror) Release(playerID uuid.UUID) {
	m.mu.Lock()
	delete(m.pending, playerID)
	m.mu.Unlock()
}

// IsDrafted reports whether the player is taken, counting local holds.
func (m *Mirror) IsDrafted(playerID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.drafted[playerID]; ok {
		return true
	}
	_, ok := m.pending[playerID]
	return ok
}

// Room returns the cached room record.
func (m *Mirror) Room() (models.DraftRoom, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.room, m.hasRoom
}

func (m *Mirror) Team(id uuid.UUID) (models.Team, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[id]
	return t, ok
}

// Picks returns the confirmed picks in draft order.
func (m *Mirror) Picks() []models.DraftPick {
	m.mu.RLock()
	out := make([]models.DraftPick, 0, len(m.picks))
	for _, p := range m.picks {
		out = append(out, p)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.DraftPick) int { return a.OverallPick - b.OverallPick })
	return out
}

// Participants returns the participants still seated in the room.
func (m *Mirror) Participants() []models.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		if p.LeftAt == nil {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b models.Participant) int { return a.JoinedAt.Compare(b.JoinedAt) })
	return out
}

func (m *Mirror) Lot(id uuid.UUID) (models.AuctionLot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lots[id]
	return l, ok
}

// TurnContext derives what the turn timer needs for the local team.
func (m *Mirror) TurnContext(localTeam uuid.UUID) (turntimer.TurnContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasRoom {
		return turntimer.TurnContext{}, false
	}
	onClock, _ := m.room.TeamOnTurn(m.room.CurrentTurnIndex)
	return turntimer.TurnContext{
		RoomID:     m.room.ID,
		TeamID:     onClock,
		TurnNumber: m.room.TurnNumber(),
		IsUserTurn: onClock != uuid.Nil && onClock == localTeam,
		Status:     m.room.Status,
		TimeLimit:  m.room.PerPickTimeLimit,
	}, true
}

// raiseBid records a local optimistic bid and returns the lot as it was.
func (m *Mirror) raiseBid(lotID, teamID uuid.UUID, amount int) (models.AuctionLot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.lots[lotID]
	if !ok {
		return models.AuctionLot{}, false
	}
	next := prev
	next.HighBid = amount
	next.HighBidderID = &teamID
	m.lots[lotID] = next
	return prev, true
}

// restoreLot undoes raiseBid unless a confirmed update replaced the lot in
// the meantime.
func (m *Mirror) restoreLot(prev models.AuctionLot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.lots[prev.ID]; ok && cur.UpdatedAt.Equal(prev.UpdatedAt) {
		m.lots[prev.ID] = prev
	}
}
