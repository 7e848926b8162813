package models

import (
	"time"

	"github.com/google/uuid"
)

// DraftType defines the type of draft.
type DraftType string

const (
	DraftTypeSnake   DraftType = "snake"
	DraftTypeAuction DraftType = "auction"
)

// DraftStatus defines the status of a draft room.
type DraftStatus string

const (
	DraftStatusSetup     DraftStatus = "setup"
	DraftStatusActive    DraftStatus = "active"
	DraftStatusPaused    DraftStatus = "paused"
	DraftStatusCompleted DraftStatus = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s DraftStatus) Valid() bool {
	switch s {
	case DraftStatusSetup, DraftStatusActive, DraftStatusPaused, DraftStatusCompleted:
		return true
	}
	return false
}

// DraftRoom is the shared state of one drafting session.
type DraftRoom struct {
	ID               uuid.UUID     `json:"id"`
	Name             string        `json:"name"`
	DraftType        DraftType     `json:"draft_type"`
	Status           DraftStatus   `json:"status"`
	CurrentTurnIndex int           `json:"current_turn_index"` // 0-based, only ever increases
	CurrentRound     int           `json:"current_round"`
	Rounds           int           `json:"rounds"`
	PerPickTimeLimit time.Duration `json:"-"`
	TeamOrder        []uuid.UUID   `json:"team_order,omitempty"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TurnNumber is the 1-based, monotonically increasing turn counter.
func (d DraftRoom) TurnNumber() int {
	return d.CurrentTurnIndex + 1
}

// TotalTurns is the number of picks in the whole draft.
func (d DraftRoom) TotalTurns() int {
	return d.Rounds * len(d.TeamOrder)
}

// TeamOnTurn returns the team that acts at the given 0-based turn index using
// snake ordering: odd rounds run forward, even rounds reverse.
func (d DraftRoom) TeamOnTurn(turnIndex int) (uuid.UUID, bool) {
	n := len(d.TeamOrder)
	if n == 0 || turnIndex < 0 || (d.Rounds > 0 && turnIndex >= d.TotalTurns()) {
		return uuid.Nil, false
	}
	round := turnIndex / n
	pos := turnIndex % n
	if d.DraftType != DraftTypeAuction && round%2 == 1 {
		pos = n - 1 - pos
	}
	return d.TeamOrder[pos], true
}
