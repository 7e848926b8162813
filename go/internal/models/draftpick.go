package models

import (
	"time"

	"github.com/google/uuid"
)

// DraftPick represents a single pick in a draft.
type DraftPick struct {
	ID          uuid.UUID  `json:"id"`
	DraftID     uuid.UUID  `json:"draft_id"`
	Round       int        `json:"round"`
	Pick        int        `json:"pick"`         // pick number in the round
	OverallPick int        `json:"overall_pick"` // pick number overall
	TeamID      uuid.UUID  `json:"team_id"`
	PlayerID    *uuid.UUID `json:"player_id,omitempty"` // nil when the turn was skipped
	AutoPicked  bool       `json:"auto_picked"`
	PickedAt    time.Time  `json:"picked_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// WishlistEntry is one ranked player on a team's auto-pick wishlist.
type WishlistEntry struct {
	PlayerID uuid.UUID `json:"player_id"`
	Rank     int       `json:"rank"` // lower is preferred
}
