package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is a user seated in a draft room.
type Participant struct {
	ID        uuid.UUID  `json:"id"`
	DraftID   uuid.UUID  `json:"draft_id"`
	UserID    uuid.UUID  `json:"user_id"`
	TeamID    *uuid.UUID `json:"team_id,omitempty"`
	Username  string     `json:"username"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}
