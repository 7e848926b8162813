package models

import (
	"time"

	"github.com/google/uuid"
)

// Team is one drafting side in a room.
type Team struct {
	ID        uuid.UUID `json:"id"`
	DraftID   uuid.UUID `json:"draft_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Name      string    `json:"name"`
	Budget    int       `json:"budget"` // auction budget remaining
	Roster    int       `json:"roster"` // filled roster slots
	UpdatedAt time.Time `json:"updated_at"`
}
