package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mcdev12/draftsync/go/internal/models"
)

// ErrValidation marks malformed local or wire input. It is never retried.
var ErrValidation = errors.New("validation error")

// ErrNotFound marks a room or record that does not exist.
var ErrNotFound = errors.New("not found")

// PresenceKind is the presence sub-protocol message type.
type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// Presence carries a full membership list (sync) or a delta (join/leave).
type Presence struct {
	Kind           PresenceKind
	ParticipantIDs []string
}

// BroadcastRoomDeleted is sent out of band when a room is torn down.
const BroadcastRoomDeleted = "room_deleted"

// Broadcast is an out-of-band room signal.
type Broadcast struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Snapshot is a full reconciliation read of a room.
type Snapshot struct {
	Room         models.DraftRoom     `json:"room"`
	Teams        []models.Team        `json:"teams"`
	Picks        []models.DraftPick   `json:"picks"`
	Participants []models.Participant `json:"participants"`
	Lots         []models.AuctionLot  `json:"lots"`
	FetchedAt    time.Time            `json:"fetched_at"`
}

type snapshotWire struct {
	Room         *DraftRecord         `json:"room"`
	Teams        []models.Team        `json:"teams"`
	Picks        []models.DraftPick   `json:"picks"`
	Participants []models.Participant `json:"participants"`
	Lots         []models.AuctionLot  `json:"lots"`
	FetchedAt    time.Time            `json:"fetched_at"`
}

// MarshalJSON writes the room through its wire image so the pick time limit
// is kept.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotWire{
		Room:         NewDraftRecord(s.Room),
		Teams:        s.Teams,
		Picks:        s.Picks,
		Participants: s.Participants,
		Lots:         s.Lots,
		FetchedAt:    s.FetchedAt,
	})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Snapshot{
		Teams:        w.Teams,
		Picks:        w.Picks,
		Participants: w.Participants,
		Lots:         w.Lots,
		FetchedAt:    w.FetchedAt,
	}
	if w.Room != nil {
		s.Room = w.Room.Room()
	}
	return nil
}
