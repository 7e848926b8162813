package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/models"
)

// Record is the strongly typed payload of a ChangeEvent. Each entity kind has
// exactly one implementation.
type Record interface {
	Kind() EntityKind
	RecordID() uuid.UUID
	Stamp() time.Time
}

// DraftRecord is the wire image of a draft room row.
type DraftRecord struct {
	models.DraftRoom
	PerPickTimeLimitSec int `json:"per_pick_time_limit_sec"`
}

func (r *DraftRecord) Kind() EntityKind    { return EntityDraft }
func (r *DraftRecord) RecordID() uuid.UUID { return r.ID }
func (r *DraftRecord) Stamp() time.Time    { return r.UpdatedAt }

// Room returns the record as a DraftRoom with the time limit filled in.
func (r *DraftRecord) Room() models.DraftRoom {
	room := r.DraftRoom
	room.PerPickTimeLimit = time.Duration(r.PerPickTimeLimitSec) * time.Second
	return room
}

// NewDraftRecord builds the wire image of room.
func NewDraftRecord(room models.DraftRoom) *DraftRecord {
	return &DraftRecord{DraftRoom: room, PerPickTimeLimitSec: int(room.PerPickTimeLimit / time.Second)}
}

// TeamRecord is the wire image of a team row.
type TeamRecord struct{ models.Team }

func (r *TeamRecord) Kind() EntityKind    { return EntityTeam }
func (r *TeamRecord) RecordID() uuid.UUID { return r.ID }
func (r *TeamRecord) Stamp() time.Time    { return r.UpdatedAt }

// PickRecord is the wire image of a pick row.
type PickRecord struct{ models.DraftPick }

func (r *PickRecord) Kind() EntityKind    { return EntityPick }
func (r *PickRecord) RecordID() uuid.UUID { return r.ID }
func (r *PickRecord) Stamp() time.Time    { return r.UpdatedAt }

// ParticipantRecord is the wire image of a participant row.
type ParticipantRecord struct{ models.Participant }

func (r *ParticipantRecord) Kind() EntityKind    { return EntityParticipant }
func (r *ParticipantRecord) RecordID() uuid.UUID { return r.ID }
func (r *ParticipantRecord) Stamp() time.Time    { return r.UpdatedAt }

// AuctionRecord is the wire image of an auction lot row.
type AuctionRecord struct{ models.AuctionLot }

func (r *AuctionRecord) Kind() EntityKind    { return EntityAuction }
func (r *AuctionRecord) RecordID() uuid.UUID { return r.ID }
func (r *AuctionRecord) Stamp() time.Time    { return r.UpdatedAt }

func newRecord(kind EntityKind) Record {
	switch kind {
	case EntityDraft:
		return &DraftRecord{}
	case EntityTeam:
		return &TeamRecord{}
	case EntityPick:
		return &PickRecord{}
	case EntityParticipant:
		return &ParticipantRecord{}
	case EntityAuction:
		return &AuctionRecord{}
	}
	return nil
}
