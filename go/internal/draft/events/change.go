package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityKind names the tracked record tables.
type EntityKind string

const (
	EntityDraft       EntityKind = "draft"
	EntityTeam        EntityKind = "team"
	EntityPick        EntityKind = "pick"
	EntityParticipant EntityKind = "participant"
	EntityAuction     EntityKind = "auction"
)

// AllEntities is the default subscription filter.
var AllEntities = []EntityKind{EntityDraft, EntityTeam, EntityPick, EntityParticipant, EntityAuction}

// Valid reports whether k is a tracked kind.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityDraft, EntityTeam, EntityPick, EntityParticipant, EntityAuction:
		return true
	}
	return false
}

// ChangeKind is the insert/update/delete discriminant.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Valid reports whether c is a known change kind.
func (c ChangeKind) Valid() bool {
	switch c {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// ChangeEvent is a normalized notification of a change on a tracked record.
// New is nil for deletes; Old is nil when the feed carried no prior image.
type ChangeEvent struct {
	RoomID     uuid.UUID
	Entity     EntityKind
	Change     ChangeKind
	New        Record
	Old        Record
	ObservedAt time.Time
}

// Record returns whichever image identifies the changed row.
func (e ChangeEvent) Record() Record {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// DedupKey identifies the change as (entity, change, record id, updated at).
func (e ChangeEvent) DedupKey() string {
	r := e.Record()
	if r == nil {
		return fmt.Sprintf("%s:%s:-:%d", e.Entity, e.Change, e.ObservedAt.UnixNano())
	}
	return fmt.Sprintf("%s:%s:%s:%d", e.Entity, e.Change, r.RecordID(), r.Stamp().UnixNano())
}

// Draft returns the new draft image when the event is about the room itself.
func (e ChangeEvent) Draft() (*DraftRecord, bool) {
	d, ok := e.New.(*DraftRecord)
	return d, ok
}
