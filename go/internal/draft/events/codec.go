package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the table-scoped change notification as it travels on the wire.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	RoomID      uuid.UUID       `json:"room_id"`
	Entity      EntityKind      `json:"entity"`
	Change      ChangeKind      `json:"change"`
	Record      json.RawMessage `json:"record,omitempty"`
	OldRecord   json.RawMessage `json:"old_record,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Decode parses a wire envelope into a typed ChangeEvent. Malformed input is
// reported as ErrValidation.
func Decode(data []byte, observedAt time.Time) (ChangeEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: unmarshal change envelope: %v", ErrValidation, err)
	}
	return env.Event(observedAt)
}

// Event converts the envelope into a ChangeEvent.
func (env Envelope) Event(observedAt time.Time) (ChangeEvent, error) {
	if !env.Entity.Valid() {
		return ChangeEvent{}, fmt.Errorf("%w: unknown entity kind %q", ErrValidation, env.Entity)
	}
	if !env.Change.Valid() {
		return ChangeEvent{}, fmt.Errorf("%w: unknown change kind %q", ErrValidation, env.Change)
	}

	ev := ChangeEvent{
		RoomID:     env.RoomID,
		Entity:     env.Entity,
		Change:     env.Change,
		ObservedAt: observedAt,
	}

	var err error
	if env.Change != ChangeDelete {
		if ev.New, err = decodeRecord(env.Entity, env.Record); err != nil {
			return ChangeEvent{}, err
		}
		if ev.New == nil {
			return ChangeEvent{}, fmt.Errorf("%w: %s %s without record", ErrValidation, env.Entity, env.Change)
		}
	}
	if ev.Old, err = decodeRecord(env.Entity, env.OldRecord); err != nil {
		return ChangeEvent{}, err
	}
	if ev.Record() == nil {
		return ChangeEvent{}, fmt.Errorf("%w: %s delete without prior record", ErrValidation, env.Entity)
	}
	return ev, nil
}

func decodeRecord(kind EntityKind, raw json.RawMessage) (Record, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	rec := newRecord(kind)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s record: %v", ErrValidation, kind, err)
	}
	return rec, nil
}

// Encode renders a ChangeEvent as a wire envelope.
func Encode(id uuid.UUID, ev ChangeEvent) ([]byte, error) {
	env := Envelope{
		ID:          id,
		RoomID:      ev.RoomID,
		Entity:      ev.Entity,
		Change:      ev.Change,
		CommittedAt: ev.ObservedAt,
	}
	var err error
	if ev.New != nil {
		if env.Record, err = json.Marshal(ev.New); err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
	}
	if ev.Old != nil {
		if env.OldRecord, err = json.Marshal(ev.Old); err != nil {
			return nil, fmt.Errorf("marshal old record: %w", err)
		}
	}
	return json.Marshal(env)
}
