package realtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
)

// RoomSpec selects the change feed of one room.
type RoomSpec struct {
	RoomID   uuid.UUID
	Entities []events.EntityKind
}

// Sink receives everything a transport subscription delivers. Calls for one
// subscription must be made in delivery order.
type Sink interface {
	Change(ev events.ChangeEvent)
	Presence(p events.Presence)
	Broadcast(b events.Broadcast)
	// Fail reports that the underlying channel broke. The subscription is
	// unusable afterwards.
	Fail(err error)
}

// Subscription is an abortable handle on a room feed.
type Subscription interface {
	Track(ctx context.Context, participantID string) error
	Untrack(ctx context.Context) error
	Unsubscribe() error
}

// Transport opens room subscriptions against the change feed collaborator.
type Transport interface {
	Subscribe(ctx context.Context, spec RoomSpec, sink Sink) (Subscription, error)
}

// Fetcher performs a full reconciliation read of a room.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, roomID uuid.UUID) (events.Snapshot, error)
}

// TransportError is a channel failure or timeout. The manager absorbs it by
// reconnecting and only surfaces it once the backoff policy is exhausted.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
