package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/mcdev12/draftsync/go/internal/models"
)

// FrameType tags server-to-client websocket frames.
type FrameType string

const (
	FrameChange     FrameType = "change"
	FramePresence   FrameType = "presence"
	FrameConnection FrameType = "connection"
	FrameBroadcast  FrameType = "broadcast"
	FrameSnapshot   FrameType = "snapshot"
	FrameError      FrameType = "error"
	FramePong       FrameType = "pong"
)

// Frame is one JSON message written to a client.
type Frame struct {
	Type       FrameType         `json:"type"`
	RoomID     uuid.UUID         `json:"room_id"`
	Change     json.RawMessage   `json:"change,omitempty"` // wire envelope
	DedupKey   string            `json:"dedup_key,omitempty"`
	Presence   []string          `json:"presence,omitempty"`
	Connection *ConnectionFrame  `json:"connection,omitempty"`
	Broadcast  *events.Broadcast `json:"broadcast,omitempty"`
	Snapshot   *SnapshotFrame    `json:"snapshot,omitempty"`
	Error      string            `json:"error,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
}

type ConnectionFrame struct {
	Status     realtime.Status `json:"status"`
	Attempt    int             `json:"attempt,omitempty"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// SnapshotFrame carries the room through its wire image so the pick time
// limit survives encoding.
type SnapshotFrame struct {
	Room         *events.DraftRecord  `json:"room"`
	Teams        []models.Team        `json:"teams"`
	Picks        []models.DraftPick   `json:"picks"`
	Participants []models.Participant `json:"participants"`
	Lots         []models.AuctionLot  `json:"lots"`
	FetchedAt    time.Time            `json:"fetched_at"`
}

func newSnapshotFrame(s events.Snapshot) *SnapshotFrame {
	return &SnapshotFrame{
		Room:         events.NewDraftRecord(s.Room),
		Teams:        s.Teams,
		Picks:        s.Picks,
		Participants: s.Participants,
		Lots:         s.Lots,
		FetchedAt:    s.FetchedAt,
	}
}

// ClientFrame is a message read from a client.
type ClientFrame struct {
	Type string `json:"type"` // refresh, ping, reconnect
}

// changeFrame encodes ev as a wire envelope. The envelope id is derived from
// the dedup key so a client sees the same id for the same change.
func changeFrame(roomID uuid.UUID, ev events.ChangeEvent, now time.Time) (Frame, error) {
	key := ev.DedupKey()
	data, err := events.Encode(uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)), ev)
	if err != nil {
		return Frame{}, fmt.Errorf("encode change frame: %w", err)
	}
	return Frame{Type: FrameChange, RoomID: roomID, Change: data, DedupKey: key, SentAt: now}, nil
}

func connectionFrame(roomID uuid.UUID, st realtime.ConnectionState, now time.Time) Frame {
	cf := &ConnectionFrame{Status: st.Status, Attempt: st.Attempt, RetryCount: st.RetryCount}
	if st.LastError != nil {
		cf.LastError = st.LastError.Error()
	}
	return Frame{Type: FrameConnection, RoomID: roomID, Connection: cf, SentAt: now}
}
