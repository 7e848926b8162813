package config

import (
	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/backoff"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/mcdev12/draftsync/go/internal/draft/room"
	"github.com/mcdev12/draftsync/go/internal/draft/turntimer"
	"github.com/mcdev12/draftsync/go/internal/draft/updatequeue"
)

// RealtimeFor returns the subscription settings for one room and participant.
func (c Config) RealtimeFor(roomID uuid.UUID, participantID string) realtime.Config {
	rc := realtime.DefaultConfig(roomID, participantID)
	rc.DedupWindow = c.Realtime.DedupWindow
	rc.SubscribeTimeout = c.Realtime.SubscribeTimeout
	rc.Backoff = c.Realtime.Backoff()
	rc.BurstThreshold = c.Realtime.BurstThreshold
	rc.BurstWindow = c.Realtime.BurstWindow
	return rc
}

func (c Config) UpdateQueue() updatequeue.Config {
	qc := updatequeue.DefaultConfig()
	qc.MaxRetries = c.Queue.MaxRetries
	qc.Backoff = backoff.Policy{Base: c.Queue.BackoffBase, Max: c.Queue.BackoffMax}
	qc.ItemDelay = c.Queue.ItemDelay
	return qc
}

func (c Config) TurnTimer() turntimer.Config {
	tc := turntimer.DefaultConfig()
	tc.WarningThreshold = c.Timer.WarningThreshold
	tc.GracePeriod = c.Timer.GracePeriod
	tc.FirstTurnGrace = c.Timer.FirstTurnGrace
	return tc
}

// Session returns a room session config for the local participant.
func (c Config) Session(roomID, userID, teamID uuid.UUID, username string) room.Config {
	sc := room.DefaultConfig(roomID, userID, teamID)
	sc.Username = username
	sc.Realtime = c.RealtimeFor(roomID, userID.String())
	sc.Queue = c.UpdateQueue()
	sc.Timer = c.TurnTimer()
	return sc
}
