package realtime

import (
	"sync/atomic"

	"github.com/mcdev12/draftsync/go/internal/draft/events"
)

// Callbacks is the consumer contract. Nil members are skipped. All callbacks
// for one manager run on its loop goroutine, in delivery order.
type Callbacks struct {
	OnDraftEvent       func(events.ChangeEvent)
	OnConnectionChange func(ConnectionState)
	OnPresenceChange   func([]string)
	OnBroadcast        func(events.Broadcast)
	OnSnapshot         func(events.Snapshot)
	OnError            func(error)
}

// callbackHolder keeps callback identity stable across re-subscriptions: the
// consumer swaps the set, the subscription stays.
type callbackHolder struct {
	p atomic.Pointer[Callbacks]
}

func (h *callbackHolder) set(cb Callbacks) { h.p.Store(&cb) }

func (h *callbackHolder) get() Callbacks {
	if cb := h.p.Load(); cb != nil {
		return *cb
	}
	return Callbacks{}
}
