package realtime

import (
	"slices"
	"sync"

	"github.com/mcdev12/draftsync/go/internal/draft/events"
)

// PresenceSet is the live set of online participants. Only the manager loop
// writes it; reads are safe from any goroutine.
type PresenceSet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

// NewPresenceSet returns an empty set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{members: make(map[string]struct{})}
}

// Apply folds a presence message into the set and reports whether membership
// changed.
func (p *PresenceSet) Apply(msg events.Presence) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Kind {
	case events.PresenceSync:
		next := make(map[string]struct{}, len(msg.ParticipantIDs))
		for _, id := range msg.ParticipantIDs {
			next[id] = struct{}{}
		}
		changed := len(next) != len(p.members)
		if !changed {
			for id := range next {
				if _, ok := p.members[id]; !ok {
					changed = true
					break
				}
			}
		}
		p.members = next
		return changed
	case events.PresenceJoin:
		changed := false
		for _, id := range msg.ParticipantIDs {
			if _, ok := p.members[id]; !ok {
				p.members[id] = struct{}{}
				changed = true
			}
		}
		return changed
	case events.PresenceLeave:
		changed := false
		for _, id := range msg.ParticipantIDs {
			if _, ok := p.members[id]; ok {
				delete(p.members, id)
				changed = true
			}
		}
		return changed
	}
	return false
}

// Contains reports whether id is online.
func (p *PresenceSet) Contains(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.members[id]
	return ok
}

// List returns the members sorted.
func (p *PresenceSet) List() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.members))
	for id := range p.members {
		out = append(out, id)
	}
	p.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Clear empties the set.
func (p *PresenceSet) Clear() {
	p.mu.Lock()
	clear(p.members)
	p.mu.Unlock()
}
