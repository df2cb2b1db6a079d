package chat

import (
	"sort"
	"sync"
)

// PresenceTracker maintains which users are live-attached to which room. It
// is independent of durable participation: disconnecting revokes presence,
// never membership.
//
// Each (user, room) entry is updated only by that user's own attach/detach
// calls, so there is no cross-user mutation to coordinate beyond the map lock.
type PresenceTracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room id -> set of user ids
}

// NewPresenceTracker constructs an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		rooms: make(map[string]map[string]struct{}),
	}
}

// Join adds userID to the live set of roomID. Idempotent.
func (p *PresenceTracker) Join(userID, roomID string) {
	if userID == "" || roomID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.rooms[roomID]
	if set == nil {
		set = make(map[string]struct{})
		p.rooms[roomID] = set
	}
	set[userID] = struct{}{}
}

// Leave removes userID from the live set of roomID. Idempotent; a missing
// entry is not an error.
func (p *PresenceTracker) Leave(userID, roomID string) {
	if userID == "" || roomID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.rooms[roomID]
	if set == nil {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(p.rooms, roomID)
	}
}

// ListLive returns a sorted snapshot of the live set, not a live view.
func (p *PresenceTracker) ListLive(roomID string) []string {
	p.mu.RLock()
	set := p.rooms[roomID]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	p.mu.RUnlock()

	sort.Strings(out)
	return out
}

// IsLive reports whether userID is currently attached to roomID.
func (p *PresenceTracker) IsLive(userID, roomID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.rooms[roomID]
	if set == nil {
		return false
	}
	_, ok := set[userID]
	return ok
}
