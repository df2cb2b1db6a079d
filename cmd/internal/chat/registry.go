package chat

import (
	"log/slog"
	"sync"

	v1 "haven/shared/contracts/support/v1"
)

// roomEntry is the in-memory handle for one open-or-closed room.
//
// mu is the room's exclusive section: the closed check, sequence assignment
// (inside the store call) and the fanout enqueue all happen under it, so two
// concurrent posts never share a sequence number and delivery order equals
// persisted order. Entries for different rooms are fully independent.
type roomEntry struct {
	id string

	mu     sync.Mutex
	status RoomStatus

	cmu     sync.RWMutex
	clients map[string]*Client // session id -> client
}

func (e *roomEntry) addClient(c *Client) {
	if e == nil || c == nil || c.SessionID == "" {
		return
	}
	e.cmu.Lock()
	e.clients[c.SessionID] = c
	e.cmu.Unlock()
}

func (e *roomEntry) removeClient(sessionID string) *Client {
	if e == nil || sessionID == "" {
		return nil
	}
	e.cmu.Lock()
	c := e.clients[sessionID]
	delete(e.clients, sessionID)
	e.cmu.Unlock()
	return c
}

// userSessions counts live sessions for userID in this room.
func (e *roomEntry) userSessions(userID string) int {
	e.cmu.RLock()
	defer e.cmu.RUnlock()

	n := 0
	for _, c := range e.clients {
		if c != nil && c.UserID == userID {
			n++
		}
	}
	return n
}

// fanout enqueues env to every attached client of the room, including all of
// the sending user's live connections. Non-blocking: a full queue or a client
// that is shutting down is skipped, never allowed to stall the others.
func (e *roomEntry) fanout(env v1.Envelope) {
	if e == nil {
		return
	}

	e.cmu.RLock()
	defer e.cmu.RUnlock()

	for _, c := range e.clients {
		if c == nil {
			continue
		}

		select {
		case <-c.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case c.Send <- env:
		default:
			fanoutDropped.Inc()
		}
	}
}

// RoomRegistry owns the in-memory room handles. It is the authoritative
// record of which rooms are hydrated in this process and who is attached.
// Entries are rebuildable from the MessageStore on restart; the registry
// itself is created at process start and passed to the Broker by handle.
type RoomRegistry struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

// NewRoomRegistry constructs an empty registry.
func NewRoomRegistry(log *slog.Logger) *RoomRegistry {
	return &RoomRegistry{
		log:   log,
		rooms: make(map[string]*roomEntry),
	}
}

// lookup returns the hydrated entry for roomID, if any.
func (r *RoomRegistry) lookup(roomID string) (*roomEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[roomID]
	return e, ok
}

// register hydrates an entry from a durable room record. Idempotent: a
// concurrent hydration of the same room yields the same stable handle.
func (r *RoomRegistry) register(room Room) *roomEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.rooms[room.ID]; ok {
		return e
	}

	e := &roomEntry{
		id:      room.ID,
		status:  room.Status,
		clients: make(map[string]*Client),
	}
	r.rooms[room.ID] = e

	r.log.Info("registry.room.hydrate", "room_id", room.ID, "status", string(room.Status))
	return e
}
