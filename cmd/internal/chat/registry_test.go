package chat

import (
	"testing"
	"time"

	v1 "haven/shared/contracts/support/v1"
)

func TestRegistryRegisterIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRoomRegistry(testLogger())
	room := Room{ID: "r1", Status: StatusOpen}

	e1 := r.register(room)
	e2 := r.register(room)
	if e1 != e2 {
		t.Fatalf("register must return the same stable handle")
	}

	got, ok := r.lookup("r1")
	if !ok || got != e1 {
		t.Fatalf("lookup: ok=%v", ok)
	}
	if _, ok := r.lookup("missing"); ok {
		t.Fatalf("lookup missing must report false")
	}
}

func TestRoomEntryFanoutNeverBlocks(t *testing.T) {
	t.Parallel()

	r := NewRoomRegistry(testLogger())
	e := r.register(Room{ID: "r1", Status: StatusOpen})

	full := NewClient("bob", "bob-s1", 1)
	e.addClient(full)

	env := newEnvelope(v1.TypeMessage, "r1", nil, time.Now().UTC())

	// Fill the queue, then fan out again: the second enqueue must drop
	// instead of stalling.
	e.fanout(env)

	done := make(chan struct{})
	go func() {
		e.fanout(env)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fanout blocked on a full client queue")
	}

	if len(full.Send) != 1 {
		t.Fatalf("queue len=%d want=1", len(full.Send))
	}
}

func TestRoomEntryFanoutSkipsClosingClients(t *testing.T) {
	t.Parallel()

	r := NewRoomRegistry(testLogger())
	e := r.register(Room{ID: "r1", Status: StatusOpen})

	c := NewClient("bob", "bob-s1", 8)
	e.addClient(c)
	c.Close()

	e.fanout(newEnvelope(v1.TypeMessage, "r1", nil, time.Now().UTC()))
	if len(c.Send) != 0 {
		t.Fatalf("closing client received fanout")
	}

	// Close is idempotent.
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done must be closed after Close")
	}
}

func TestRoomEntryUserSessions(t *testing.T) {
	t.Parallel()

	r := NewRoomRegistry(testLogger())
	e := r.register(Room{ID: "r1", Status: StatusOpen})

	e.addClient(NewClient("alice", "a-s1", 8))
	e.addClient(NewClient("alice", "a-s2", 8))
	e.addClient(NewClient("bob", "b-s1", 8))

	if n := e.userSessions("alice"); n != 2 {
		t.Fatalf("alice sessions=%d want=2", n)
	}
	if n := e.userSessions("bob"); n != 1 {
		t.Fatalf("bob sessions=%d want=1", n)
	}

	if c := e.removeClient("a-s1"); c == nil {
		t.Fatalf("removeClient must return the removed client")
	}
	if n := e.userSessions("alice"); n != 1 {
		t.Fatalf("alice sessions after remove=%d want=1", n)
	}
	if c := e.removeClient("a-s1"); c != nil {
		t.Fatalf("second remove must return nil")
	}
}
