package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"haven/cmd/internal/auth"
	v1 "haven/shared/contracts/support/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T) (*Broker, *InMemoryStore) {
	t.Helper()
	st := NewInMemoryStore()
	return NewBroker(testLogger(), st), st
}

func mustCreateTestRoom(t *testing.T, b *Broker, id string) Room {
	t.Helper()
	room, err := b.CreateRoom(context.Background(), CreateRoomInput{
		ID:        id,
		Title:     "test room " + id,
		CreatedBy: "agent-1",
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func mustAttach(t *testing.T, b *Broker, userID, sessionID, roomID string) *Client {
	t.Helper()
	c := NewClient(userID, sessionID, 128)
	status, err := b.Attach(context.Background(), c, roomID)
	if err != nil {
		t.Fatalf("attach %s/%s: %v", userID, sessionID, err)
	}
	if status != StatusOpen {
		t.Fatalf("attach %s/%s: status=%q want=%q", userID, sessionID, status, StatusOpen)
	}
	return c
}

// recvType drains the client's queue until an envelope of the wanted type
// arrives. Fanout is synchronous with the triggering call, so a short timeout
// only guards against test bugs.
func recvType(t *testing.T, c *Client, typ string) v1.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.Send:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for envelope type %q", typ)
		}
	}
}

// assertNoType asserts no envelope of the given type is queued.
func assertNoType(t *testing.T, c *Client, typ string) {
	t.Helper()
	for {
		select {
		case env := <-c.Send:
			if env.Type == typ {
				t.Fatalf("unexpected envelope type %q queued", typ)
			}
		default:
			return
		}
	}
}

func TestBrokerPostFansOutToAllAttachedSessions(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-fanout")

	bob := mustAttach(t, b, "bob", "bob-s1", room.ID)
	alice1 := mustAttach(t, b, "alice", "alice-s1", room.ID)
	alice2 := mustAttach(t, b, "alice", "alice-s2", room.ID)

	stored, err := b.Post(context.Background(), PostInput{
		RoomID:  room.ID,
		UserID:  "bob",
		Content: "hello",
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if stored.Seq != 1 {
		t.Fatalf("post: seq=%d want=1", stored.Seq)
	}

	for _, c := range []*Client{bob, alice1, alice2} {
		env := recvType(t, c, v1.TypeMessage)

		var p v1.MessageEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal fanout payload: %v", err)
		}
		if p.RoomID != room.ID || p.UserID != "bob" || p.Content != "hello" {
			t.Fatalf("fanout payload mismatch: %+v", p)
		}
		if p.Seq != stored.Seq || p.ServerMsgID != stored.ServerMsgID {
			t.Fatalf("fanout identity mismatch: %+v vs %+v", p, stored)
		}
		if !p.Unreaded {
			t.Fatalf("fanout unreaded flag not set")
		}
	}
}

func TestBrokerConcurrentPostsKeepOrder(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-order")

	sub := mustAttach(t, b, "watcher", "watcher-s1", room.ID)

	const (
		writers  = 4
		perEach  = 10
		expected = writers * perEach
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perEach; i++ {
				_, err := b.Post(context.Background(), PostInput{
					RoomID:  room.ID,
					UserID:  fmt.Sprintf("user-%d", w),
					Content: fmt.Sprintf("msg %d/%d", w, i),
				})
				if err != nil {
					t.Errorf("post: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// Delivered seqs must be strictly increasing and gapless: the exclusive
	// section serializes persist + enqueue, so delivery order equals
	// persisted order.
	var prev int64
	seen := 0
	for seen < expected {
		env := recvType(t, sub, v1.TypeMessage)
		var p v1.MessageEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.Seq != prev+1 {
			t.Fatalf("delivery order broken: got seq=%d after %d", p.Seq, prev)
		}
		prev = p.Seq
		seen++
	}
}

func TestBrokerPostRejectsClosedRoom(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-closed")
	sub := mustAttach(t, b, "bob", "bob-s1", room.ID)

	admin := auth.Identity{UserID: "agent-1", Role: auth.RoleAdmin}
	if err := b.Close(context.Background(), room.ID, admin); err != nil {
		t.Fatalf("close: %v", err)
	}
	recvType(t, sub, v1.TypeCloseChat)

	_, err := b.Post(context.Background(), PostInput{
		RoomID:  room.ID,
		UserID:  "bob",
		Content: "too late",
	})
	if !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("post after close: err=%v want=ErrRoomClosed", err)
	}
	assertNoType(t, sub, v1.TypeMessage)
}

func TestBrokerCloseRacesConcurrentPosts(t *testing.T) {
	t.Parallel()

	const (
		rounds  = 20
		posters = 8
	)

	for round := 0; round < rounds; round++ {
		b, _ := newTestBroker(t)
		room := mustCreateTestRoom(t, b, fmt.Sprintf("r-race-%d", round))
		admin := auth.Identity{UserID: "agent-1", Role: auth.RoleAdmin}

		var (
			mu   sync.Mutex
			seqs []int64
		)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for p := 0; p < posters; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				<-start
				for i := 0; ; i++ {
					stored, err := b.Post(context.Background(), PostInput{
						RoomID:  room.ID,
						UserID:  fmt.Sprintf("user-%d", p),
						Content: fmt.Sprintf("m%d", i),
					})
					if err != nil {
						if !errors.Is(err, ErrRoomClosed) {
							t.Errorf("racing post: err=%v want=ErrRoomClosed", err)
						}
						return
					}
					mu.Lock()
					seqs = append(seqs, stored.Seq)
					mu.Unlock()
				}
			}(p)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := b.Close(context.Background(), room.ID, admin); err != nil {
				t.Errorf("close: %v", err)
			}
		}()

		close(start)
		wg.Wait()

		// Every post racing the close either got a contiguous sequence
		// number before the commit or was rejected; afterwards nothing
		// gets through.
		if _, err := b.Post(context.Background(), PostInput{
			RoomID:  room.ID,
			UserID:  "late",
			Content: "too late",
		}); !errors.Is(err, ErrRoomClosed) {
			t.Fatalf("post after close: err=%v want=ErrRoomClosed", err)
		}

		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for i, s := range seqs {
			if s != int64(i+1) {
				t.Fatalf("round %d: seq order broken at %d: got=%d want=%d", round, i, s, i+1)
			}
		}

		// The store agrees: no sequence was assigned after the commit.
		out, err := b.History(context.Background(), FetchHistoryInput{
			RoomID: room.ID,
			Limit:  len(seqs) + posters + 1,
		})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(out.Messages) != len(seqs) {
			t.Fatalf("round %d: store has %d messages, accepted %d", round, len(out.Messages), len(seqs))
		}
	}
}

func TestBrokerCloseRequiresAdministrativeRole(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-perm")

	member := auth.Identity{UserID: "bob", Role: auth.RoleMember}
	err := b.Close(context.Background(), room.ID, member)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("close as member: err=%v want=ErrPermissionDenied", err)
	}

	// The denied close changed nothing: posting still works.
	if _, err := b.Post(context.Background(), PostInput{
		RoomID:  room.ID,
		UserID:  "bob",
		Content: "still open",
	}); err != nil {
		t.Fatalf("post after denied close: %v", err)
	}
}

func TestBrokerCloseIsOneWay(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-oneway")

	admin := auth.Identity{UserID: "agent-1", Role: auth.RoleAdmin}
	if err := b.Close(context.Background(), room.ID, admin); err != nil {
		t.Fatalf("first close: %v", err)
	}

	err := b.Close(context.Background(), room.ID, admin)
	if !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("second close: err=%v want=ErrRoomClosed", err)
	}
}

func TestBrokerCloseNotifiesAttachedClients(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-closefan")

	bob := mustAttach(t, b, "bob", "bob-s1", room.ID)
	alice := mustAttach(t, b, "alice", "alice-s1", room.ID)

	admin := auth.Identity{UserID: "agent-9", Role: auth.RoleAdmin}
	if err := b.Close(context.Background(), room.ID, admin); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, c := range []*Client{bob, alice} {
		env := recvType(t, c, v1.TypeCloseChat)

		var p v1.CloseChatEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal close payload: %v", err)
		}
		if p.RoomID != room.ID {
			t.Fatalf("close room_id mismatch: %q", p.RoomID)
		}
		if p.ClosedBy != "agent-9" {
			t.Fatalf("close closed_by mismatch: %q", p.ClosedBy)
		}
		if !p.Status {
			t.Fatalf("close status flag not set")
		}
	}
}

func TestBrokerPostRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-empty")

	for _, in := range []PostInput{
		{RoomID: room.ID, UserID: "bob"},
		{RoomID: room.ID, UserID: "bob", Content: "   \t\n"},
	} {
		_, err := b.Post(context.Background(), in)
		if !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("post %+v: err=%v want=ErrInvalidMessage", in, err)
		}
	}

	// Attachment-only posts are valid.
	if _, err := b.Post(context.Background(), PostInput{
		RoomID:   room.ID,
		UserID:   "bob",
		FileURLs: []string{"https://cdn.example/file.png"},
	}); err != nil {
		t.Fatalf("attachment-only post: %v", err)
	}
}

// failingStore rejects inserts while delegating the rest.
type failingStore struct {
	*InMemoryStore
	insertErr error
}

func (s *failingStore) InsertMessage(ctx context.Context, in InsertMessageInput) (StoredMessage, error) {
	if s.insertErr != nil {
		return StoredMessage{}, s.insertErr
	}
	return s.InMemoryStore.InsertMessage(ctx, in)
}

func TestBrokerStorageFailureMeansNoDelivery(t *testing.T) {
	t.Parallel()

	st := &failingStore{
		InMemoryStore: NewInMemoryStore(),
		insertErr:     errors.New("disk on fire"),
	}
	b := NewBroker(testLogger(), st)
	room := mustCreateTestRoom(t, b, "r-storage")

	sub := mustAttach(t, b, "bob", "bob-s1", room.ID)

	_, err := b.Post(context.Background(), PostInput{
		RoomID:  room.ID,
		UserID:  "bob",
		Content: "will not persist",
	})
	if !IsStorageFailure(err) {
		t.Fatalf("post: err=%v want storage failure", err)
	}

	// Durability precedes fanout: nothing reached the subscriber.
	assertNoType(t, sub, v1.TypeMessage)

	// The room stays usable once the store recovers.
	st.insertErr = nil
	if _, err := b.Post(context.Background(), PostInput{
		RoomID:  room.ID,
		UserID:  "bob",
		Content: "recovered",
	}); err != nil {
		t.Fatalf("post after recovery: %v", err)
	}
}

func TestBrokerAttachUnknownRoom(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)

	c := NewClient("bob", "bob-s1", 8)
	_, err := b.Attach(context.Background(), c, "no-such-room")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("attach: err=%v want=ErrRoomNotFound", err)
	}
}

func TestBrokerDetachRevokesPresenceNotMembership(t *testing.T) {
	t.Parallel()

	b, st := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-detach")

	s1 := mustAttach(t, b, "alice", "alice-s1", room.ID)
	s2 := mustAttach(t, b, "alice", "alice-s2", room.ID)

	if !b.Presence().IsLive("alice", room.ID) {
		t.Fatalf("expected alice live after attach")
	}
	if got := st.ParticipantCount(room.ID); got != 1 {
		t.Fatalf("participant count=%d want=1", got)
	}

	// One session remains: the user stays live.
	b.Detach(context.Background(), s1, room.ID)
	if !b.Presence().IsLive("alice", room.ID) {
		t.Fatalf("alice must stay live while a session remains")
	}

	b.Detach(context.Background(), s2, room.ID)
	if b.Presence().IsLive("alice", room.ID) {
		t.Fatalf("alice must not be live after last detach")
	}

	// Membership is durable: detaching never removes it.
	if got := st.ParticipantCount(room.ID); got != 1 {
		t.Fatalf("participant count after detach=%d want=1", got)
	}

	// Detaching an already-detached session is a no-op.
	b.Detach(context.Background(), s2, room.ID)
}

func TestBrokerRelayParticipantsVerbatim(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-relay")

	sub := mustAttach(t, b, "bob", "bob-s1", room.ID)
	// Drain the attach presence event so only the relay remains.
	recvType(t, sub, v1.TypeParticipants)

	raw := json.RawMessage(`{"user_id":"alice","live":true,"client_extra":{"avatar":"a.png"}}`)
	if err := b.RelayParticipants(context.Background(), room.ID, raw); err != nil {
		t.Fatalf("relay: %v", err)
	}

	env := recvType(t, sub, v1.TypeParticipants)
	if !bytes.Equal(env.Payload, raw) {
		t.Fatalf("relay payload not verbatim: got=%s want=%s", env.Payload, raw)
	}

	// The well-known fields were merged into presence on the side.
	if !b.Presence().IsLive("alice", room.ID) {
		t.Fatalf("expected alice live after relayed live=true")
	}

	down := json.RawMessage(`{"user_id":"alice","live":false}`)
	if err := b.RelayParticipants(context.Background(), room.ID, down); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if b.Presence().IsLive("alice", room.ID) {
		t.Fatalf("expected alice not live after relayed live=false")
	}

	if err := b.RelayParticipants(context.Background(), "no-such-room", raw); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("relay unknown room: err=%v want=ErrRoomNotFound", err)
	}
}

func TestBrokerMarkReadAndUnread(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-read")

	for i := 0; i < 3; i++ {
		if _, err := b.Post(context.Background(), PostInput{
			RoomID:  room.ID,
			UserID:  "alice",
			Content: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	ctx := context.Background()

	n, err := b.Unread(ctx, "bob", room.ID)
	if err != nil || n != 3 {
		t.Fatalf("unread before mark: n=%d err=%v want=3", n, err)
	}

	eff, err := b.MarkRead(ctx, "bob", room.ID, 2)
	if err != nil || eff != 2 {
		t.Fatalf("mark 2: eff=%d err=%v", eff, err)
	}
	if n, _ := b.Unread(ctx, "bob", room.ID); n != 1 {
		t.Fatalf("unread after mark 2: n=%d want=1", n)
	}

	// A regressive acknowledgement is a no-op, not an error.
	eff, err = b.MarkRead(ctx, "bob", room.ID, 1)
	if err != nil || eff != 2 {
		t.Fatalf("regressive mark: eff=%d err=%v want eff=2", eff, err)
	}
	if n, _ := b.Unread(ctx, "bob", room.ID); n != 1 {
		t.Fatalf("unread after regressive mark: n=%d want=1", n)
	}

	if _, err := b.MarkRead(ctx, "bob", room.ID, 3); err != nil {
		t.Fatalf("mark 3: %v", err)
	}
	if n, _ := b.Unread(ctx, "bob", room.ID); n != 0 {
		t.Fatalf("unread after mark 3: n=%d want=0", n)
	}

	if _, err := b.Unread(ctx, "bob", "no-such-room"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("unread unknown room: err=%v want=ErrRoomNotFound", err)
	}
}

// laxCountStore mimics backends whose CountAfter reports zero for an unknown
// room instead of failing.
type laxCountStore struct {
	*InMemoryStore
}

func (s *laxCountStore) CountAfter(ctx context.Context, roomID string, afterSeq int64) (int64, error) {
	if _, err := s.InMemoryStore.GetRoom(ctx, roomID); err != nil {
		return 0, nil
	}
	return s.InMemoryStore.CountAfter(ctx, roomID, afterSeq)
}

func TestBrokerUnreadUnknownRoomAnyBackend(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger(), &laxCountStore{NewInMemoryStore()})

	_, err := b.Unread(context.Background(), "bob", "no-such-room")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("unread unknown room: err=%v want=ErrRoomNotFound", err)
	}
}

func TestBrokerMarkReadIgnoresNonPositiveSeq(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	markers := NewInMemoryStore()
	b := NewBroker(testLogger(), st, WithReadMarkerStore(markers))
	room := mustCreateTestRoom(t, b, "r-zeromark")

	for _, seq := range []int64{0, -4} {
		eff, err := b.MarkRead(context.Background(), "bob", room.ID, seq)
		if err != nil || eff != 0 {
			t.Fatalf("mark %d: eff=%d err=%v want eff=0", seq, eff, err)
		}
	}

	// The marker store never saw the invalid acknowledgements.
	if _, ok, err := markers.GetLastRead(context.Background(), "bob", room.ID); err != nil || ok {
		t.Fatalf("marker store must stay empty: ok=%v err=%v", ok, err)
	}
}

func TestBrokerUnreadFallsBackToMarkerStore(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	markers := NewInMemoryStore()

	// Seed the shared marker store as if another process recorded the read.
	seedRoom := "r-shared"
	if _, err := markers.UpsertLastRead(context.Background(), "bob", seedRoom, 2); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	b := NewBroker(testLogger(), st, WithReadMarkerStore(markers))
	mustCreateTestRoom(t, b, seedRoom)

	for i := 0; i < 3; i++ {
		if _, err := b.Post(context.Background(), PostInput{
			RoomID:  seedRoom,
			UserID:  "alice",
			Content: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	// The in-memory tracker is cold; the marker store supplies last=2.
	n, err := b.Unread(context.Background(), "bob", seedRoom)
	if err != nil || n != 1 {
		t.Fatalf("unread via marker store: n=%d err=%v want=1", n, err)
	}

	// MarkRead mirrors into the marker store.
	if _, err := b.MarkRead(context.Background(), "bob", seedRoom, 3); err != nil {
		t.Fatalf("mark: %v", err)
	}
	stored, ok, err := markers.GetLastRead(context.Background(), "bob", seedRoom)
	if err != nil || !ok || stored != 3 {
		t.Fatalf("marker store after mark: seq=%d ok=%v err=%v want=3", stored, ok, err)
	}
}

func TestBrokerHistoryWindows(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	room := mustCreateTestRoom(t, b, "r-history")

	for i := 0; i < 5; i++ {
		if _, err := b.Post(context.Background(), PostInput{
			RoomID:  room.ID,
			UserID:  "alice",
			Content: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	ctx := context.Background()

	out, err := b.History(ctx, FetchHistoryInput{RoomID: room.ID, Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(out.Messages) != 2 || !out.HasMore {
		t.Fatalf("history window: len=%d hasMore=%v want len=2 hasMore=true", len(out.Messages), out.HasMore)
	}
	if out.Messages[0].Seq != 1 || out.Messages[1].Seq != 2 {
		t.Fatalf("history order: %d,%d want 1,2", out.Messages[0].Seq, out.Messages[1].Seq)
	}

	after := int64(3)
	out, err = b.History(ctx, FetchHistoryInput{RoomID: room.ID, AfterSeq: &after, Limit: 10})
	if err != nil {
		t.Fatalf("history after: %v", err)
	}
	if len(out.Messages) != 2 || out.HasMore {
		t.Fatalf("history after window: len=%d hasMore=%v want len=2 hasMore=false", len(out.Messages), out.HasMore)
	}
	if out.Messages[0].Seq != 4 {
		t.Fatalf("history after: first seq=%d want=4", out.Messages[0].Seq)
	}

	if _, err := b.History(ctx, FetchHistoryInput{RoomID: "no-such-room"}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("history unknown room: err=%v want=ErrRoomNotFound", err)
	}
}
