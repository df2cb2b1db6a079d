package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is the dev/test MessageStore and ReadMarkerStore. Everything
// the Postgres backend guarantees transactionally is guaranteed here under a
// single mutex: gapless per-room seq, idempotent participant adds, and the
// greater-wins rule for last-read markers.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
	marks map[readKey]int64
}

type memRoom struct {
	room         Room
	seq          int64
	msgs         []StoredMessage // ordered by seq
	participants map[string]struct{}
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[string]*memRoom),
		marks: make(map[readKey]int64),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateRoom persists a new open room.
func (s *InMemoryStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id := in.ID
	if id == "" {
		id = NewRoomID(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; ok {
		return Room{}, fmt.Errorf("room %q already exists", id)
	}

	room := Room{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Status:      StatusOpen,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
	}
	s.rooms[id] = &memRoom{
		room:         room,
		participants: make(map[string]struct{}),
	}
	return room, nil
}

// GetRoom returns the room record or ErrRoomNotFound.
func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, fmt.Errorf("get room %q: %w", roomID, ErrRoomNotFound)
	}
	return r.room, nil
}

// UpdateRoomStatus persists the lifecycle transition.
func (s *InMemoryStore) UpdateRoomStatus(ctx context.Context, roomID string, status RoomStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("update room %q: %w", roomID, ErrRoomNotFound)
	}
	r.room.Status = status
	return nil
}

// InsertMessage appends a message with monotonic sequence allocation.
func (s *InMemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (StoredMessage, error) {
	if in.RoomID == "" || in.UserID == "" {
		return StoredMessage{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return StoredMessage{}, fmt.Errorf("insert message: room %q: %w", in.RoomID, ErrRoomNotFound)
	}

	r.seq++
	msg := StoredMessage{
		RoomID:      in.RoomID,
		UserID:      in.UserID,
		Content:     in.Content,
		FileURLs:    append([]string(nil), in.FileURLs...),
		Seq:         r.seq,
		ServerMsgID: NewServerMsgID(now),
		ServerTS:    now,
	}
	r.msgs = append(r.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(r.msgs) > memMaxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]
	}

	return msg, nil
}

// InsertParticipant records durable membership. Duplicate adds report
// created=false and leave the membership set unchanged.
func (s *InMemoryStore) InsertParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	if roomID == "" || userID == "" {
		return false, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false, fmt.Errorf("insert participant: room %q: %w", roomID, ErrRoomNotFound)
	}

	if _, ok := r.participants[userID]; ok {
		return false, nil
	}
	r.participants[userID] = struct{}{}
	return true, nil
}

// ParticipantCount reports the membership set size (test support).
func (s *InMemoryStore) ParticipantCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(r.participants)
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.RoomID == "" {
		return FetchHistoryResult{}, errors.New("missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	s.mu.Lock()
	r := s.rooms[in.RoomID]
	var snap []StoredMessage
	if r != nil {
		snap = append([]StoredMessage(nil), r.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchHistoryResult{Messages: nil, HasMore: false}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchHistoryResult{Messages: nil, HasMore: false}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

// CountAfter counts messages in roomID with seq > afterSeq.
func (s *InMemoryStore) CountAfter(ctx context.Context, roomID string, afterSeq int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return 0, fmt.Errorf("count after: room %q: %w", roomID, ErrRoomNotFound)
	}

	var n int64
	for _, m := range r.msgs {
		if m.Seq > afterSeq {
			n++
		}
	}
	return n, nil
}

// UpsertLastRead merges seq under the greater-wins rule and returns the
// effective stored value.
func (s *InMemoryStore) UpsertLastRead(ctx context.Context, userID, roomID string, seq int64) (int64, error) {
	if userID == "" || roomID == "" {
		return 0, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := readKey{userID: userID, roomID: roomID}
	if cur, ok := s.marks[k]; ok && seq <= cur {
		return cur, nil
	}
	s.marks[k] = seq
	return seq, nil
}

// GetLastRead returns the stored marker, if any.
func (s *InMemoryStore) GetLastRead(ctx context.Context, userID, roomID string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.marks[readKey{userID: userID, roomID: roomID}]
	return seq, ok, nil
}
