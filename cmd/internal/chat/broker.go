package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"haven/cmd/internal/auth"
	v1 "haven/shared/contracts/support/v1"
)

// Broker is the single authoritative entry/exit point for room traffic. It
// validates inbound events against room state, persists accepted messages,
// and fans the resulting events out to every attached client of the room.
//
// Durability precedes fanout: a message that failed to persist is never
// delivered. Fanout for one room never blocks acceptance for another.
type Broker struct {
	log       *slog.Logger
	store     MessageStore
	registry  *RoomRegistry
	presence  *PresenceTracker
	reads     *ReadTracker
	readStore ReadMarkerStore
	lifecycle *RoomLifecycle

	// (user, room) pairs already durably added. The store's InsertParticipant
	// is idempotent regardless; this only avoids a write per attach.
	pmu          sync.Mutex
	participants map[readKey]struct{}
}

// BrokerOption configures optional Broker collaborators.
type BrokerOption func(*Broker)

// WithReadMarkerStore adds a durable/shared fallback behind the in-memory
// ReadTracker.
func WithReadMarkerStore(rs ReadMarkerStore) BrokerOption {
	return func(b *Broker) { b.readStore = rs }
}

// NewBroker constructs a Broker owning its registry, presence and read state.
func NewBroker(log *slog.Logger, store MessageStore, opts ...BrokerOption) *Broker {
	b := &Broker{
		log:          log,
		store:        store,
		registry:     NewRoomRegistry(log),
		presence:     NewPresenceTracker(),
		reads:        NewReadTracker(),
		participants: make(map[readKey]struct{}),
	}
	b.lifecycle = NewRoomLifecycle(log, store)
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Presence exposes the live-attachment tracker.
func (b *Broker) Presence() *PresenceTracker { return b.presence }

// Reads exposes the last-read tracker.
func (b *Broker) Reads() *ReadTracker { return b.reads }

// room returns the hydrated entry for roomID, consulting the durable store
// when the room is not yet known to this process.
func (b *Broker) room(ctx context.Context, roomID string) (*roomEntry, error) {
	if e, ok := b.registry.lookup(roomID); ok {
		return e, nil
	}

	room, err := b.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return b.registry.register(room), nil
}

// CreateRoom persists a new room and hydrates its in-memory handle.
func (b *Broker) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	room, err := b.store.CreateRoom(ctx, in)
	if err != nil {
		return Room{}, &StorageError{Op: "broker.create_room", Err: err}
	}
	b.registry.register(room)
	return room, nil
}

// Attach registers a live connection for the client's user in the room and
// notifies attached participants of the presence change. It fails with
// ErrRoomNotFound when the room does not exist; membership is durably
// recorded on first successful attach per (user, room) pair.
func (b *Broker) Attach(ctx context.Context, client *Client, roomID string) (RoomStatus, error) {
	if client == nil || client.UserID == "" {
		return "", fmt.Errorf("attach: missing client identity")
	}

	entry, err := b.room(ctx, roomID)
	if err != nil {
		return "", err
	}

	entry.addClient(client)
	b.presence.Join(client.UserID, roomID)
	attachedSessions.Inc()

	if err := b.ensureParticipant(ctx, roomID, client.UserID); err != nil {
		// Membership write failures degrade the durable record only; the
		// live attachment stands.
		b.log.Warn("broker.attach.participant", "room_id", roomID, "user_id", client.UserID, "err", err)
	}

	b.fanoutPresence(entry, client.UserID, "attach")

	entry.mu.Lock()
	status := entry.status
	entry.mu.Unlock()
	return status, nil
}

// Detach removes the live connection. Durable Participant membership is not
// altered; disconnection only revokes live attachment.
func (b *Broker) Detach(_ context.Context, client *Client, roomID string) {
	if client == nil {
		return
	}

	entry, ok := b.registry.lookup(roomID)
	if !ok {
		return
	}

	if removed := entry.removeClient(client.SessionID); removed == nil {
		return
	}
	attachedSessions.Dec()

	// Presence is per user: the user stays live while any of their other
	// sessions remains attached to the room.
	if entry.userSessions(client.UserID) == 0 {
		b.presence.Leave(client.UserID, roomID)
	}

	b.fanoutPresence(entry, client.UserID, "detach")
}

// PostInput describes an inbound PostMessage event.
type PostInput struct {
	RoomID   string
	UserID   string
	Content  string
	FileURLs []string
	Now      time.Time
}

// Post accepts, persists and fans out a message.
//
// The closed check, sequence assignment (inside the store call) and fanout
// enqueue all run under the room's exclusive section: no message is accepted
// after the close transition is visible, concurrent posts are serialized, and
// delivery order equals persisted order.
func (b *Broker) Post(ctx context.Context, in PostInput) (StoredMessage, error) {
	if strings.TrimSpace(in.Content) == "" && len(in.FileURLs) == 0 {
		messagesRejected.WithLabelValues("invalid_message").Inc()
		return StoredMessage{}, ErrInvalidMessage
	}

	entry, err := b.room(ctx, in.RoomID)
	if err != nil {
		messagesRejected.WithLabelValues("room_not_found").Inc()
		return StoredMessage{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.status == StatusClosed {
		messagesRejected.WithLabelValues("room_closed").Inc()
		return StoredMessage{}, ErrRoomClosed
	}

	stored, err := b.store.InsertMessage(ctx, InsertMessageInput{
		RoomID:   in.RoomID,
		UserID:   in.UserID,
		Content:  strings.TrimSpace(in.Content),
		FileURLs: in.FileURLs,
		Now:      in.Now,
	})
	if err != nil {
		messagesRejected.WithLabelValues("storage_failure").Inc()
		return StoredMessage{}, &StorageError{Op: "broker.post", Err: err}
	}

	if err := b.ensureParticipant(ctx, in.RoomID, in.UserID); err != nil {
		b.log.Warn("broker.post.participant", "room_id", in.RoomID, "user_id", in.UserID, "err", err)
	}

	payload, _ := json.Marshal(v1.MessageEventPayload{
		RoomID:      stored.RoomID,
		UserID:      stored.UserID,
		Content:     stored.Content,
		FileURLs:    stored.FileURLs,
		Seq:         stored.Seq,
		ServerMsgID: stored.ServerMsgID,
		ServerTS:    stored.ServerTS,
		Unreaded:    true,
	})
	entry.fanout(newEnvelope(v1.TypeMessage, stored.RoomID, payload, stored.ServerTS))

	messagesAccepted.Inc()
	return stored, nil
}

// presenceMerge is the best-effort shape looked for inside an otherwise
// opaque participants payload.
type presenceMerge struct {
	UserID string `json:"user_id"`
	Live   *bool  `json:"live"`
}

// RelayParticipants merges the payload into the presence tracker on a
// best-effort basis and relays it verbatim to all attached clients. The event
// is ephemeral: nothing is persisted.
func (b *Broker) RelayParticipants(ctx context.Context, roomID string, payload json.RawMessage) error {
	entry, err := b.room(ctx, roomID)
	if err != nil {
		return err
	}

	var merge presenceMerge
	if err := json.Unmarshal(payload, &merge); err == nil && merge.UserID != "" && merge.Live != nil {
		if *merge.Live {
			b.presence.Join(merge.UserID, roomID)
		} else {
			b.presence.Leave(merge.UserID, roomID)
		}
	}

	entry.fanout(newEnvelope(v1.TypeParticipants, roomID, payload, time.Now().UTC()))
	return nil
}

// Close runs the lifecycle's close transition and, once it commits, fans a
// close notification tagged status=true to all attached clients.
func (b *Broker) Close(ctx context.Context, roomID string, actor auth.Identity) error {
	entry, err := b.room(ctx, roomID)
	if err != nil {
		return err
	}

	if err := b.lifecycle.Close(ctx, entry, actor); err != nil {
		return err
	}

	payload, _ := json.Marshal(v1.CloseChatEventPayload{
		RoomID:   roomID,
		ClosedBy: actor.UserID,
		Status:   true,
	})
	entry.fanout(newEnvelope(v1.TypeCloseChat, roomID, payload, time.Now().UTC()))
	return nil
}

// MarkRead merges seq into the user's last-read marker and mirrors the merge
// into the marker store when one is configured. The effective stored value is
// returned; a regressive acknowledgement is a no-op, not an error.
func (b *Broker) MarkRead(ctx context.Context, userID, roomID string, seq int64) (int64, error) {
	effective, advanced := b.reads.RecordRead(userID, roomID, seq)
	if advanced {
		readMarksAdvanced.Inc()
	}

	// A non-positive acknowledgement never reaches the marker store: the
	// in-memory tracker already ignored it, and backends treat "no marker"
	// as distinct from a stored zero.
	if b.readStore == nil || seq <= 0 {
		return effective, nil
	}

	stored, err := b.readStore.UpsertLastRead(ctx, userID, roomID, seq)
	if err != nil {
		return effective, &StorageError{Op: "broker.mark_read", Err: err}
	}
	if stored > effective {
		// Another process advanced further; adopt its view.
		effective, _ = b.reads.RecordRead(userID, roomID, stored)
	}
	return effective, nil
}

// Unread reports how many messages in roomID the user has not acknowledged.
func (b *Broker) Unread(ctx context.Context, userID, roomID string) (int64, error) {
	// Verify the room exists up front: not every backend's CountAfter
	// distinguishes an unknown room from an empty one.
	if _, err := b.room(ctx, roomID); err != nil {
		return 0, err
	}

	last, ok := b.reads.GetRead(userID, roomID)
	if !ok && b.readStore != nil {
		stored, found, err := b.readStore.GetLastRead(ctx, userID, roomID)
		if err != nil {
			return 0, &StorageError{Op: "broker.unread", Err: err}
		}
		if found {
			last = stored
			b.reads.RecordRead(userID, roomID, stored)
		}
	}

	n, err := b.store.CountAfter(ctx, roomID, last)
	if err != nil {
		return 0, &StorageError{Op: "broker.unread", Err: err}
	}
	return n, nil
}

// History returns a window of durable room history for reconnect/replay.
func (b *Broker) History(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	// Verify the room exists so unknown ids surface ErrRoomNotFound rather
	// than an empty window.
	if _, err := b.room(ctx, in.RoomID); err != nil {
		return FetchHistoryResult{}, err
	}

	out, err := b.store.FetchHistory(ctx, in)
	if err != nil {
		return FetchHistoryResult{}, &StorageError{Op: "broker.history", Err: err}
	}
	return out, nil
}

// ensureParticipant records durable membership once per (user, room) pair.
// The store call is idempotent; duplicates report "already a participant".
func (b *Broker) ensureParticipant(ctx context.Context, roomID, userID string) error {
	k := readKey{userID: userID, roomID: roomID}

	b.pmu.Lock()
	_, seen := b.participants[k]
	b.pmu.Unlock()
	if seen {
		return nil
	}

	created, err := b.store.InsertParticipant(ctx, roomID, userID)
	if err != nil {
		return err
	}

	b.pmu.Lock()
	b.participants[k] = struct{}{}
	b.pmu.Unlock()

	if !created {
		b.log.Debug("broker.participant.exists", "room_id", roomID, "user_id", userID)
	}
	return nil
}

// fanoutPresence broadcasts the server-composed participants view.
func (b *Broker) fanoutPresence(entry *roomEntry, userID, event string) {
	payload, _ := json.Marshal(v1.PresencePayload{
		RoomID: entry.id,
		UserID: userID,
		Event:  event,
		Live:   b.presence.ListLive(entry.id),
	})
	entry.fanout(newEnvelope(v1.TypeParticipants, entry.id, payload, time.Now().UTC()))
}

// newEnvelope wraps a payload into the canonical wire envelope.
func newEnvelope(typ, roomID string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		RoomID:  roomID,
		TS:      ts,
		Payload: payload,
	}
}
