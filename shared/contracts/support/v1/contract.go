// Package v1 defines the Haven support-chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomAttach attaches the session to a room's event stream (client -> server).
	TypeRoomAttach = "room_attach"
	// TypeRoomAttachAck confirms the attach (server -> client).
	TypeRoomAttachAck = "room_attach_ack"

	// TypeMessage is both the inbound post request (client -> server) and the
	// outbound fanout of an accepted message (server -> attached clients).
	TypeMessage = "message"

	// TypeParticipants is an opaque presence merge payload, relayed verbatim
	// to every attached client of the room.
	TypeParticipants = "participants"

	// TypeCloseChat closes the room (client -> server, admin only) and is
	// fanned out tagged with status=true (server -> attached clients).
	TypeCloseChat = "closeChat"

	// TypeReadMark acknowledges the highest message seq a user has seen.
	TypeReadMark = "read_mark"

	// TypeHistoryFetch requests a window of durable room history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper. Events are multiplexed by RoomID
// carried inside the envelope, not by connection topology.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomAttach,
		TypeRoomAttachAck,
		TypeMessage,
		TypeParticipants,
		TypeCloseChat,
		TypeReadMark,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the already-issued credential for the session.
// The server does not parse credentials itself; it hands them to the auth
// collaborator and trusts the (user, role) it returns.
type HelloPayload struct {
	Credential string `json:"credential"`
}

// HelloAckPayload confirms the session and echoes the resolved identity.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

// RoomAttachPayload requests attachment to a room's event stream.
type RoomAttachPayload struct {
	RoomID string `json:"room_id"`
}

// RoomAttachAckPayload confirms the attach and reports the room status.
type RoomAttachAckPayload struct {
	RoomID string `json:"room_id"`
	Status string `json:"status"`
}

// MessagePayload is the inbound post request. Status must be false for the
// post to be accepted; status=true marks a client-side pre-closed send attempt
// that the server ignores without persisting.
type MessagePayload struct {
	RoomID   string   `json:"room_id"`
	UserID   string   `json:"user_id"`
	Content  string   `json:"content,omitempty"`
	FileURLs []string `json:"file_url,omitempty"`
	Status   bool     `json:"status"`
}

// MessageEventPayload is the outbound fanout of a persisted message.
type MessageEventPayload struct {
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	Content     string    `json:"content,omitempty"`
	FileURLs    []string  `json:"file_url,omitempty"`
	Seq         int64     `json:"seq"`
	ServerMsgID string    `json:"server_msg_id"`
	ServerTS    time.Time `json:"server_ts"`
	Unreaded    bool      `json:"unreaded"`
}

// CloseChatPayload is the inbound close request. The acting role is resolved
// server-side from the session identity, never from the payload.
type CloseChatPayload struct {
	RoomID string `json:"room_id"`
}

// CloseChatEventPayload is the outbound close notification. Status is always
// true so client submit paths stop accepting new message composition.
type CloseChatEventPayload struct {
	RoomID   string `json:"room_id"`
	ClosedBy string `json:"closed_by"`
	Status   bool   `json:"status"`
}

// PresencePayload is the server-composed participants view fanned out when a
// user attaches or detaches. Client-submitted participants payloads are
// opaque to the server and relayed verbatim instead.
type PresencePayload struct {
	RoomID string   `json:"room_id"`
	UserID string   `json:"user_id"`
	Event  string   `json:"event"` // "attach" or "detach"
	Live   []string `json:"live"`
}

// ReadMarkPayload acknowledges messages up to and including Seq.
type ReadMarkPayload struct {
	RoomID string `json:"room_id"`
	Seq    int64  `json:"seq"`
}

// HistoryFetchPayload requests a history window for a room.
type HistoryFetchPayload struct {
	RoomID   string `json:"room_id"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	RoomID   string                `json:"room_id"`
	Messages []MessageEventPayload `json:"messages"`
	HasMore  bool                  `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
