// Package main provides a CI-friendly WebSocket smoke test for the Haven
// support-chat gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello(credential) -> hello_ack session establishment
//   - room creation over the REST API
//   - room_attach -> room_attach_ack
//   - message post -> fanout to sender and peer with unreaded=true
//   - read_mark acceptance
//   - history fetch (full window, then an empty window past the last seq)
//   - closeChat fanout and room_closed rejection afterwards
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "haven/shared/contracts/support/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "haven.support.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL    = flag.String("api", "http://127.0.0.1:8080", "REST API base URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		agentCred = flag.String("agent", "smoke-agent:admin", "Agent credential (dev verifier format)")
		custCred  = flag.String("customer", "smoke-customer", "Customer credential (dev verifier format)")
		text      = flag.String("text", "hello from haven smoke", "Message content to send")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	roomID := mustCreateRoom(root, *apiURL, *agentCred, *timeout)
	if *verbose {
		fmt.Printf("room created: %s\n", roomID)
	}

	agent := mustConnect(root, "agent", *wsURL, *origin, *agentCred, *timeout)
	defer closeWS(agent.conn)

	cust := mustConnect(root, "customer", *wsURL, *origin, *custCred, *timeout)
	defer closeWS(cust.conn)

	if *verbose {
		fmt.Printf("connected: agent=%s customer=%s origin=%q\n", agent.sessionID, cust.sessionID, *origin)
	}

	mustAttach(root, agent, roomID, "open", *timeout)
	mustAttach(root, cust, roomID, "open", *timeout)

	seq := mustPostAndAssertFanout(root, cust, agent, roomID, *text, *timeout)

	mustReadMark(root, agent, roomID, seq, *timeout)

	mustHistoryFetchContains(root, agent, roomID, nil, 50, cust.userID, seq, *text, *timeout)

	after := seq
	mustHistoryFetchEmpty(root, agent, roomID, &after, 50, *timeout)

	mustCloseChat(root, agent, cust, roomID, *timeout)

	mustPostRejected(root, cust, roomID, "room_closed", *timeout)

	fmt.Printf("OK: agent=%s customer=%s room_id=%s seq=%d\n", agent.sessionID, cust.sessionID, roomID, seq)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustCreateRoom(parent context.Context, apiBase, credential string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"title":       "smoke room",
		"description": "created by ws-smoke",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiBase, "/")+"/api/rooms", bytes.NewReader(body))
	if err != nil {
		fatalf("build create-room request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create room: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		fatalf("create room: status=%d body=%s", resp.StatusCode, string(data))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode create-room response: %v", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		fatalf("create room: missing id in response")
	}
	return out.ID
}

func mustConnect(parent context.Context, name, wsURL, origin, credential string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Credential: credential}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing user_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAttach(parent context.Context, c *smokeClient, roomID, wantStatus string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeRoomAttach,
		ID:      fmt.Sprintf("%s-attach", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.RoomAttachPayload{RoomID: roomID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// Presence fanout may land before the ack; skip it.
	skip := map[string]struct{}{v1.TypeParticipants: {}}
	ack := c.mustReadUntilType(parent, v1.TypeRoomAttachAck, stepTimeout, skip)

	var p v1.RoomAttachAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal room_attach_ack payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("attach ack room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.Status != wantStatus {
		fatalf("attach ack status mismatch (%s): got=%q want=%q", c.name, p.Status, wantStatus)
	}
}

func mustPostAndAssertFanout(parent context.Context, sender, peer *smokeClient, roomID, text string, stepTimeout time.Duration) int64 {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessage,
		ID:   fmt.Sprintf("%s-post", sender.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessagePayload{
			RoomID:  roomID,
			UserID:  sender.userID,
			Content: text,
			Status:  false,
		}),
	}
	mustWriteWithTimeout(parent, sender.conn, env, stepTimeout)

	// Both attached sessions receive the fanout, sender included.
	got := assertMessageEvent(parent, sender, roomID, sender.userID, text, stepTimeout)
	peerGot := assertMessageEvent(parent, peer, roomID, sender.userID, text, stepTimeout)

	if got.Seq != peerGot.Seq {
		fatalf("fanout seq mismatch: sender=%d peer=%d", got.Seq, peerGot.Seq)
	}
	if got.ServerMsgID != peerGot.ServerMsgID {
		fatalf("fanout server_msg_id mismatch: sender=%q peer=%q", got.ServerMsgID, peerGot.ServerMsgID)
	}
	return got.Seq
}

func assertMessageEvent(parent context.Context, c *smokeClient, roomID, fromUserID, text string, stepTimeout time.Duration) v1.MessageEventPayload {
	skip := map[string]struct{}{v1.TypeParticipants: {}}
	env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout, skip)

	var p v1.MessageEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("message room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.UserID != fromUserID {
		fatalf("message user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, fromUserID)
	}
	if p.Content != text {
		fatalf("message content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.Seq <= 0 {
		fatalf("message invalid seq (%s): %d", c.name, p.Seq)
	}
	if strings.TrimSpace(p.ServerMsgID) == "" {
		fatalf("message missing server_msg_id (%s)", c.name)
	}
	if p.ServerTS.IsZero() {
		fatalf("message server_ts missing/zero (%s)", c.name)
	}
	if !p.Unreaded {
		fatalf("message unreaded flag not set (%s)", c.name)
	}
	return p
}

func mustReadMark(parent context.Context, c *smokeClient, roomID string, seq int64, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeReadMark,
		ID:   fmt.Sprintf("%s-read", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ReadMarkPayload{
			RoomID: roomID,
			Seq:    seq,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// read_mark has no ack; an error envelope would surface on later reads.
}

func mustHistoryFetchContains(
	parent context.Context,
	c *smokeClient,
	roomID string,
	afterSeq *int64,
	limit int,
	fromUserID string,
	seq int64,
	text string,
	stepTimeout time.Duration,
) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			RoomID:   roomID,
			AfterSeq: afterSeq,
			Limit:    limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	skip := map[string]struct{}{v1.TypeParticipants: {}}
	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skip)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("history_chunk room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}

	found := false
	for _, m := range p.Messages {
		if m.RoomID == roomID &&
			m.UserID == fromUserID &&
			m.Seq == seq &&
			m.Content == text &&
			!m.ServerTS.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("history_chunk missing expected message (%s)", c.name)
	}
}

func mustHistoryFetchEmpty(parent context.Context, c *smokeClient, roomID string, afterSeq *int64, limit int, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch-empty", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			RoomID:   roomID,
			AfterSeq: afterSeq,
			Limit:    limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	skip := map[string]struct{}{v1.TypeParticipants: {}}
	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skip)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("history_chunk room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if len(p.Messages) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(p.Messages))
	}
}

func mustCloseChat(parent context.Context, admin, peer *smokeClient, roomID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeCloseChat,
		ID:      fmt.Sprintf("%s-close", admin.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.CloseChatPayload{RoomID: roomID}),
	}
	mustWriteWithTimeout(parent, admin.conn, env, stepTimeout)

	for _, c := range []*smokeClient{admin, peer} {
		skip := map[string]struct{}{v1.TypeParticipants: {}}
		got := c.mustReadUntilType(parent, v1.TypeCloseChat, stepTimeout, skip)

		var p v1.CloseChatEventPayload
		if err := json.Unmarshal(got.Payload, &p); err != nil {
			fatalf("unmarshal closeChat payload (%s): %v", c.name, err)
		}
		if p.RoomID != roomID {
			fatalf("closeChat room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
		}
		if !p.Status {
			fatalf("closeChat status flag not set (%s)", c.name)
		}
		if p.ClosedBy != admin.userID {
			fatalf("closeChat closed_by mismatch (%s): got=%q want=%q", c.name, p.ClosedBy, admin.userID)
		}
	}
}

func mustPostRejected(parent context.Context, c *smokeClient, roomID, wantCode string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessage,
		ID:   fmt.Sprintf("%s-post-closed", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessagePayload{
			RoomID:  roomID,
			UserID:  c.userID,
			Content: "should be rejected",
			Status:  false,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q error (%s): %v", wantCode, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantCode, c.name, err)
		case got, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantCode, c.name)
			}
			if got.Type == v1.TypeParticipants {
				continue
			}
			if got.Type != v1.TypeError {
				fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, got.Type, v1.TypeError)
			}
			var p v1.ErrorPayload
			if err := json.Unmarshal(got.Payload, &p); err != nil {
				fatalf("unmarshal error payload (%s): %v", c.name, err)
			}
			if p.Code != wantCode {
				fatalf("error code mismatch (%s): got=%q want=%q", c.name, p.Code, wantCode)
			}
			return
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
