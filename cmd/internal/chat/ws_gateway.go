package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"haven/cmd/internal/auth"
	v1 "haven/shared/contracts/support/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "haven.support.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsDefaultHistoryLimit = 50
	wsMaxHistoryLimit     = 200

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for the support-chat broker.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, resolves the session identity through the auth collaborator,
// and routes validated envelopes to the Broker. A failed submit degrades
// only that event; the connection stays attached.
type WSGateway struct {
	log      *slog.Logger
	broker   *Broker
	verifier auth.Verifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, broker *Broker, verifier auth.Verifier) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, broker: broker, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("HAVEN_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("HAVEN_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("HAVEN_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("HAVEN_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("HAVEN_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("HAVEN_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("HAVEN_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("HAVEN_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("HAVEN_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("HAVEN_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the event loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewSessionID()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		client    *Client
		identity  auth.Identity

		// attached is written by the read loop and drained by shutdown,
		// which other goroutines may trigger; amu covers both.
		amu      sync.Mutex
		attached = make(map[string]struct{})
	)

	// A client handle exists before hello so early errors can be queued; the
	// user identity is filled in by the hello handler.
	client = NewClient("", sessionID, g.sendQueueSize)

	attachRoom := func(roomID string) {
		amu.Lock()
		attached[roomID] = struct{}{}
		amu.Unlock()
	}
	isAttached := func(roomID string) bool {
		amu.Lock()
		_, ok := attached[roomID]
		amu.Unlock()
		return ok
	}

	// shutdown is idempotent. It does NOT close client.Send.
	// Detaching happens before client.Close so fanout never holds a dying pointer.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			amu.Lock()
			rooms := make([]string, 0, len(attached))
			for roomID := range attached {
				rooms = append(rooms, roomID)
			}
			amu.Unlock()

			for _, roomID := range rooms {
				g.broker.Detach(ctx, client, roomID)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type != v1.TypeHello && identity.UserID == "" {
			g.trySendError(ctx, client, "not_authenticated", "hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			id, err := g.onHello(ctx, client, sessionID, env)
			if err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			identity = id
			client.UserID = id.UserID

		case v1.TypeRoomAttach:
			roomID, err := g.onAttach(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, codeForErr(err), err.Error())
				continue readLoop
			}
			attachRoom(roomID)

		case v1.TypeMessage:
			if err := g.onMessage(ctx, identity, isAttached, env, now); err != nil {
				g.trySendError(ctx, client, codeForErr(err), err.Error())
				continue readLoop
			}

		case v1.TypeParticipants:
			if err := g.onParticipants(ctx, isAttached, env); err != nil {
				g.trySendError(ctx, client, codeForErr(err), err.Error())
				continue readLoop
			}

		case v1.TypeCloseChat:
			if err := g.onCloseChat(ctx, identity, env); err != nil {
				g.trySendError(ctx, client, codeForErr(err), err.Error())
				continue readLoop
			}

		case v1.TypeReadMark:
			if err := g.onReadMark(ctx, identity, env); err != nil {
				g.trySendError(ctx, client, codeForErr(err), err.Error())
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			if err := g.onHistoryFetch(ctx, client, isAttached, env); err != nil {
				g.trySendError(ctx, client, codeForErr(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, sessionID string, env v1.Envelope) (auth.Identity, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return auth.Identity{}, fmt.Errorf("invalid payload: %w", err)
	}

	id, err := g.verifier.Verify(ctx, p.Credential)
	if err != nil {
		return auth.Identity{}, err
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: sessionID,
		UserID:    id.UserID,
		Role:      string(id.Role),
	})
	ack := newEnvelope(v1.TypeHelloAck, "", ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return auth.Identity{}, errors.New("backpressure: hello ack")
	}
	return id, nil
}

func (g *WSGateway) onAttach(ctx context.Context, client *Client, env v1.Envelope) (string, error) {
	var p v1.RoomAttachPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return "", errors.New("missing room_id")
	}

	status, err := g.broker.Attach(ctx, client, roomID)
	if err != nil {
		return "", err
	}

	ackPayload, _ := json.Marshal(v1.RoomAttachAckPayload{
		RoomID: roomID,
		Status: string(status),
	})
	ack := newEnvelope(v1.TypeRoomAttachAck, roomID, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		g.broker.Detach(ctx, client, roomID)
		return "", errors.New("backpressure: attach ack")
	}

	return roomID, nil
}

func (g *WSGateway) onMessage(ctx context.Context, identity auth.Identity, isAttached func(string) bool, env v1.Envelope, now time.Time) error {
	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	// status=true marks a client-side pre-closed send attempt: ignored,
	// never persisted.
	if p.Status {
		g.log.Debug("ws.message.pre_closed", "room_id", p.RoomID, "user_id", identity.UserID)
		return nil
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}
	if !isAttached(roomID) {
		return errors.New("not attached: attach first")
	}
	if p.UserID != "" && p.UserID != identity.UserID {
		return errors.New("user_id mismatch")
	}

	if len([]rune(p.Content)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}
	if len(p.FileURLs) > maxFileURLs {
		return fmt.Errorf("too many attachments: max=%d", maxFileURLs)
	}

	_, err := g.broker.Post(ctx, PostInput{
		RoomID:   roomID,
		UserID:   identity.UserID,
		Content:  p.Content,
		FileURLs: p.FileURLs,
		Now:      now,
	})
	// The accepted message reaches this client through the room fanout, so
	// no separate ack envelope is sent.
	return err
}

func (g *WSGateway) onParticipants(ctx context.Context, isAttached func(string) bool, env v1.Envelope) error {
	roomID := strings.TrimSpace(env.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}
	if !isAttached(roomID) {
		return errors.New("not attached: attach first")
	}
	return g.broker.RelayParticipants(ctx, roomID, env.Payload)
}

func (g *WSGateway) onCloseChat(ctx context.Context, identity auth.Identity, env v1.Envelope) error {
	var p v1.CloseChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		roomID = strings.TrimSpace(env.RoomID)
	}
	if roomID == "" {
		return errors.New("missing room_id")
	}

	return g.broker.Close(ctx, roomID, identity)
}

func (g *WSGateway) onReadMark(ctx context.Context, identity auth.Identity, env v1.Envelope) error {
	var p v1.ReadMarkPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.RoomID) == "" {
		return errors.New("missing room_id")
	}

	_, err := g.broker.MarkRead(ctx, identity.UserID, p.RoomID, p.Seq)
	return err
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, isAttached func(string) bool, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}
	if !isAttached(roomID) {
		return errors.New("not attached: attach first")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = wsDefaultHistoryLimit
	}
	if limit > wsMaxHistoryLimit {
		limit = wsMaxHistoryLimit
	}

	out, err := g.broker.History(ctx, FetchHistoryInput{
		RoomID:   roomID,
		AfterSeq: p.AfterSeq,
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	msgs := make([]v1.MessageEventPayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, v1.MessageEventPayload{
			RoomID:      m.RoomID,
			UserID:      m.UserID,
			Content:     m.Content,
			FileURLs:    m.FileURLs,
			Seq:         m.Seq,
			ServerMsgID: m.ServerMsgID,
			ServerTS:    m.ServerTS,
			Unreaded:    true,
		})
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		RoomID:   roomID,
		Messages: msgs,
		HasMore:  out.HasMore,
	})
	chunk := newEnvelope(v1.TypeHistoryChunk, roomID, chunkPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, "", p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// codeForErr maps broker failures to wire error codes.
func codeForErr(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case IsStorageFailure(err):
		return "storage_failure"
	default:
		return "submit_failed"
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// Decode failures from readEnvelope: malformed JSON and envelopes whose
	// fields carry the wrong type both degrade to a bad_envelope error
	// instead of tearing down the connection.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
