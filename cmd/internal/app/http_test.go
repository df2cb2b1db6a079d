package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"haven/cmd/internal/auth"
	"haven/cmd/internal/chat"
)

func newTestMux(t *testing.T) (*http.ServeMux, *chat.Broker) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	broker := chat.NewBroker(log, chat.NewInMemoryStore())
	verifier := auth.DevVerifier{}
	ws := chat.NewWSGateway(log, broker, verifier)

	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{}, nil, false, ws, broker, verifier)
	return mux, broker
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, bearer, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response: %v: %s", err, rec.Body.String())
		}
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
}

func TestReadyzWithoutDB(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := chat.NewBroker(log, chat.NewInMemoryStore())
	ws := chat.NewWSGateway(log, broker, auth.DevVerifier{})

	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{}, nil, false, ws, broker, auth.DevVerifier{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz without db requirement status=%d", rec.Code)
	}

	strict := http.NewServeMux()
	registerHTTP(strict, log, Config{ReadinessRequireDB: true}, nil, false, ws, broker, auth.DevVerifier{})

	rec = httptest.NewRecorder()
	strict.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with db requirement status=%d", rec.Code)
	}
}

func TestCreateRoom(t *testing.T) {
	t.Parallel()

	mux, _ := newTestMux(t)

	rec, out := doJSON(t, mux, http.MethodPost, "/api/rooms", "agent-1:admin",
		`{"title":"Billing issue","description":"refund request"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatalf("missing room id in %v", out)
	}
	if out["title"] != "Billing issue" || out["status"] != "open" || out["created_by"] != "agent-1" {
		t.Fatalf("room fields wrong: %v", out)
	}
}

func TestCreateRoomRequiresAuth(t *testing.T) {
	t.Parallel()

	mux, _ := newTestMux(t)

	rec, _ := doJSON(t, mux, http.MethodPost, "/api/rooms", "", `{"title":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer status=%d", rec.Code)
	}
}

func TestCreateRoomRejectsBadBody(t *testing.T) {
	t.Parallel()

	mux, _ := newTestMux(t)

	rec, _ := doJSON(t, mux, http.MethodPost, "/api/rooms", "agent-1:admin", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status=%d", rec.Code)
	}

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/rooms", "agent-1:admin", `{"title":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank title status=%d", rec.Code)
	}
}

func TestRoomUnread(t *testing.T) {
	t.Parallel()

	mux, _ := newTestMux(t)

	_, created := doJSON(t, mux, http.MethodPost, "/api/rooms", "agent-1:admin", `{"title":"Support"}`)
	roomID, _ := created["id"].(string)
	if roomID == "" {
		t.Fatalf("room create failed: %v", created)
	}

	rec, out := doJSON(t, mux, http.MethodGet, "/api/rooms/"+roomID+"/unread", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unread status=%d body=%s", rec.Code, rec.Body.String())
	}
	if out["room_id"] != roomID || out["user_id"] != "bob" {
		t.Fatalf("unread identity wrong: %v", out)
	}
	if n, ok := out["unread"].(float64); !ok || n != 0 {
		t.Fatalf("unread count=%v", out["unread"])
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/api/rooms/missing/unread", "bob", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown room status=%d", rec.Code)
	}
}
