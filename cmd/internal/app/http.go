package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"haven/cmd/internal/auth"
	"haven/cmd/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *chat.WSGateway,
	broker *chat.Broker,
	verifier auth.Verifier,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/ws", ws.HandleWS)

	mux.HandleFunc("POST /api/rooms", func(w http.ResponseWriter, r *http.Request) {
		id, ok := bearerIdentity(r, verifier)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "invalid credential")
			return
		}

		var req struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed body")
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeJSONError(w, http.StatusBadRequest, "title required")
			return
		}

		room, err := broker.CreateRoom(r.Context(), chat.CreateRoomInput{
			Title:       strings.TrimSpace(req.Title),
			Description: strings.TrimSpace(req.Description),
			CreatedBy:   id.UserID,
			Now:         time.Now().UTC(),
		})
		if err != nil {
			log.Error("api.rooms.create.fail", "err", err)
			writeJSONError(w, http.StatusInternalServerError, "storage failure")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"id":          room.ID,
			"title":       room.Title,
			"description": room.Description,
			"status":      room.Status,
			"created_by":  room.CreatedBy,
			"created_at":  room.CreatedAt.Format(time.RFC3339),
		})
	})

	mux.HandleFunc("GET /api/rooms/{id}/unread", func(w http.ResponseWriter, r *http.Request) {
		id, ok := bearerIdentity(r, verifier)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "invalid credential")
			return
		}

		roomID := r.PathValue("id")
		n, err := broker.Unread(r.Context(), id.UserID, roomID)
		if err != nil {
			if errors.Is(err, chat.ErrRoomNotFound) {
				writeJSONError(w, http.StatusNotFound, "room not found")
				return
			}
			log.Error("api.rooms.unread.fail", "room_id", roomID, "err", err)
			writeJSONError(w, http.StatusInternalServerError, "storage failure")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"room_id": roomID,
			"user_id": id.UserID,
			"unread":  n,
		})
	})
}

// bearerIdentity resolves the Authorization header to a verified identity.
func bearerIdentity(r *http.Request, verifier auth.Verifier) (auth.Identity, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	credential, found := strings.CutPrefix(h, "Bearer ")
	if !found || strings.TrimSpace(credential) == "" {
		return auth.Identity{}, false
	}
	id, err := verifier.Verify(r.Context(), strings.TrimSpace(credential))
	if err != nil {
		return auth.Identity{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
