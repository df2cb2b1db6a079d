// Package chat contains Haven's support-chat broker: room-scoped pub/sub,
// presence and last-read tracking, the room lifecycle, and the persistence
// primitives behind them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore and ReadMarkerStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - InsertMessage takes a per-room transactional advisory lock, so sequence
//     allocation stays strictly monotonic and gapless even if a second broker
//     process ever shares the database.
//   - UpsertLastRead applies the greater-wins rule inside the statement, so
//     racing acknowledgements can never move a marker backwards.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "haven").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "haven",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateRoom persists a new open room.
func (s *PostgresStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
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

	rooms := pgIdent(s.schema, "rooms")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+rooms+` (id, title, description, status, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.Title, in.Description, string(StatusOpen), in.CreatedBy, now,
	); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	return Room{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Status:      StatusOpen,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
	}, nil
}

// GetRoom returns the room record or ErrRoomNotFound.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var (
		r      Room
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, description, status, created_by, created_at
		   FROM `+rooms+`
		  WHERE id = $1`,
		roomID,
	).Scan(&r.ID, &r.Title, &r.Description, &status, &r.CreatedBy, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, fmt.Errorf("get room %q: %w", roomID, ErrRoomNotFound)
	}
	if err != nil {
		return Room{}, err
	}
	r.Status = RoomStatus(status)
	return r, nil
}

// UpdateRoomStatus persists the lifecycle transition.
func (s *PostgresStore) UpdateRoomStatus(ctx context.Context, roomID string, status RoomStatus) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rooms := pgIdent(s.schema, "rooms")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+rooms+` SET status = $2 WHERE id = $1`,
		roomID, string(status),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update room %q: %w", roomID, ErrRoomNotFound)
	}
	return nil
}

// InsertMessage appends a message with monotonic sequence allocation.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("chat: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return StoredMessage{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per room so seq allocation stays strictly
	// monotonic without races, even across processes sharing this database.
	// hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return StoredMessage{}, fmt.Errorf("advisory lock: %w", err)
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return StoredMessage{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		in.RoomID,
	).Scan(&seq); err != nil {
		return StoredMessage{}, err
	}

	serverMsgID := NewServerMsgID(now)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     room_id, seq, server_msg_id, user_id, content, file_urls, server_ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.RoomID, seq, serverMsgID, in.UserID, in.Content, in.FileURLs, now,
	); err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}

	out := StoredMessage{
		RoomID:      in.RoomID,
		UserID:      in.UserID,
		Content:     in.Content,
		FileURLs:    in.FileURLs,
		Seq:         seq,
		ServerMsgID: serverMsgID,
		ServerTS:    now,
	}

	if err := tx.Commit(ctx); err != nil {
		return StoredMessage{}, err
	}
	return out, nil
}

// InsertParticipant records durable membership. Duplicate adds report
// created=false ("already a participant"), never an error.
func (s *PostgresStore) InsertParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil store")
	}
	if roomID == "" || userID == "" {
		return false, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	participants := pgIdent(s.schema, "room_participants")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+participants+` (room_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("chat: nil store")
	}
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

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT room_id, seq, server_msg_id, user_id, content, file_urls, server_ts
			   FROM `+messages+`
			  WHERE room_id = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.RoomID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT room_id, seq, server_msg_id, user_id, content, file_urls, server_ts
			   FROM `+messages+`
			  WHERE room_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.RoomID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, fetch)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(
			&m.RoomID,
			&m.Seq,
			&m.ServerMsgID,
			&m.UserID,
			&m.Content,
			&m.FileURLs,
			&m.ServerTS,
		); err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// CountAfter counts messages in roomID with seq > afterSeq.
func (s *PostgresStore) CountAfter(ctx context.Context, roomID string, afterSeq int64) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+` WHERE room_id = $1 AND seq > $2`,
		roomID, afterSeq,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// UpsertLastRead merges seq with GREATEST inside the statement, so the stored
// marker never regresses regardless of acknowledgement arrival order.
func (s *PostgresStore) UpsertLastRead(ctx context.Context, userID, roomID string, seq int64) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if userID == "" || roomID == "" {
		return 0, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	lastReads := pgIdent(s.schema, "last_reads")

	var stored int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+lastReads+` AS lr (room_id, user_id, last_seq, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (room_id, user_id) DO UPDATE
		    SET last_seq = GREATEST(lr.last_seq, EXCLUDED.last_seq),
		        updated_at = now()
		 RETURNING last_seq`,
		roomID, userID, seq,
	).Scan(&stored)
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// GetLastRead returns the stored marker, if any.
func (s *PostgresStore) GetLastRead(ctx context.Context, userID, roomID string) (int64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	lastReads := pgIdent(s.schema, "last_reads")

	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_seq FROM `+lastReads+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
