package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"judgement-server/internal/judgement"
)

const roomChangeChannel = "judgement_room_changes"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS judgement_rooms (
		room_id    TEXT PRIMARY KEY,
		version    BIGINT NOT NULL,
		document   JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS judgement_connections (
		connection_id TEXT PRIMARY KEY,
		room_id       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS judgement_sessions (
		token   TEXT PRIMARY KEY,
		room_id TEXT NOT NULL
	)`,
}

// PostgresStore shares rooms between server instances through one
// JSONB document per room. Saves NOTIFY on a shared channel inside the
// writing transaction; a dedicated LISTEN connection feeds Changes with
// every foreign save.
type PostgresStore struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	instanceID string
	changes    chan RoomChange
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewPostgresStore(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	for _, ddl := range postgresSchema {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:       pool,
		logger:     logger,
		instanceID: uuid.NewString(),
		changes:    make(chan RoomChange, 64),
		cancel:     cancel,
	}

	s.wg.Add(1)
	go s.listen(listenCtx)

	return s, nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room *judgement.Room) error {
	room.LastUpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("serialize room %s: %w", room.RoomID, err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO judgement_rooms (room_id, version, document, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id) DO NOTHING`,
		room.RoomID, room.Version, raw, room.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("insert room %s: %w", room.RoomID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomExists
	}
	return nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (*judgement.Room, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM judgement_rooms WHERE room_id = $1`, roomID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var room judgement.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("deserialize room %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *PostgresStore) SaveRoom(ctx context.Context, room *judgement.Room) error {
	next := *room
	next.Version = room.Version + 1
	next.LastUpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("serialize room %s: %w", room.RoomID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save of room %s: %w", room.RoomID, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE judgement_rooms
		 SET version = $2, document = $3, updated_at = $4
		 WHERE room_id = $1 AND version = $5`,
		room.RoomID, next.Version, raw, next.LastUpdatedAt, room.Version)
	if err != nil {
		return fmt.Errorf("save room %s: %w", room.RoomID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM judgement_rooms WHERE room_id = $1)`,
			room.RoomID).Scan(&exists); err != nil {
			return fmt.Errorf("check room %s: %w", room.RoomID, err)
		}
		if !exists {
			return ErrRoomNotFound
		}
		return ErrVersionConflict
	}

	payload, err := json.Marshal(RoomChange{RoomID: room.RoomID, Origin: s.instanceID})
	if err != nil {
		return fmt.Errorf("serialize change notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, roomChangeChannel, string(payload)); err != nil {
		return fmt.Errorf("notify change for room %s: %w", room.RoomID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save of room %s: %w", room.RoomID, err)
	}

	room.Version = next.Version
	room.LastUpdatedAt = next.LastUpdatedAt
	return nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM judgement_rooms WHERE room_id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *PostgresStore) ListRoomIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT room_id FROM judgement_rooms`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) BindConnection(ctx context.Context, connectionID, roomID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO judgement_connections (connection_id, room_id) VALUES ($1, $2)
		 ON CONFLICT (connection_id) DO UPDATE SET room_id = EXCLUDED.room_id`,
		connectionID, roomID)
	if err != nil {
		return fmt.Errorf("bind connection %s: %w", connectionID, err)
	}
	return nil
}

func (s *PostgresStore) RoomByConnection(ctx context.Context, connectionID string) (string, error) {
	var roomID string
	err := s.pool.QueryRow(ctx,
		`SELECT room_id FROM judgement_connections WHERE connection_id = $1`,
		connectionID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotBound
	}
	if err != nil {
		return "", fmt.Errorf("look up connection %s: %w", connectionID, err)
	}
	return roomID, nil
}

func (s *PostgresStore) UnbindConnection(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM judgement_connections WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("unbind connection %s: %w", connectionID, err)
	}
	return nil
}

func (s *PostgresStore) BindSession(ctx context.Context, token, roomID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO judgement_sessions (token, room_id) VALUES ($1, $2)
		 ON CONFLICT (token) DO UPDATE SET room_id = EXCLUDED.room_id`,
		token, roomID)
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RoomBySession(ctx context.Context, token string) (string, error) {
	var roomID string
	err := s.pool.QueryRow(ctx,
		`SELECT room_id FROM judgement_sessions WHERE token = $1`, token).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotBound
	}
	if err != nil {
		return "", fmt.Errorf("look up session: %w", err)
	}
	return roomID, nil
}

func (s *PostgresStore) UnbindSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM judgement_sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("unbind session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Changes() <-chan RoomChange {
	return s.changes
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
	return nil
}

// listen holds one pooled connection on LISTEN and forwards foreign
// notifications. A broken connection is replaced after a short pause.
func (s *PostgresStore) listen(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.changes)

	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("room change listener disconnected", zap.Error(err))

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+roomChangeChannel); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var change RoomChange
		if err := json.Unmarshal([]byte(notification.Payload), &change); err != nil {
			s.logger.Warn("ignoring malformed room change",
				zap.String("payload", notification.Payload), zap.Error(err))
			continue
		}
		if change.Origin == s.instanceID {
			continue
		}

		select {
		case s.changes <- change:
		default:
			s.logger.Warn("dropping room change, consumer too slow",
				zap.String("room", change.RoomID))
		}
	}
}
