package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"judgement-server/internal/judgement"
)

const (
	redisRoomPrefix    = "judgement:room:"
	redisConnPrefix    = "judgement:conn:"
	redisSessPrefix    = "judgement:sess:"
	redisChangeChannel = "judgement:room-changes"
)

// RedisStore keeps each room as one JSON value and relies on WATCH to
// detect concurrent writers. Saves publish on a shared channel; a
// subscriber goroutine feeds Changes with every foreign save.
type RedisStore struct {
	rdb        *redis.Client
	logger     *zap.Logger
	instanceID string
	changes    chan RoomChange
	pubsub     *redis.PubSub
	wg         sync.WaitGroup
}

func NewRedisStore(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s := &RedisStore{
		rdb:        rdb,
		logger:     logger,
		instanceID: uuid.NewString(),
		changes:    make(chan RoomChange, 64),
		pubsub:     rdb.Subscribe(context.Background(), redisChangeChannel),
	}

	s.wg.Add(1)
	go s.listen()

	return s, nil
}

func (s *RedisStore) CreateRoom(ctx context.Context, room *judgement.Room) error {
	room.LastUpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("serialize room %s: %w", room.RoomID, err)
	}

	created, err := s.rdb.SetNX(ctx, redisRoomPrefix+room.RoomID, raw, 0).Result()
	if err != nil {
		return fmt.Errorf("insert room %s: %w", room.RoomID, err)
	}
	if !created {
		return ErrRoomExists
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (*judgement.Room, error) {
	raw, err := s.rdb.Get(ctx, redisRoomPrefix+roomID).Bytes()
	if errors.Is(err, redis.Nil) {
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

func (s *RedisStore) SaveRoom(ctx context.Context, room *judgement.Room) error {
	key := redisRoomPrefix + room.RoomID

	next := *room
	next.Version = room.Version + 1
	next.LastUpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("serialize room %s: %w", room.RoomID, err)
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}

		var stored judgement.Room
		if err := json.Unmarshal(current, &stored); err != nil {
			return fmt.Errorf("deserialize room %s: %w", room.RoomID, err)
		}
		if stored.Version != room.Version {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("save room %s: %w", room.RoomID, err)
	}

	payload, err := json.Marshal(RoomChange{RoomID: room.RoomID, Origin: s.instanceID})
	if err != nil {
		return fmt.Errorf("serialize change notification: %w", err)
	}
	if err := s.rdb.Publish(ctx, redisChangeChannel, payload).Err(); err != nil {
		// The save itself went through, peers just miss one notification.
		s.logger.Warn("publish room change failed",
			zap.String("room", room.RoomID), zap.Error(err))
	}

	room.Version = next.Version
	room.LastUpdatedAt = next.LastUpdatedAt
	return nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	deleted, err := s.rdb.Del(ctx, redisRoomPrefix+roomID).Result()
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	if deleted == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *RedisStore) ListRoomIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, redisRoomPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), redisRoomPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) BindConnection(ctx context.Context, connectionID, roomID string) error {
	if err := s.rdb.Set(ctx, redisConnPrefix+connectionID, roomID, 0).Err(); err != nil {
		return fmt.Errorf("bind connection %s: %w", connectionID, err)
	}
	return nil
}

func (s *RedisStore) RoomByConnection(ctx context.Context, connectionID string) (string, error) {
	roomID, err := s.rdb.Get(ctx, redisConnPrefix+connectionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotBound
	}
	if err != nil {
		return "", fmt.Errorf("look up connection %s: %w", connectionID, err)
	}
	return roomID, nil
}

func (s *RedisStore) UnbindConnection(ctx context.Context, connectionID string) error {
	if err := s.rdb.Del(ctx, redisConnPrefix+connectionID).Err(); err != nil {
		return fmt.Errorf("unbind connection %s: %w", connectionID, err)
	}
	return nil
}

func (s *RedisStore) BindSession(ctx context.Context, token, roomID string) error {
	if err := s.rdb.Set(ctx, redisSessPrefix+token, roomID, 0).Err(); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return nil
}

func (s *RedisStore) RoomBySession(ctx context.Context, token string) (string, error) {
	roomID, err := s.rdb.Get(ctx, redisSessPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotBound
	}
	if err != nil {
		return "", fmt.Errorf("look up session: %w", err)
	}
	return roomID, nil
}

func (s *RedisStore) UnbindSession(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, redisSessPrefix+token).Err(); err != nil {
		return fmt.Errorf("unbind session: %w", err)
	}
	return nil
}

func (s *RedisStore) Changes() <-chan RoomChange {
	return s.changes
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if err := s.pubsub.Close(); err != nil {
		s.logger.Warn("close pubsub failed", zap.Error(err))
	}
	s.wg.Wait()
	return s.rdb.Close()
}

// listen drains the pub/sub subscription until Close tears it down.
func (s *RedisStore) listen() {
	defer s.wg.Done()
	defer close(s.changes)

	for msg := range s.pubsub.Channel() {
		var change RoomChange
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			s.logger.Warn("ignoring malformed room change",
				zap.String("payload", msg.Payload), zap.Error(err))
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
