package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"judgement-server/internal/judgement"
)

// MemoryStore keeps everything in process. Rooms are held as JSON
// documents so reads hand out private copies, the same shape the
// external stores produce. Changes never fires: a single process has
// no foreign writers.
type MemoryStore struct {
	mu          sync.RWMutex
	rooms       map[string][]byte
	versions    map[string]int64
	connections map[string]string
	sessions    map[string]string
	changes     chan RoomChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:       make(map[string][]byte),
		versions:    make(map[string]int64),
		connections: make(map[string]string),
		sessions:    make(map[string]string),
		changes:     make(chan RoomChange),
	}
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room *judgement.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.RoomID]; exists {
		return ErrRoomExists
	}

	room.LastUpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("serialize room %s: %w", room.RoomID, err)
	}

	s.rooms[room.RoomID] = raw
	s.versions[room.RoomID] = room.Version
	return nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (*judgement.Room, error) {
	s.mu.RLock()
	raw, ok := s.rooms[roomID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRoomNotFound
	}

	var room judgement.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("deserialize room %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *MemoryStore) SaveRoom(ctx context.Context, room *judgement.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.versions[room.RoomID]
	if !ok {
		return ErrRoomNotFound
	}
	if current != room.Version {
		return ErrVersionConflict
	}

	next := *room
	next.Version = room.Version + 1
	next.LastUpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("serialize room %s: %w", room.RoomID, err)
	}

	s.rooms[room.RoomID] = raw
	s.versions[room.RoomID] = next.Version
	room.Version = next.Version
	room.LastUpdatedAt = next.LastUpdatedAt
	return nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	delete(s.versions, roomID)
	return nil
}

func (s *MemoryStore) ListRoomIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) BindConnection(ctx context.Context, connectionID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[connectionID] = roomID
	return nil
}

func (s *MemoryStore) RoomByConnection(ctx context.Context, connectionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roomID, ok := s.connections[connectionID]
	if !ok {
		return "", ErrNotBound
	}
	return roomID, nil
}

func (s *MemoryStore) UnbindConnection(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connectionID)
	return nil
}

func (s *MemoryStore) BindSession(ctx context.Context, token, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = roomID
	return nil
}

func (s *MemoryStore) RoomBySession(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roomID, ok := s.sessions[token]
	if !ok {
		return "", ErrNotBound
	}
	return roomID, nil
}

func (s *MemoryStore) UnbindSession(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *MemoryStore) Changes() <-chan RoomChange {
	return s.changes
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	close(s.changes)
	return nil
}
