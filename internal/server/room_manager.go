package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"judgement-server/internal/judgement"
	"judgement-server/internal/store"
)

const (
	// maxSaveAttempts bounds reloads when a save loses the version race
	// to a writer on another instance.
	maxSaveAttempts = 3

	maxCodeAttempts = 5
)

// RoomManager is the write path for rooms. Every mutation runs under
// the room's local lock as load, apply, save; a save that loses the
// version race to another instance reloads the room and applies the
// mutation again from scratch.
type RoomManager struct {
	store  store.Store
	locks  *roomLocks
	logger *zap.Logger
}

func NewRoomManager(st store.Store, logger *zap.Logger) *RoomManager {
	return &RoomManager{
		store:  st,
		locks:  newRoomLocks(),
		logger: logger,
	}
}

// CreateRoom persists a fresh lobby under a newly allocated code,
// containing only the creator.
func (m *RoomManager) CreateRoom(ctx context.Context, creator *judgement.Player) (*judgement.Room, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		room := judgement.NewRoom(GenerateRoomCode())
		room.AddPlayer(creator)

		err := m.store.CreateRoom(ctx, room)
		if errors.Is(err, store.ErrRoomExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
	return nil, errors.New("ROOM_CODES_EXHAUSTED: Could not allocate a room code")
}

func (m *RoomManager) GetRoom(ctx context.Context, roomID string) (*judgement.Room, error) {
	return m.store.GetRoom(ctx, roomID)
}

// UpdateRoom applies fn to the current room state and saves the result.
// fn may run more than once, against a fresh copy each time, so it must
// confine its effects to the room it is handed and to captured result
// variables it fully overwrites.
func (m *RoomManager) UpdateRoom(ctx context.Context, roomID string, fn func(*judgement.Room) error) (*judgement.Room, error) {
	unlock := m.locks.lock(roomID)
	defer unlock()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		room, err := m.store.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}

		if err := fn(room); err != nil {
			return nil, err
		}

		err = m.store.SaveRoom(ctx, room)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		m.logger.Debug("save lost version race, retrying",
			zap.String("room", roomID), zap.Int("attempt", attempt+1))
	}

	m.logger.Warn("room update gave up after repeated version conflicts",
		zap.String("room", roomID))
	return nil, fmt.Errorf("CONFLICT: Room is busy, try again")
}

// RemoveRoom deletes a room together with every session and connection
// binding that points at it.
func (m *RoomManager) RemoveRoom(ctx context.Context, room *judgement.Room) error {
	for _, p := range room.Players {
		if err := m.store.UnbindSession(ctx, p.SessionToken); err != nil {
			m.logger.Warn("unbind session failed",
				zap.String("room", room.RoomID), zap.Error(err))
		}
		if p.ConnectionID == "" {
			continue
		}
		if err := m.store.UnbindConnection(ctx, p.ConnectionID); err != nil {
			m.logger.Warn("unbind connection failed",
				zap.String("room", room.RoomID), zap.Error(err))
		}
	}

	if err := m.store.DeleteRoom(ctx, room.RoomID); err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		return err
	}
	m.locks.forget(room.RoomID)
	return nil
}
