// Package store persists room documents and the lookup indexes the
// server needs on every inbound message. Implementations are
// interchangeable: an in-process map for single-instance deployments,
// PostgreSQL or Redis when several instances share a room pool.
package store

import (
	"context"
	"errors"

	"judgement-server/internal/judgement"
)

var (
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotBound        = errors.New("not bound to a room")
	ErrVersionConflict = errors.New("room version conflict")
)

// RoomChange is a room-scoped change notification. Stores only deliver
// changes persisted by other instances; a store never echoes its own
// saves back.
type RoomChange struct {
	RoomID string `json:"roomId"`
	Origin string `json:"origin"`
}

// Store is the durable source of truth for rooms.
//
// SaveRoom performs an optimistic write: it succeeds only while the
// stored version still equals room.Version, then stamps LastUpdatedAt,
// increments Version and writes both back into the struct. A lost race
// returns ErrVersionConflict and persists nothing, so callers reload
// and re-apply.
type Store interface {
	CreateRoom(ctx context.Context, room *judgement.Room) error
	GetRoom(ctx context.Context, roomID string) (*judgement.Room, error)
	SaveRoom(ctx context.Context, room *judgement.Room) error
	DeleteRoom(ctx context.Context, roomID string) error
	ListRoomIDs(ctx context.Context) ([]string, error)

	BindConnection(ctx context.Context, connectionID, roomID string) error
	RoomByConnection(ctx context.Context, connectionID string) (string, error)
	UnbindConnection(ctx context.Context, connectionID string) error

	BindSession(ctx context.Context, token, roomID string) error
	RoomBySession(ctx context.Context, token string) (string, error)
	UnbindSession(ctx context.Context, token string) error

	// Changes yields foreign-origin room changes until Close.
	Changes() <-chan RoomChange

	Ping(ctx context.Context) error
	Close() error
}
