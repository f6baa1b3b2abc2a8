package server

import "sync"

// roomLocks serializes room mutations within this process. The store's
// version check still guards against writers on other instances; this
// keeps local handlers from burning save attempts against each other.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for roomID and returns its unlock func.
func (l *roomLocks) lock(roomID string) func() {
	l.mu.Lock()
	m, ok := l.locks[roomID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[roomID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// forget drops the mutex for a deleted room.
func (l *roomLocks) forget(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, roomID)
}
