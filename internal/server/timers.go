package server

import (
	"sync"
	"time"
)

// RoomTimers holds at most one pending timer per room, covering the
// pause after a trick and the pause between rounds. Scheduling replaces
// any pending timer. A timer that fires concurrently with Cancel may
// still run its callback, so callbacks re-check room state themselves.
type RoomTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewRoomTimers() *RoomTimers {
	return &RoomTimers{timers: make(map[string]*time.Timer)}
}

func (t *RoomTimers) Schedule(roomID string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pending, ok := t.timers[roomID]; ok {
		pending.Stop()
	}
	t.timers[roomID] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, roomID)
		t.mu.Unlock()
		fn()
	})
}

func (t *RoomTimers) Cancel(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pending, ok := t.timers[roomID]; ok {
		pending.Stop()
		delete(t.timers, roomID)
	}
}

func (t *RoomTimers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for roomID, pending := range t.timers {
		pending.Stop()
		delete(t.timers, roomID)
	}
}
