package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"judgement-server/internal/config"
	"judgement-server/internal/judgement"
	"judgement-server/internal/store"
)

const (
	// defaultTrickClearDelay keeps a completed trick on screen before
	// the cleared table is broadcast.
	defaultTrickClearDelay = 1500 * time.Millisecond

	// defaultRoundOverDelay is the scoreboard pause between ROUND_OVER
	// and the next round's bidding.
	defaultRoundOverDelay = 5 * time.Second
)

type Server struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       store.Store
	rooms       *RoomManager
	connections *ConnectionRegistry
	rateLimiter *RateLimiter
	timers      *RoomTimers
	cron        *cron.Cron

	// Transition pauses live on the struct so tests can shorten them.
	trickClearDelay time.Duration
	roundOverDelay  time.Duration
}

// NewServer wires the orchestrator around an already constructed store
// and returns it together with the http.Server that fronts it.
func NewServer(cfg *config.Config, st store.Store, logger *zap.Logger) (*Server, *http.Server) {
	s := &Server{
		cfg:             cfg,
		logger:          logger,
		store:           st,
		rooms:           NewRoomManager(st, logger),
		connections:     NewConnectionRegistry(),
		rateLimiter:     NewRateLimiter(cfg.MessageRateLimit, cfg.MessageRateWindow),
		timers:          NewRoomTimers(),
		cron:            cron.New(),
		trickClearDelay: defaultTrickClearDelay,
		roundOverDelay:  defaultRoundOverDelay,
	}

	s.restoreRooms(context.Background())

	go s.consumeChanges()

	if _, err := s.cron.AddFunc("@every 10m", s.sweepRooms); err != nil {
		logger.Error("failed to schedule retention sweep", zap.Error(err))
	}
	s.cron.Start()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s, httpServer
}

// restoreRooms re-arms deferred transitions for rooms that were mid
// pause when the previous process stopped: a persisted full table still
// needs resolving, a persisted ROUND_OVER still needs its countdown.
func (s *Server) restoreRooms(ctx context.Context) {
	ids, err := s.store.ListRoomIDs(ctx)
	if err != nil {
		s.logger.Warn("room restore scan failed", zap.Error(err))
		return
	}

	restored := 0
	for _, id := range ids {
		room, err := s.store.GetRoom(ctx, id)
		if err != nil {
			continue
		}
		switch {
		case room.Phase == judgement.PhasePlaying && room.TrickComplete():
			s.resolveTrick(ctx, id)
			restored++
		case room.Phase == judgement.PhaseRoundOver:
			s.scheduleRoundAdvance(id)
			restored++
		}
	}

	if len(ids) > 0 {
		s.logger.Info("restored rooms",
			zap.Int("rooms", len(ids)), zap.Int("pendingTransitions", restored))
	}
}

// consumeChanges re-broadcasts rooms saved by other instances so local
// players see table state they did not cause.
func (s *Server) consumeChanges() {
	for change := range s.store.Changes() {
		room, err := s.store.GetRoom(context.Background(), change.RoomID)
		if err != nil {
			continue
		}
		s.broadcastState(room)
	}
}

// sweepRooms deletes rooms past their retention window. Finished games
// expire on the shorter window; anything untouched for the long window
// goes regardless of phase, so abandoned mid-game rooms don't pile up.
func (s *Server) sweepRooms() {
	ctx := context.Background()

	ids, err := s.store.ListRoomIDs(ctx)
	if err != nil {
		s.logger.Warn("retention sweep scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		room, err := s.store.GetRoom(ctx, id)
		if err != nil {
			continue
		}

		age := time.Since(room.LastUpdatedAt)
		expired := age > s.cfg.RoomRetention ||
			(room.Phase == judgement.PhaseGameOver && age > s.cfg.FinishedRoomRetention)
		if !expired {
			continue
		}

		s.timers.Cancel(id)
		if err := s.rooms.RemoveRoom(ctx, room); err != nil {
			s.logger.Warn("retention sweep failed to remove room",
				zap.String("room", id), zap.Error(err))
			continue
		}
		s.logger.Info("removed expired room",
			zap.String("room", id), zap.String("phase", string(room.Phase)))
	}
}

// Shutdown stops background work, tells every client the server is
// going away, and closes the store. In-flight handlers still hold the
// store until their sockets drop, so it closes last.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}

	s.timers.CancelAll()

	for _, connectionID := range s.connections.Connections() {
		if socket := s.connections.GetConnection(connectionID); socket != nil {
			socket.Close(websocket.StatusGoingAway, "Server closing")
		}
	}

	return s.store.Close()
}
