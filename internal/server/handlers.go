package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"judgement-server/internal/judgement"
	"judgement-server/internal/store"
)

// errSuperseded aborts a room update whose trigger no longer applies,
// such as a timer firing after a vote already ended the game. Callers
// drop it silently.
var errSuperseded = errors.New("superseded by a newer room state")

// userFacing maps store sentinels onto the texts clients expect.
// Anything else passes through unchanged.
func userFacing(err error) string {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, store.ErrNotBound):
		return "Not in a room"
	}
	return err.Error()
}

func playerByName(room *judgement.Room, displayName string) *judgement.Player {
	for _, p := range room.Players {
		if p.DisplayName == displayName {
			return p
		}
	}
	return nil
}

func (s *Server) handlePing(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	response := ServerMessage{
		Type:    "pong",
		Payload: struct{}{},
	}
	if err := s.sendMessage(socket, ctx, response); err != nil {
		s.logger.Warn("failed to send pong", zap.String("connection", connectionID), zap.Error(err))
	}
}

func (s *Server) handleCreateRoom(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	var req CreateRoomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid create_room payload")
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if err := ValidateDisplayName(displayName); err != nil {
		s.sendError(socket, ctx, err.Error())
		return
	}

	token := uuid.New().String()
	creator := judgement.NewPlayer(connectionID, token, displayName)

	room, err := s.rooms.CreateRoom(ctx, creator)
	if err != nil {
		s.logger.Error("create room failed", zap.Error(err))
		s.sendError(socket, ctx, err.Error())
		return
	}

	if err := s.bindPlayer(ctx, connectionID, token, room.RoomID); err != nil {
		s.sendError(socket, ctx, "Could not create room, try again")
		return
	}

	response := ServerMessage{
		Type: "room_created",
		Payload: RoomCreatedResponse{
			RoomID:       room.RoomID,
			SessionToken: token,
		},
	}
	if err := s.sendMessage(socket, ctx, response); err != nil {
		s.logger.Warn("failed to send room_created", zap.Error(err))
		return
	}

	s.broadcastState(room)
}

func (s *Server) handleJoinGame(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	var req JoinGameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid join_game payload")
		return
	}

	roomID := NormalizeRoomCode(req.RoomID)
	if err := ValidateRoomCode(roomID); err != nil {
		s.sendError(socket, ctx, err.Error())
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)

	// The closure may run more than once on a version conflict, so all
	// three outcome variables are reset at the top of every attempt.
	var (
		token        string
		reconnecting bool
		supersededID string
	)
	room, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		token = ""
		reconnecting = false
		supersededID = ""

		// A known session token always resumes its own seat, even when
		// the old connection is still open on another device.
		if req.SessionToken != "" {
			if p := room.PlayerByToken(req.SessionToken); p != nil {
				token = p.SessionToken
				supersededID = p.ConnectionID
				delete(room.EndGameVotes, p.ConnectionID)
				p.ConnectionID = connectionID
				p.Connected = true
				reconnecting = true
				return nil
			}
		}

		if room.Phase != judgement.PhaseLobby {
			// Mid-game the only way in is reclaiming a disconnected
			// seat by display name.
			if p := playerByName(room, displayName); p != nil && !p.Connected {
				token = p.SessionToken
				supersededID = p.ConnectionID
				delete(room.EndGameVotes, p.ConnectionID)
				p.ConnectionID = connectionID
				p.Connected = true
				reconnecting = true
				return nil
			}
			return fmt.Errorf("Game already in progress")
		}

		if err := ValidateDisplayName(displayName); err != nil {
			return err
		}
		if len(room.Players) >= judgement.MaxPlayers {
			return fmt.Errorf("Room is full (max %d players)", judgement.MaxPlayers)
		}
		if playerByName(room, displayName) != nil {
			return fmt.Errorf("Name '%s' is already taken in this room", displayName)
		}

		token = uuid.New().String()
		room.AddPlayer(judgement.NewPlayer(connectionID, token, displayName))
		return nil
	})
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	if err := s.bindPlayer(ctx, connectionID, token, room.RoomID); err != nil {
		s.sendError(socket, ctx, "Could not join room, try again")
		return
	}
	s.closeSuperseded(supersededID, connectionID)

	response := ServerMessage{
		Type: "joined_game",
		Payload: JoinedGameResponse{
			RoomID:       room.RoomID,
			SessionToken: token,
		},
	}
	if reconnecting {
		response = ServerMessage{
			Type: "reconnected",
			Payload: ReconnectedResponse{
				RoomID:       room.RoomID,
				SessionToken: token,
			},
		}
	}
	if err := s.sendMessage(socket, ctx, response); err != nil {
		s.logger.Warn("failed to send join response", zap.Error(err))
		return
	}

	s.broadcastState(room)
}

// bindPlayer records both durable indexes for a connection that now
// speaks for a seat, then points the local socket registry at it.
func (s *Server) bindPlayer(ctx context.Context, connectionID, token, roomID string) error {
	if err := s.store.BindSession(ctx, token, roomID); err != nil {
		s.logger.Error("bind session failed", zap.String("room", roomID), zap.Error(err))
		return err
	}
	if err := s.store.BindConnection(ctx, connectionID, roomID); err != nil {
		s.logger.Error("bind connection failed", zap.String("room", roomID), zap.Error(err))
		return err
	}
	s.connections.BindToken(connectionID, token)
	return nil
}

// closeSuperseded kicks the previous socket after a reconnect took over
// its seat. The old socket's disconnect cleanup finds no player under
// its connection id and backs off.
func (s *Server) closeSuperseded(supersededID, connectionID string) {
	if supersededID == "" || supersededID == connectionID {
		return
	}
	if old := s.connections.GetConnection(supersededID); old != nil {
		old.Close(websocket.StatusNormalClosure, "Connected from another device")
		s.connections.RemoveConnection(supersededID)
	}
}

func (s *Server) handleStartGame(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	roomID, err := s.store.RoomByConnection(ctx, connectionID)
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	room, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		if room.Phase != judgement.PhaseLobby {
			return fmt.Errorf("Game already in progress")
		}
		if len(room.Players) < judgement.MinPlayers {
			return fmt.Errorf("Need at least %d players to start", judgement.MinPlayers)
		}
		room.StartRound()
		return nil
	})
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	s.logger.Info("game started",
		zap.String("room", room.RoomID),
		zap.Int("players", len(room.Players)))
	s.broadcastState(room)
}

func (s *Server) handlePlaceBid(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	var req PlaceBidRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid place_bid payload")
		return
	}

	roomID, err := s.store.RoomByConnection(ctx, connectionID)
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	room, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		if room.Phase != judgement.PhaseBidding {
			return fmt.Errorf("Not in bidding phase")
		}
		idx := room.IndexByConnection(connectionID)
		if idx == -1 {
			return fmt.Errorf("Not in a room")
		}
		if idx != room.CurrentTurnIndex {
			return fmt.Errorf("Not your turn to bid")
		}
		if err := room.ValidateBid(idx, req.Amount); err != nil {
			return err
		}
		room.PlaceBid(idx, req.Amount)
		return nil
	})
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	s.broadcastState(room)
}

func (s *Server) handlePlayCard(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	var req PlayCardRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid play_card payload")
		return
	}

	roomID, err := s.store.RoomByConnection(ctx, connectionID)
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	room, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		if room.Phase != judgement.PhasePlaying {
			return fmt.Errorf("Not in playing phase")
		}
		idx := room.IndexByConnection(connectionID)
		if idx == -1 {
			return fmt.Errorf("Not in a room")
		}
		if idx != room.CurrentTurnIndex {
			return fmt.Errorf("Not your turn")
		}
		if err := room.ValidateMove(idx, req.CardIndex); err != nil {
			return err
		}
		room.PlayCard(idx, req.CardIndex)
		return nil
	})
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	// The full table is persisted and shown before resolution so the
	// last card doesn't vanish the instant it lands.
	s.broadcastState(room)

	if room.TrickComplete() {
		s.resolveTrick(ctx, room.RoomID)
	}
}

// resolveTrick clears a completed trick, scoring the round when it was
// the last one, then announces the winner and schedules the pause the
// clients rely on to keep the finished trick on screen.
func (s *Server) resolveTrick(ctx context.Context, roomID string) {
	var result judgement.TrickResult
	room, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		if room.Phase != judgement.PhasePlaying || !room.TrickComplete() {
			return errSuperseded
		}
		result = room.ResolveTrick()
		if result.RoundOver {
			room.CalculateScores()
			room.Phase = judgement.PhaseRoundOver
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSuperseded) && !errors.Is(err, store.ErrRoomNotFound) {
			s.logger.Warn("trick resolution failed", zap.String("room", roomID), zap.Error(err))
		}
		return
	}

	s.broadcastMessage(room, "trick_won", TrickWonNotification{WinnerName: result.WinnerName})

	if result.RoundOver {
		s.broadcastState(room)
		s.scheduleRoundAdvance(room.RoomID)
		return
	}

	// The cleared table is already persisted; only the broadcast waits,
	// so every client keeps the completed trick visible for the pause.
	s.timers.Schedule(room.RoomID, s.trickClearDelay, func() {
		cleared, err := s.rooms.GetRoom(context.Background(), roomID)
		if err != nil {
			return
		}
		s.broadcastState(cleared)
	})
}

// scheduleRoundAdvance arms the countdown from ROUND_OVER into the next
// round's bidding. The callback re-validates the phase inside the
// update so a vote that ended the game in the meantime wins over the
// stale timer.
func (s *Server) scheduleRoundAdvance(roomID string) {
	s.timers.Schedule(roomID, s.roundOverDelay, func() {
		room, err := s.rooms.UpdateRoom(context.Background(), roomID, func(room *judgement.Room) error {
			if room.Phase != judgement.PhaseRoundOver {
				return errSuperseded
			}
			room.StartRound()
			return nil
		})
		if err != nil {
			if !errors.Is(err, errSuperseded) && !errors.Is(err, store.ErrRoomNotFound) {
				s.logger.Warn("round advance failed", zap.String("room", roomID), zap.Error(err))
			}
			return
		}
		s.broadcastState(room)
	})
}

func (s *Server) handlePlayerExit(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	roomID, err := s.store.RoomByConnection(ctx, connectionID)
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	var (
		roomEmpty   bool
		voteEnded   bool
		exitedToken string
	)
	room, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		roomEmpty = false
		voteEnded = false
		exitedToken = ""

		p := room.PlayerByConnection(connectionID)
		if p == nil {
			return fmt.Errorf("Not in a room")
		}

		// Before the game starts a leaving player gives up the seat
		// entirely. Mid-game the seat persists for reconnection.
		if room.Phase == judgement.PhaseLobby {
			exitedToken = p.SessionToken
			room.RemovePlayer(room.IndexByConnection(connectionID))
			roomEmpty = len(room.Players) == 0
			return nil
		}

		p.Connected = false
		delete(room.EndGameVotes, connectionID)
		if room.Phase != judgement.PhaseGameOver && room.EndGameVotePassed() {
			room.Phase = judgement.PhaseGameOver
			room.EndGameVotes = make(map[string]bool)
			voteEnded = true
		}
		return nil
	})
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	if err := s.store.UnbindConnection(ctx, connectionID); err != nil {
		s.logger.Warn("unbind connection failed", zap.String("room", roomID), zap.Error(err))
	}
	if exitedToken != "" {
		if err := s.store.UnbindSession(ctx, exitedToken); err != nil {
			s.logger.Warn("unbind session failed", zap.String("room", roomID), zap.Error(err))
		}
	}

	if roomEmpty {
		s.timers.Cancel(roomID)
		if err := s.rooms.RemoveRoom(ctx, room); err != nil {
			s.logger.Warn("failed to remove empty room", zap.String("room", roomID), zap.Error(err))
		}
		return
	}
	if voteEnded {
		s.timers.Cancel(roomID)
	}
	s.broadcastState(room)
}

func (s *Server) handleVoteEndGame(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	roomID, err := s.store.RoomByConnection(ctx, connectionID)
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	var voteEnded bool
	room, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		voteEnded = false

		switch room.Phase {
		case judgement.PhaseLobby:
			return fmt.Errorf("Game has not started")
		case judgement.PhaseGameOver:
			return fmt.Errorf("Game is already over")
		}
		if room.PlayerByConnection(connectionID) == nil {
			return fmt.Errorf("Not in a room")
		}

		room.EndGameVotes[connectionID] = true
		if room.EndGameVotePassed() {
			room.Phase = judgement.PhaseGameOver
			room.EndGameVotes = make(map[string]bool)
			voteEnded = true
		}
		return nil
	})
	if err != nil {
		s.sendError(socket, ctx, userFacing(err))
		return
	}

	if voteEnded {
		s.timers.Cancel(roomID)
		s.logger.Info("game ended by vote", zap.String("room", roomID))
	}
	s.broadcastState(room)
}

// handleDisconnect runs when a socket's read loop ends for any reason.
// A superseded socket, whose seat a reconnect already took over, finds
// no player under its connection id and leaves the room untouched.
func (s *Server) handleDisconnect(connectionID string) {
	ctx := context.Background()

	s.rateLimiter.RemoveConnection(connectionID)
	defer s.connections.RemoveConnection(connectionID)

	roomID, err := s.store.RoomByConnection(ctx, connectionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotBound) {
			s.logger.Warn("disconnect lookup failed", zap.String("connection", connectionID), zap.Error(err))
		}
		return
	}
	if err := s.store.UnbindConnection(ctx, connectionID); err != nil {
		s.logger.Warn("unbind connection failed", zap.String("room", roomID), zap.Error(err))
	}

	var (
		roomEmpty   bool
		voteEnded   bool
		exitedToken string
	)
	room, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		roomEmpty = false
		voteEnded = false
		exitedToken = ""

		p := room.PlayerByConnection(connectionID)
		if p == nil {
			return errSuperseded
		}

		if room.Phase == judgement.PhaseLobby {
			exitedToken = p.SessionToken
			room.RemovePlayer(room.IndexByConnection(connectionID))
			roomEmpty = len(room.Players) == 0
			return nil
		}

		p.Connected = false
		delete(room.EndGameVotes, connectionID)
		// Losing a non-voter can tip an open vote into a majority.
		if room.Phase != judgement.PhaseGameOver && room.EndGameVotePassed() {
			room.Phase = judgement.PhaseGameOver
			room.EndGameVotes = make(map[string]bool)
			voteEnded = true
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSuperseded) && !errors.Is(err, store.ErrRoomNotFound) {
			s.logger.Warn("disconnect update failed", zap.String("room", roomID), zap.Error(err))
		}
		return
	}

	if exitedToken != "" {
		if err := s.store.UnbindSession(ctx, exitedToken); err != nil {
			s.logger.Warn("unbind session failed", zap.String("room", roomID), zap.Error(err))
		}
	}

	if roomEmpty {
		s.timers.Cancel(roomID)
		if err := s.rooms.RemoveRoom(ctx, room); err != nil {
			s.logger.Warn("failed to remove empty room", zap.String("room", roomID), zap.Error(err))
		}
		return
	}
	if voteEnded {
		s.timers.Cancel(roomID)
		s.logger.Info("game ended by vote after disconnect", zap.String("room", roomID))
	}
	s.broadcastState(room)
}
