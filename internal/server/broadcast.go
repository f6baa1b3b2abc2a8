package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"judgement-server/internal/judgement"
)

func (s *Server) sendMessage(socket *websocket.Conn, ctx context.Context, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	return socket.Write(ctx, websocket.MessageText, data)
}

// sendError reports a failure back to one client. Errors following the
// "CODE: human text" convention are split so clients can branch on the
// code without parsing prose.
func (s *Server) sendError(socket *websocket.Conn, ctx context.Context, message string) {
	payload := ErrorMessage{Message: message}
	if code, rest, found := strings.Cut(message, ": "); found && isErrorCode(code) {
		payload.Code = code
		payload.Message = rest
	}

	if err := s.sendMessage(socket, ctx, ServerMessage{Type: "error", Payload: payload}); err != nil {
		s.logger.Warn("failed to send error message", zap.Error(err))
	}
}

func isErrorCode(code string) bool {
	if code == "" {
		return false
	}
	for _, ch := range code {
		if (ch < 'A' || ch > 'Z') && ch != '_' {
			return false
		}
	}
	return true
}

// broadcastState sends each locally connected player their own view of
// the room. Players attached to other instances are reached by those
// instances through the store's change feed.
func (s *Server) broadcastState(room *judgement.Room) {
	for _, p := range room.Players {
		if !p.Connected {
			continue
		}
		socket := s.connections.GetConnection(p.ConnectionID)
		if socket == nil {
			continue
		}

		msg := ServerMessage{
			Type: "state_update",
			Payload: StateUpdate{
				RoomView: room.ViewFor(p.SessionToken),
				ViewerID: p.ConnectionID,
			},
		}
		if err := s.sendMessage(socket, context.Background(), msg); err != nil {
			s.logger.Warn("state broadcast failed",
				zap.String("room", room.RoomID),
				zap.String("player", p.DisplayName),
				zap.Error(err))
		}
	}
}

// broadcastMessage sends one shared payload to every locally connected
// player in the room.
func (s *Server) broadcastMessage(room *judgement.Room, messageType string, payload interface{}) {
	for _, p := range room.Players {
		if !p.Connected {
			continue
		}
		socket := s.connections.GetConnection(p.ConnectionID)
		if socket == nil {
			continue
		}

		msg := ServerMessage{Type: messageType, Payload: payload}
		if err := s.sendMessage(socket, context.Background(), msg); err != nil {
			s.logger.Warn("broadcast failed",
				zap.String("room", room.RoomID),
				zap.String("type", messageType),
				zap.Error(err))
		}
	}
}
