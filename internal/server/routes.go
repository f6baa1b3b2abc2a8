package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler)

	mux.HandleFunc("/websocket", s.websocketHandler)

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
	}
	return ""
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "up"}
	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "down", "error": err.Error()}
	}

	resp, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "Failed to marshal health check response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(resp); err != nil {
		s.logger.Warn("failed to write health response", zap.Error(err))
	}
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}
	defer socket.Close(websocket.StatusGoingAway, "Server closing")

	ctx := r.Context()

	connectionID := uuid.New().String()
	s.logger.Info("new connection", zap.String("connection", connectionID))
	s.connections.AddConnection(connectionID, socket)
	defer func() {
		s.logger.Info("connection closed", zap.String("connection", connectionID))
		s.handleDisconnect(connectionID)
	}()

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			s.logger.Debug("connection read ended",
				zap.String("connection", connectionID), zap.Error(err))
			return
		}

		if msgType != websocket.MessageText {
			s.logger.Debug("non-text input", zap.String("connection", connectionID))
			continue
		}

		if !s.rateLimiter.Allow(connectionID) {
			s.sendError(socket, ctx, "RATE_LIMITED: Too many messages, slow down")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid JSON", zap.String("connection", connectionID), zap.Error(err))
			s.sendError(socket, ctx, "Invalid JSON")
			continue
		}

		s.logger.Debug("message received",
			zap.String("type", msg.Type), zap.String("connection", connectionID))

		switch msg.Type {
		case "ping":
			s.handlePing(socket, ctx, connectionID, msg.Payload)

		case "create_room":
			s.handleCreateRoom(socket, ctx, connectionID, msg.Payload)

		case "join_game":
			s.handleJoinGame(socket, ctx, connectionID, msg.Payload)

		case "start_game":
			s.handleStartGame(socket, ctx, connectionID, msg.Payload)

		case "place_bid":
			s.handlePlaceBid(socket, ctx, connectionID, msg.Payload)

		case "play_card":
			s.handlePlayCard(socket, ctx, connectionID, msg.Payload)

		case "player_exit":
			s.handlePlayerExit(socket, ctx, connectionID, msg.Payload)

		case "vote_end_game":
			s.handleVoteEndGame(socket, ctx, connectionID, msg.Payload)

		default:
			s.logger.Debug("unknown message type",
				zap.String("type", msg.Type), zap.String("connection", connectionID))
			s.sendError(socket, ctx, fmt.Sprintf("Unknown message type: %s", msg.Type))
		}
	}
}
