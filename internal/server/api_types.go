package server

import "judgement-server/internal/judgement"

// ============================================================================
// ERROR RESPONSES
// ============================================================================
// tygo:generate
type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ============================================================================
// CREATE ROOM (create_room)
// ============================================================================
// tygo:generate
type CreateRoomRequest struct {
	DisplayName string `json:"displayName"`
}

// tygo:generate
type RoomCreatedResponse struct {
	RoomID       string `json:"roomId"`
	SessionToken string `json:"sessionToken"`
}

// ============================================================================
// JOIN GAME (join_game)
// ============================================================================
// tygo:generate
type JoinGameRequest struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	// SessionToken resumes an earlier seat after a dropped connection.
	SessionToken string `json:"sessionToken,omitempty"`
}

// tygo:generate
type JoinedGameResponse struct {
	RoomID       string `json:"roomId"`
	SessionToken string `json:"sessionToken"`
}

// tygo:generate
type ReconnectedResponse struct {
	RoomID       string `json:"roomId"`
	SessionToken string `json:"sessionToken"`
}

// ============================================================================
// BIDDING (place_bid)
// ============================================================================
// tygo:generate
type PlaceBidRequest struct {
	Amount int `json:"amount"`
}

// ============================================================================
// PLAYING (play_card)
// ============================================================================
// tygo:generate
type PlayCardRequest struct {
	CardIndex int `json:"cardIndex"`
}

// ============================================================================
// TRICK WON (trick_won broadcast)
// ============================================================================
// tygo:generate
type TrickWonNotification struct {
	WinnerName string `json:"winnerName"`
}

// ============================================================================
// STATE UPDATE (state_update broadcast)
// ============================================================================
// StateUpdate flattens the per-viewer room projection and adds the
// recipient's own connection id so the client can find itself.
// tygo:generate
type StateUpdate struct {
	judgement.RoomView
	ViewerID string `json:"viewerId"`
}
