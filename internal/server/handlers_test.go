package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"

	"judgement-server/internal/judgement"
	"judgement-server/internal/store"
)

// ============================================================================
// HELPERS
// ============================================================================

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// sendClient writes one client message to the socket.
func sendClient(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()

	msg := ClientMessage{Type: msgType}
	if payload != nil {
		msg.Payload = mustMarshal(payload)
	}
	if err := conn.Write(ctx, websocket.MessageText, mustMarshal(msg)); err != nil {
		t.Fatalf("Failed to send %s: %v", msgType, err)
	}
}

// readServerMessage reads one message with a deadline so a missing
// broadcast fails the test instead of hanging it.
func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to parse message: %v", err)
	}
	return msg
}

// payloadAs re-encodes a decoded payload into its typed form.
func payloadAs(t *testing.T, msg ServerMessage, dst interface{}) {
	t.Helper()

	data, _ := json.Marshal(msg.Payload)
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("Failed to parse %s payload: %v", msg.Type, err)
	}
}

// readUntilType skips messages until one of the wanted type arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, msgType string) ServerMessage {
	t.Helper()

	for range 25 {
		msg := readServerMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("No %s message arrived", msgType)
	return ServerMessage{}
}

// readStateUntil skips messages until a state_update satisfying pred
// arrives, so tests don't depend on how many intermediate broadcasts a
// flow produces.
func readStateUntil(t *testing.T, conn *websocket.Conn, pred func(StateUpdate) bool) StateUpdate {
	t.Helper()

	for range 25 {
		msg := readServerMessage(t, conn)
		if msg.Type != "state_update" {
			continue
		}
		var state StateUpdate
		payloadAs(t, msg, &state)
		if pred(state) {
			return state
		}
	}
	t.Fatalf("No matching state_update arrived")
	return StateUpdate{}
}

// readError skips broadcasts until an error message arrives. Errors are
// only ever sent to the offending connection, so nothing is lost.
func readError(t *testing.T, conn *websocket.Conn) ErrorMessage {
	t.Helper()

	msg := readUntilType(t, conn, "error")
	var payload ErrorMessage
	payloadAs(t, msg, &payload)
	return payload
}

// createRoom opens a room over conn and returns its id and the
// creator's session token.
func createRoom(t *testing.T, ctx context.Context, conn *websocket.Conn, name string) (string, string) {
	t.Helper()

	sendClient(t, ctx, conn, "create_room", CreateRoomRequest{DisplayName: name})
	msg := readUntilType(t, conn, "room_created")
	var resp RoomCreatedResponse
	payloadAs(t, msg, &resp)
	readUntilType(t, conn, "state_update") // own lobby view
	return resp.RoomID, resp.SessionToken
}

// joinRoom joins an existing room and returns the session token.
func joinRoom(t *testing.T, ctx context.Context, conn *websocket.Conn, roomID, name string) string {
	t.Helper()

	sendClient(t, ctx, conn, "join_game", JoinGameRequest{RoomID: roomID, DisplayName: name})
	msg := readUntilType(t, conn, "joined_game")
	var resp JoinedGameResponse
	payloadAs(t, msg, &resp)
	readUntilType(t, conn, "state_update")
	return resp.SessionToken
}

// gameClients seats the named players in one room: the first creates
// it, the rest join. Sockets come back in seat order.
func gameClients(t *testing.T, ctx context.Context, url string, names []string) ([]*websocket.Conn, []string, string) {
	t.Helper()

	conns := make([]*websocket.Conn, len(names))
	tokens := make([]string, len(names))

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	conns[0] = conn
	roomID, token := createRoom(t, ctx, conn, names[0])
	tokens[0] = token

	for i := 1; i < len(names); i++ {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			t.Fatalf("Failed to dial: %v", err)
		}
		conns[i] = conn
		tokens[i] = joinRoom(t, ctx, conn, roomID, names[i])
	}

	return conns, tokens, roomID
}

func closeAll(conns []*websocket.Conn) {
	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// startGame starts the game from seat 0 and waits until every socket
// has seen round one's bidding state. Returns each seat's first view.
func startGame(t *testing.T, ctx context.Context, conns []*websocket.Conn) []StateUpdate {
	t.Helper()

	sendClient(t, ctx, conns[0], "start_game", nil)
	states := make([]StateUpdate, len(conns))
	for i, conn := range conns {
		states[i] = readStateUntil(t, conn, func(st StateUpdate) bool {
			return st.Phase == judgement.PhaseBidding
		})
	}
	return states
}

// placeBid bids for one seat and waits until that seat sees the bid
// recorded, which also guarantees the save landed before the next seat
// acts.
func placeBid(t *testing.T, ctx context.Context, conns []*websocket.Conn, seat, amount int) {
	t.Helper()

	sendClient(t, ctx, conns[seat], "place_bid", PlaceBidRequest{Amount: amount})
	readStateUntil(t, conns[seat], func(st StateUpdate) bool {
		return st.Players[seat].Bid == amount
	})
}

// playCard plays for one seat and waits until that seat's hand count
// drops to cardsLeft.
func playCard(t *testing.T, ctx context.Context, conns []*websocket.Conn, seat, cardIndex, cardsLeft int) StateUpdate {
	t.Helper()

	sendClient(t, ctx, conns[seat], "play_card", PlayCardRequest{CardIndex: cardIndex})
	return readStateUntil(t, conns[seat], func(st StateUpdate) bool {
		return st.Players[seat].HandCount == cardsLeft
	})
}

// ============================================================================
// CREATE ROOM TESTS
// ============================================================================

func TestHandleCreateRoom_Success(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, conn, "create_room", CreateRoomRequest{DisplayName: "Alice"})

	msg := readServerMessage(t, conn)
	assert.Equal("room_created", msg.Type)

	var createResp RoomCreatedResponse
	payloadAs(t, msg, &createResp)
	assert.NoError(ValidateRoomCode(createResp.RoomID))
	assert.NotEmpty(createResp.SessionToken)

	// The creator's first room view follows
	msg = readServerMessage(t, conn)
	assert.Equal("state_update", msg.Type)

	var state StateUpdate
	payloadAs(t, msg, &state)
	assert.Equal(createResp.RoomID, state.RoomID)
	assert.Equal(judgement.PhaseLobby, state.Phase)
	assert.Len(state.Players, 1)
	assert.Equal("Alice", state.Players[0].DisplayName)
	assert.True(state.Players[0].Connected)
	assert.Equal(state.Players[0].ID, state.ViewerID)
}

func TestHandleCreateRoom_EmptyName(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, conn, "create_room", CreateRoomRequest{DisplayName: "   "})
	assert.Equal("Player name is required", readError(t, conn).Message)
}

func TestHandleCreateRoom_NameTooLong(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, conn, "create_room", CreateRoomRequest{
		DisplayName: strings.Repeat("x", judgement.MaxDisplayNameLen+1),
	})
	assert.Equal("Player name too long (max 20 characters)", readError(t, conn).Message)
}

// ============================================================================
// JOIN GAME TESTS
// ============================================================================

func TestHandleJoinGame_Success(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	creator, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer creator.Close(websocket.StatusNormalClosure, "")
	roomID, creatorToken := createRoom(t, ctx, creator, "Alice")

	joiner, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer joiner.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, joiner, "join_game", JoinGameRequest{RoomID: roomID, DisplayName: "Bob"})

	msg := readServerMessage(t, joiner)
	assert.Equal("joined_game", msg.Type)

	var joinResp JoinedGameResponse
	payloadAs(t, msg, &joinResp)
	assert.Equal(roomID, joinResp.RoomID)
	assert.NotEmpty(joinResp.SessionToken)
	assert.NotEqual(creatorToken, joinResp.SessionToken)

	// Both players see the two-seat lobby
	state := readStateUntil(t, joiner, func(st StateUpdate) bool { return len(st.Players) == 2 })
	assert.Equal("Bob", state.Players[1].DisplayName)

	state = readStateUntil(t, creator, func(st StateUpdate) bool { return len(st.Players) == 2 })
	assert.Equal("Bob", state.Players[1].DisplayName)
}

func TestHandleJoinGame_NormalizesRoomCode(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	creator, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer creator.Close(websocket.StatusNormalClosure, "")
	roomID, _ := createRoom(t, ctx, creator, "Alice")

	joiner, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer joiner.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, joiner, "join_game", JoinGameRequest{
		RoomID:      "  " + strings.ToLower(roomID) + " ",
		DisplayName: "Bob",
	})

	msg := readUntilType(t, joiner, "joined_game")
	var joinResp JoinedGameResponse
	payloadAs(t, msg, &joinResp)
	assert.Equal(roomID, joinResp.RoomID)
}

func TestHandleJoinGame_RoomNotFound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, conn, "join_game", JoinGameRequest{RoomID: "ZZZZZZ", DisplayName: "Bob"})
	assert.Equal("Room not found", readError(t, conn).Message)
}

func TestHandleJoinGame_MalformedRoomCode(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, conn, "join_game", JoinGameRequest{RoomID: "ABC", DisplayName: "Bob"})
	assert.Equal("Room code must be exactly 6 characters", readError(t, conn).Message)
}

func TestHandleJoinGame_DuplicateName(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	creator, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer creator.Close(websocket.StatusNormalClosure, "")
	roomID, _ := createRoom(t, ctx, creator, "Alice")

	joiner, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer joiner.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, joiner, "join_game", JoinGameRequest{RoomID: roomID, DisplayName: "Alice"})
	assert.Equal("Name 'Alice' is already taken in this room", readError(t, joiner).Message)
}

func TestHandleJoinGame_RoomFull(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	names := []string{"Alice", "Bob", "Carol", "Dave", "Eve", "Frank"}
	conns, _, roomID := gameClients(t, ctx, url, names)
	defer closeAll(conns)

	late, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer late.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, late, "join_game", JoinGameRequest{RoomID: roomID, DisplayName: "Grace"})
	assert.Equal("Room is full (max 6 players)", readError(t, late).Message)
}

func TestHandleJoinGame_MidGameRejected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, roomID := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	late, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer late.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, late, "join_game", JoinGameRequest{RoomID: roomID, DisplayName: "Zed"})
	assert.Equal("Game already in progress", readError(t, late).Message)
}

// ============================================================================
// START GAME TESTS
// ============================================================================

func TestHandleStartGame_NeedsThreePlayers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob"})
	defer closeAll(conns)

	sendClient(t, ctx, conns[0], "start_game", nil)
	assert.Equal("Need at least 3 players to start", readError(t, conns[0]).Message)
}

func TestHandleStartGame_NotInRoom(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, conn, "start_game", nil)
	assert.Equal("Not in a room", readError(t, conn).Message)
}

func TestHandleStartGame_DealsFirstRound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)

	states := startGame(t, ctx, conns)

	for seat, state := range states {
		assert.Equal(judgement.PhaseBidding, state.Phase)
		assert.Equal(1, state.RoundNumber)
		assert.Equal(1, state.CardsPerPlayer)
		assert.Equal(judgement.Spades, state.TrumpSuit)
		assert.Equal(0, state.DealerIndex)
		assert.Equal(1, state.CurrentTurnIndex, "Left of dealer bids first")
		assert.Empty(state.Table)

		// Each viewer sees their own card and card backs for everyone else
		assert.Equal(state.Players[seat].ID, state.ViewerID)
		for i, p := range state.Players {
			assert.Equal(1, p.HandCount)
			assert.Len(p.Hand, 1)
			assert.Equal(judgement.BidUnset, p.Bid)
			if i == seat {
				assert.NotEqual(judgement.CardBack, p.Hand[0], "Seat %d should see its own card", seat)
			} else {
				assert.Equal(judgement.CardBack, p.Hand[0], "Seat %d should not see seat %d's card", seat, i)
			}
		}
	}
}

func TestHandleStartGame_AlreadyStarted(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	sendClient(t, ctx, conns[0], "start_game", nil)
	assert.Equal("Game already in progress", readError(t, conns[0]).Message)
}

// ============================================================================
// BIDDING TESTS
// ============================================================================

func TestHandlePlaceBid_OutOfTurn(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	// Seat 0 is the dealer and bids last in round one
	sendClient(t, ctx, conns[0], "place_bid", PlaceBidRequest{Amount: 0})
	assert.Equal("Not your turn to bid", readError(t, conns[0]).Message)
}

func TestHandlePlaceBid_OutOfRange(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	sendClient(t, ctx, conns[1], "place_bid", PlaceBidRequest{Amount: 2})
	assert.Equal("Bid must be between 0 and 1", readError(t, conns[1]).Message)

	sendClient(t, ctx, conns[1], "place_bid", PlaceBidRequest{Amount: -1})
	assert.Equal("Bid must be between 0 and 1", readError(t, conns[1]).Message)
}

func TestHandlePlaceBid_WrongPhase(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)

	sendClient(t, ctx, conns[1], "place_bid", PlaceBidRequest{Amount: 0})
	assert.Equal("Not in bidding phase", readError(t, conns[1]).Message)
}

func TestHandlePlaceBid_LastBidderHookRule(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	placeBid(t, ctx, conns, 1, 0)
	placeBid(t, ctx, conns, 2, 0)

	// The last bid may not bring the total to the number of tricks
	sendClient(t, ctx, conns[0], "place_bid", PlaceBidRequest{Amount: 1})
	assert.Equal("Total bids cannot equal 1", readError(t, conns[0]).Message)

	// A non-matching amount is accepted and play begins
	sendClient(t, ctx, conns[0], "place_bid", PlaceBidRequest{Amount: 0})
	state := readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return st.Phase == judgement.PhasePlaying
	})
	assert.Equal(1, state.CurrentTurnIndex, "Left of dealer leads the first trick")
}

// ============================================================================
// PLAY CARD TESTS
// ============================================================================

func TestHandlePlayCard_WrongPhase(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	sendClient(t, ctx, conns[1], "play_card", PlayCardRequest{CardIndex: 0})
	assert.Equal("Not in playing phase", readError(t, conns[1]).Message)
}

func TestHandlePlayCard_OutOfTurn(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	placeBid(t, ctx, conns, 1, 0)
	placeBid(t, ctx, conns, 2, 0)
	placeBid(t, ctx, conns, 0, 0)

	// Seat 1 leads; seat 2 tries to jump in
	sendClient(t, ctx, conns[2], "play_card", PlayCardRequest{CardIndex: 0})
	assert.Equal("Not your turn", readError(t, conns[2]).Message)
}

func TestHandlePlayCard_BadIndex(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	placeBid(t, ctx, conns, 1, 0)
	placeBid(t, ctx, conns, 2, 0)
	placeBid(t, ctx, conns, 0, 0)

	sendClient(t, ctx, conns[1], "play_card", PlayCardRequest{CardIndex: 5})
	assert.Equal("You don't have that card", readError(t, conns[1]).Message)
}

// ============================================================================
// FULL ROUND FLOW
// ============================================================================

func TestFullRoundFlow_BidPlayScoreAdvance(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	// Round one: one card each, bid order 1, 2, 0
	placeBid(t, ctx, conns, 1, 0)
	placeBid(t, ctx, conns, 2, 0)
	placeBid(t, ctx, conns, 0, 0)

	// Everyone plays their only card in turn order
	playCard(t, ctx, conns, 1, 0, 0)
	playCard(t, ctx, conns, 2, 0, 0)
	full := playCard(t, ctx, conns, 0, 0, 0)
	assert.Len(full.Table, 3, "The completed trick stays visible before resolution")

	// Winner announcement, then the scored round
	msg := readUntilType(t, conns[0], "trick_won")
	var won TrickWonNotification
	payloadAs(t, msg, &won)
	assert.NotEmpty(won.WinnerName)

	over := readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return st.Phase == judgement.PhaseRoundOver
	})
	assert.Empty(over.Table)

	// One player took the trick on a zero bid and scores nothing; the
	// other two met their zero bids for 10 points each.
	totalPoints := 0
	for _, p := range over.Players {
		totalPoints += p.TotalScore
		if p.DisplayName == won.WinnerName {
			assert.Equal(1, p.TricksWon)
			assert.Equal(0, p.TotalScore)
		} else {
			assert.Equal(0, p.TricksWon)
			assert.Equal(10, p.TotalScore)
		}
	}
	assert.Equal(20, totalPoints)

	// After the scoreboard pause the next round is dealt
	next := readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return st.Phase == judgement.PhaseBidding && st.RoundNumber == 2
	})
	assert.Equal(2, next.CardsPerPlayer)
	assert.Equal(judgement.Diamonds, next.TrumpSuit, "Trump rotates each round")
	assert.Equal(1, next.DealerIndex, "Dealer moves one seat")
	assert.Equal(2, next.CurrentTurnIndex)
	sum := 0
	for _, p := range next.Players {
		assert.Equal(2, p.HandCount)
		assert.Equal(judgement.BidUnset, p.Bid)
		assert.Equal(0, p.TricksWon)
		sum += p.TotalScore
	}
	assert.Equal(20, sum, "Scores carry across rounds")
}

func TestMidRoundPlay_FollowSuitAndTrickPause(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, roomID := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)

	// Deal a fixed round two by hand so every play is deterministic:
	// diamonds are trump, Carol leads.
	_, err := s.rooms.UpdateRoom(ctx, roomID, func(room *judgement.Room) error {
		room.Phase = judgement.PhasePlaying
		room.RoundNumber = 2
		room.CardsPerPlayer = 2
		room.TrumpSuit = judgement.Diamonds
		room.DealerIndex = 1
		room.CurrentTurnIndex = 2
		room.Table = make([]judgement.TablePlay, 0)
		room.LeadSuit = ""

		hands := [][]judgement.Card{
			{{Suit: judgement.Hearts, Rank: "K", Value: 13}, {Suit: judgement.Clubs, Rank: "3", Value: 3}},
			{{Suit: judgement.Hearts, Rank: "2", Value: 2}, {Suit: judgement.Spades, Rank: "A", Value: 14}},
			{{Suit: judgement.Hearts, Rank: "9", Value: 9}, {Suit: judgement.Spades, Rank: "5", Value: 5}},
		}
		for i, p := range room.Players {
			p.Bid = 0
			p.TricksWon = 0
			p.Hand = hands[i]
		}
		return nil
	})
	assert.NoError(err)

	// Trick one: Carol leads the nine of hearts
	playCard(t, ctx, conns, 2, 0, 1)

	// Alice holds a heart, so her club is an illegal play
	sendClient(t, ctx, conns[0], "play_card", PlayCardRequest{CardIndex: 1})
	assert.Equal("You must follow suit", readError(t, conns[0]).Message)

	playCard(t, ctx, conns, 0, 0, 1) // king of hearts
	full := playCard(t, ctx, conns, 1, 0, 1)
	assert.Len(full.Table, 3)
	assert.Equal(judgement.PhasePlaying, full.Phase)

	// Highest heart wins since no trump was played
	msg := readUntilType(t, conns[0], "trick_won")
	var won TrickWonNotification
	payloadAs(t, msg, &won)
	assert.Equal("Alice", won.WinnerName)

	// After the pause the cleared table comes through with the winner
	// on lead
	cleared := readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return len(st.Table) == 0 && st.Phase == judgement.PhasePlaying
	})
	assert.Equal(0, cleared.CurrentTurnIndex)
	assert.Equal(1, cleared.Players[0].TricksWon)

	// Trick two: Alice leads her club; neither opponent holds clubs or
	// trump, so she wins again
	playCard(t, ctx, conns, 0, 0, 0)
	playCard(t, ctx, conns, 1, 0, 0)
	playCard(t, ctx, conns, 2, 0, 0)

	msg = readUntilType(t, conns[0], "trick_won")
	payloadAs(t, msg, &won)
	assert.Equal("Alice", won.WinnerName)

	over := readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return st.Phase == judgement.PhaseRoundOver
	})
	assert.Equal(2, over.Players[0].TricksWon)
	assert.Equal(0, over.Players[0].TotalScore, "Two tricks on a zero bid scores nothing")
	assert.Equal(10, over.Players[1].TotalScore)
	assert.Equal(10, over.Players[2].TotalScore)

	// The scoreboard pause ends in round three's bidding
	next := readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return st.Phase == judgement.PhaseBidding && st.RoundNumber == 3
	})
	assert.Equal(3, next.CardsPerPlayer)
	assert.Equal(judgement.Clubs, next.TrumpSuit)
	assert.Equal(2, next.DealerIndex)
	assert.Equal(0, next.CurrentTurnIndex)
	for _, p := range next.Players {
		assert.Equal(3, p.HandCount)
		assert.Equal(judgement.BidUnset, p.Bid)
		assert.Equal(0, p.TricksWon)
	}
}

// ============================================================================
// END GAME VOTE TESTS
// ============================================================================

func TestHandleVoteEndGame_BeforeStartRejected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)

	sendClient(t, ctx, conns[0], "vote_end_game", nil)
	assert.Equal("Game has not started", readError(t, conns[0]).Message)
}

func TestHandleVoteEndGame_MajorityEndsGame(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	// One vote out of three connected players is not a majority
	sendClient(t, ctx, conns[1], "vote_end_game", nil)
	state := readStateUntil(t, conns[1], func(st StateUpdate) bool {
		return len(st.EndGameVotes) == 1
	})
	assert.Equal(judgement.PhaseBidding, state.Phase)
	assert.Equal(state.Players[1].ID, state.EndGameVotes[0])

	// The second vote tips it: the game ends and the votes are cleared
	sendClient(t, ctx, conns[2], "vote_end_game", nil)
	state = readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return st.Phase == judgement.PhaseGameOver
	})
	assert.Empty(state.EndGameVotes)

	// Voting on a finished game is rejected
	readStateUntil(t, conns[2], func(st StateUpdate) bool {
		return st.Phase == judgement.PhaseGameOver
	})
	sendClient(t, ctx, conns[2], "vote_end_game", nil)
	assert.Equal("Game is already over", readError(t, conns[2]).Message)
}

func TestDisconnectTipsEndGameVote(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol", "Dave"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	// Two votes out of four connected players is not a majority
	sendClient(t, ctx, conns[1], "vote_end_game", nil)
	readStateUntil(t, conns[1], func(st StateUpdate) bool { return len(st.EndGameVotes) == 1 })
	sendClient(t, ctx, conns[2], "vote_end_game", nil)
	state := readStateUntil(t, conns[2], func(st StateUpdate) bool { return len(st.EndGameVotes) == 2 })
	assert.Equal(judgement.PhaseBidding, state.Phase)

	// A non-voter dropping leaves two votes against three connected
	conns[3].Close(websocket.StatusNormalClosure, "")

	state = readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return st.Phase == judgement.PhaseGameOver
	})
	assert.False(state.Players[3].Connected)
	assert.Empty(state.EndGameVotes)
}

// ============================================================================
// PLAYER EXIT TESTS
// ============================================================================

func TestHandlePlayerExit_InLobbyFreesSeat(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, roomID := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)

	sendClient(t, ctx, conns[2], "player_exit", nil)

	state := readStateUntil(t, conns[0], func(st StateUpdate) bool { return len(st.Players) == 2 })
	assert.Equal("Alice", state.Players[0].DisplayName)
	assert.Equal("Bob", state.Players[1].DisplayName)

	// The seat is free again: the same socket can rejoin under the old
	// name
	token := joinRoom(t, ctx, conns[2], roomID, "Carol")
	assert.NotEmpty(token)
}

func TestHandlePlayerExit_LastPlayerRemovesRoom(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	roomID, _ := createRoom(t, ctx, conn, "Alice")

	sendClient(t, ctx, conn, "player_exit", nil)

	// Exit sends no reply; poll the store until the removal lands
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err = s.rooms.GetRoom(ctx, roomID)
		if err != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.ErrorIs(err, store.ErrRoomNotFound)
}

func TestHandlePlayerExit_MidGameKeepsSeat(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, tokens, roomID := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	sendClient(t, ctx, conns[2], "player_exit", nil)

	state := readStateUntil(t, conns[0], func(st StateUpdate) bool {
		return len(st.Players) == 3 && !st.Players[2].Connected
	})
	assert.Equal("Carol", state.Players[2].DisplayName)

	// The seat survives for a reconnect by display name
	back, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer back.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, back, "join_game", JoinGameRequest{RoomID: roomID, DisplayName: "Carol"})
	msg := readServerMessage(t, back)
	assert.Equal("reconnected", msg.Type)

	var resp ReconnectedResponse
	payloadAs(t, msg, &resp)
	assert.Equal(tokens[2], resp.SessionToken, "Reconnecting restores the original session")

	state = readStateUntil(t, back, func(st StateUpdate) bool { return st.Players[2].Connected })
	assert.Equal(1, state.Players[2].HandCount, "The hand survived the exit")
}

// ============================================================================
// RECONNECT TESTS
// ============================================================================

func TestReconnect_ByTokenRestoresSeat(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, tokens, roomID := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	// Bob drops mid-game
	conns[1].Close(websocket.StatusNormalClosure, "")
	readStateUntil(t, conns[0], func(st StateUpdate) bool { return !st.Players[1].Connected })

	// Bob returns with his session token
	back, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer back.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, back, "join_game", JoinGameRequest{
		RoomID:       roomID,
		DisplayName:  "Bob",
		SessionToken: tokens[1],
	})

	msg := readServerMessage(t, back)
	assert.Equal("reconnected", msg.Type)

	var resp ReconnectedResponse
	payloadAs(t, msg, &resp)
	assert.Equal(tokens[1], resp.SessionToken)

	state := readStateUntil(t, back, func(st StateUpdate) bool { return st.Players[1].Connected })
	assert.Equal(state.Players[1].ID, state.ViewerID, "The new connection owns the seat")
	assert.Equal(1, state.Players[1].HandCount)
	assert.NotEqual(judgement.CardBack, state.Players[1].Hand[0], "Bob sees his own card again")

	// The other players saw the reconnect too
	readStateUntil(t, conns[0], func(st StateUpdate) bool { return st.Players[1].Connected })
}

func TestReconnect_DeviceSwitchClosesOldSocket(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, tokens, roomID := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)
	startGame(t, ctx, conns)

	// Bob votes to end the game, then reconnects from a second device
	// while the first socket is still open
	sendClient(t, ctx, conns[1], "vote_end_game", nil)
	readStateUntil(t, conns[1], func(st StateUpdate) bool { return len(st.EndGameVotes) == 1 })

	second, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(err)
	defer second.Close(websocket.StatusNormalClosure, "")

	sendClient(t, ctx, second, "join_game", JoinGameRequest{
		RoomID:       roomID,
		DisplayName:  "Bob",
		SessionToken: tokens[1],
	})

	msg := readServerMessage(t, second)
	assert.Equal("reconnected", msg.Type)

	// The first device gets kicked
	var readErr error
	for range 25 {
		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, _, readErr = conns[1].Read(readCtx)
		cancel()
		if readErr != nil {
			break
		}
	}
	assert.Error(readErr, "The superseded socket should be closed")
	assert.Equal(websocket.StatusNormalClosure, websocket.CloseStatus(readErr))

	// The takeover cleared Bob's stale vote and kept him seated; the
	// dead socket's disconnect cleanup must not mark him offline.
	sendClient(t, ctx, conns[2], "vote_end_game", nil)
	state := readStateUntil(t, second, func(st StateUpdate) bool { return len(st.EndGameVotes) == 1 })
	assert.True(state.Players[1].Connected)
	assert.Equal(state.Players[2].ID, state.EndGameVotes[0], "Only Carol's fresh vote remains")
	assert.Equal(judgement.PhaseBidding, state.Phase, "One vote of three is still no majority")
}

func TestDisconnect_InLobbyFreesSeat(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conns, _, _ := gameClients(t, ctx, url, []string{"Alice", "Bob", "Carol"})
	defer closeAll(conns)

	// Dropping in the lobby gives up the seat entirely
	conns[2].Close(websocket.StatusNormalClosure, "")

	state := readStateUntil(t, conns[0], func(st StateUpdate) bool { return len(st.Players) == 2 })
	assert.Equal("Alice", state.Players[0].DisplayName)
	assert.Equal("Bob", state.Players[1].DisplayName)
}
