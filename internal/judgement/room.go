package judgement

import "time"

type Phase string

const (
	PhaseLobby     Phase = "LOBBY"
	PhaseBidding   Phase = "BIDDING"
	PhasePlaying   Phase = "PLAYING"
	PhaseRoundOver Phase = "ROUND_OVER"
	PhaseGameOver  Phase = "GAME_OVER"
)

const (
	MinPlayers = 3
	MaxPlayers = 6

	// MaxHandSize caps the cards dealt per player regardless of headcount.
	MaxHandSize = 10
	DeckSize    = 52

	// BidUnset marks a player who has not bid in the current round.
	BidUnset = -1

	MaxDisplayNameLen = 20
)

type Player struct {
	ConnectionID string `json:"connectionId"`
	SessionToken string `json:"sessionToken"`
	DisplayName  string `json:"displayName"`
	Hand         []Card `json:"hand"`
	Bid          int    `json:"bid"`
	TricksWon    int    `json:"tricksWon"`
	TotalScore   int    `json:"totalScore"`
	Connected    bool   `json:"connected"`
}

// TablePlay is one card on the table for the current trick.
type TablePlay struct {
	PlayerSessionToken string `json:"playerSessionToken"`
	PlayerName         string `json:"playerName"`
	Card               Card   `json:"card"`
}

// Room is the full authoritative state of one game. It serializes to a
// single JSON document; Version is bumped by the store on every save and
// guards against concurrent lost updates.
type Room struct {
	RoomID           string          `json:"roomId"`
	Phase            Phase           `json:"phase"`
	Players          []*Player       `json:"players"`
	RoundNumber      int             `json:"roundNumber"`
	CardsPerPlayer   int             `json:"cardsPerPlayer"`
	TrumpSuit        Suit            `json:"trumpSuit"`
	CurrentTurnIndex int             `json:"currentTurnIndex"`
	DealerIndex      int             `json:"dealerIndex"`
	Table            []TablePlay     `json:"table"`
	LeadSuit         Suit            `json:"leadSuit"`
	EndGameVotes     map[string]bool `json:"endGameVotes"`
	LastUpdatedAt    time.Time       `json:"lastUpdatedAt"`
	Version          int64           `json:"version"`
}

func NewRoom(roomID string) *Room {
	return &Room{
		RoomID:       roomID,
		Phase:        PhaseLobby,
		Players:      make([]*Player, 0, MaxPlayers),
		Table:        make([]TablePlay, 0),
		EndGameVotes: make(map[string]bool),
		Version:      1,
	}
}

func NewPlayer(connectionID, sessionToken, displayName string) *Player {
	return &Player{
		ConnectionID: connectionID,
		SessionToken: sessionToken,
		DisplayName:  displayName,
		Hand:         make([]Card, 0),
		Bid:          BidUnset,
		Connected:    true,
	}
}

func (r *Room) AddPlayer(p *Player) {
	r.Players = append(r.Players, p)
}

func (r *Room) PlayerByToken(token string) *Player {
	for _, p := range r.Players {
		if p.SessionToken == token {
			return p
		}
	}
	return nil
}

func (r *Room) PlayerByConnection(connectionID string) *Player {
	for _, p := range r.Players {
		if p.ConnectionID == connectionID {
			return p
		}
	}
	return nil
}

func (r *Room) IndexByToken(token string) int {
	for i, p := range r.Players {
		if p.SessionToken == token {
			return i
		}
	}
	return -1
}

func (r *Room) IndexByConnection(connectionID string) int {
	for i, p := range r.Players {
		if p.ConnectionID == connectionID {
			return i
		}
	}
	return -1
}

// RemovePlayer drops the seat at index. Later seat indexes shift down,
// so this is only safe before cards are dealt.
func (r *Room) RemovePlayer(index int) {
	r.Players = append(r.Players[:index], r.Players[index+1:]...)
}

func (p *Player) HoldsSuit(s Suit) bool {
	for _, c := range p.Hand {
		if c.Suit == s {
			return true
		}
	}
	return false
}

func (r *Room) ConnectedCount() int {
	count := 0
	for _, p := range r.Players {
		if p.Connected {
			count++
		}
	}
	return count
}

// EndGameVotePassed reports whether a strict majority of the currently
// connected players has voted to end the game. Votes left behind by
// players who have since disconnected do not count.
func (r *Room) EndGameVotePassed() bool {
	connected := r.ConnectedCount()
	if connected == 0 {
		return false
	}

	votes := 0
	for connID, voted := range r.EndGameVotes {
		if !voted {
			continue
		}
		if p := r.PlayerByConnection(connID); p != nil && p.Connected {
			votes++
		}
	}
	return votes*2 > connected
}

func (r *Room) AllBidsPlaced() bool {
	for _, p := range r.Players {
		if p.Bid == BidUnset {
			return false
		}
	}
	return true
}

func (r *Room) AllHandsEmpty() bool {
	for _, p := range r.Players {
		if len(p.Hand) > 0 {
			return false
		}
	}
	return true
}

// MaxCardsFor is the largest hand a table of playerCount can be dealt.
func MaxCardsFor(playerCount int) int {
	limit := DeckSize / playerCount
	if limit > MaxHandSize {
		return MaxHandSize
	}
	return limit
}

// CardsFor is the hand size for a given round: the round number capped
// by hand size and deck limits.
func CardsFor(roundNumber, playerCount int) int {
	return min(roundNumber, MaxCardsFor(playerCount))
}
