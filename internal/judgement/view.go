package judgement

import (
	"sort"
	"time"
)

// RoomView is the sanitized projection of a room that one viewer is
// allowed to see. Every hand except the viewer's own is replaced by
// CardBack placeholders of equal count, and session tokens never leave
// the server: players are identified by connection id in views.
type RoomView struct {
	RoomID           string          `json:"roomId"`
	Phase            Phase           `json:"phase"`
	Players          []PlayerView    `json:"players"`
	RoundNumber      int             `json:"roundNumber"`
	CardsPerPlayer   int             `json:"cardsPerPlayer"`
	TrumpSuit        Suit            `json:"trumpSuit"`
	CurrentTurnIndex int             `json:"currentTurnIndex"`
	DealerIndex      int             `json:"dealerIndex"`
	Table            []TablePlayView `json:"table"`
	LeadSuit         Suit            `json:"leadSuit"`
	EndGameVotes     []string        `json:"endGameVotes"`
	LastUpdatedAt    time.Time       `json:"lastUpdatedAt"`
}

type PlayerView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Hand        []Card `json:"hand"`
	HandCount   int    `json:"handCount"`
	Bid         int    `json:"bid"`
	TricksWon   int    `json:"tricksWon"`
	TotalScore  int    `json:"totalScore"`
	Connected   bool   `json:"connected"`
}

type TablePlayView struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Card       Card   `json:"card"`
}

// ViewFor builds the projection for the player holding viewerToken. The
// result is deterministic for a given room state, so re-broadcasting
// unchanged state yields byte-identical payloads per viewer.
func (r *Room) ViewFor(viewerToken string) RoomView {
	players := make([]PlayerView, 0, len(r.Players))
	for _, p := range r.Players {
		view := PlayerView{
			ID:          p.ConnectionID,
			DisplayName: p.DisplayName,
			HandCount:   len(p.Hand),
			Bid:         p.Bid,
			TricksWon:   p.TricksWon,
			TotalScore:  p.TotalScore,
			Connected:   p.Connected,
		}
		if p.SessionToken == viewerToken {
			view.Hand = p.Hand
		} else {
			view.Hand = hiddenHand(len(p.Hand))
		}
		players = append(players, view)
	}

	table := make([]TablePlayView, 0, len(r.Table))
	for _, play := range r.Table {
		playerID := ""
		if p := r.PlayerByToken(play.PlayerSessionToken); p != nil {
			playerID = p.ConnectionID
		}
		table = append(table, TablePlayView{
			PlayerID:   playerID,
			PlayerName: play.PlayerName,
			Card:       play.Card,
		})
	}

	votes := make([]string, 0, len(r.EndGameVotes))
	for connectionID := range r.EndGameVotes {
		votes = append(votes, connectionID)
	}
	sort.Strings(votes)

	return RoomView{
		RoomID:           r.RoomID,
		Phase:            r.Phase,
		Players:          players,
		RoundNumber:      r.RoundNumber,
		CardsPerPlayer:   r.CardsPerPlayer,
		TrumpSuit:        r.TrumpSuit,
		CurrentTurnIndex: r.CurrentTurnIndex,
		DealerIndex:      r.DealerIndex,
		Table:            table,
		LeadSuit:         r.LeadSuit,
		EndGameVotes:     votes,
		LastUpdatedAt:    r.LastUpdatedAt,
	}
}

func hiddenHand(count int) []Card {
	hand := make([]Card, count)
	for i := range hand {
		hand[i] = CardBack
	}
	return hand
}
