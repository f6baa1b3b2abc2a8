package judgement

import (
	"errors"
	"fmt"
)

var (
	ErrCardNotInHand  = errors.New("You don't have that card")
	ErrMustFollowSuit = errors.New("You must follow suit")
	ErrTrickResolving = errors.New("Waiting for the trick to clear")
)

/*
 * Round setup
 */

// StartRound advances the room into the next round's bidding phase:
// fresh shuffle, hands of CardsPerPlayer each, trump rotated, dealer
// moved one seat, first bid to the left of the dealer. When the next
// round would need more cards than the deck can deal, the room goes to
// GAME_OVER instead and nothing is dealt.
func (r *Room) StartRound() {
	r.RoundNumber++

	if r.RoundNumber > MaxCardsFor(len(r.Players)) {
		r.Phase = PhaseGameOver
		return
	}
	r.CardsPerPlayer = CardsFor(r.RoundNumber, len(r.Players))

	r.TrumpSuit = Suits[(r.RoundNumber-1)%len(Suits)]

	if r.RoundNumber == 1 {
		r.DealerIndex = 0
	} else {
		r.DealerIndex = (r.DealerIndex + 1) % len(r.Players)
	}

	deck := NewDeck()
	next := 0
	for _, p := range r.Players {
		p.Bid = BidUnset
		p.TricksWon = 0
		p.Hand = append([]Card(nil), deck[next:next+r.CardsPerPlayer]...)
		next += r.CardsPerPlayer
		SortHand(p.Hand)
	}

	r.Table = make([]TablePlay, 0)
	r.LeadSuit = ""
	r.CurrentTurnIndex = (r.DealerIndex + 1) % len(r.Players)
	r.Phase = PhaseBidding
}

/*
 * Bidding
 */

// ValidateBid checks bid legality for the player at playerIndex. The
// hook rule binds whichever player happens to bid last: their bid may
// not bring the total to exactly CardsPerPlayer.
func (r *Room) ValidateBid(playerIndex, amount int) error {
	if amount < 0 || amount > r.CardsPerPlayer {
		return fmt.Errorf("Bid must be between 0 and %d", r.CardsPerPlayer)
	}

	unbid := 0
	total := 0
	for _, p := range r.Players {
		if p.Bid == BidUnset {
			unbid++
		} else {
			total += p.Bid
		}
	}
	if unbid == 1 && total+amount == r.CardsPerPlayer {
		return fmt.Errorf("Total bids cannot equal %d", r.CardsPerPlayer)
	}

	return nil
}

// PlaceBid records an accepted bid and advances the turn. Once the last
// bid lands the room moves to PLAYING with the lead at left of dealer.
func (r *Room) PlaceBid(playerIndex, amount int) {
	r.Players[playerIndex].Bid = amount
	r.CurrentTurnIndex = (r.CurrentTurnIndex + 1) % len(r.Players)

	if r.AllBidsPlaced() {
		r.CurrentTurnIndex = (r.DealerIndex + 1) % len(r.Players)
		r.Phase = PhasePlaying
	}
}

/*
 * Playing
 */

// TrickResult reports a resolved trick.
type TrickResult struct {
	WinnerToken string
	WinnerName  string
	RoundOver   bool
}

func (r *Room) ValidateMove(playerIndex, cardIndex int) error {
	if r.TrickComplete() {
		return ErrTrickResolving
	}

	p := r.Players[playerIndex]
	if cardIndex < 0 || cardIndex >= len(p.Hand) {
		return ErrCardNotInHand
	}

	card := p.Hand[cardIndex]
	if r.LeadSuit != "" && card.Suit != r.LeadSuit && p.HoldsSuit(r.LeadSuit) {
		return ErrMustFollowSuit
	}

	return nil
}

// PlayCard commits a validated play: the card moves from the hand to
// the table, the first play of a trick fixes the lead suit, and the
// turn advances. Resolution is a separate step so a completed trick can
// stay on the table while players look at it.
func (r *Room) PlayCard(playerIndex, cardIndex int) {
	p := r.Players[playerIndex]
	card := p.Hand[cardIndex]
	p.Hand = append(p.Hand[:cardIndex], p.Hand[cardIndex+1:]...)

	if len(r.Table) == 0 {
		r.LeadSuit = card.Suit
	}
	r.Table = append(r.Table, TablePlay{
		PlayerSessionToken: p.SessionToken,
		PlayerName:         p.DisplayName,
		Card:               card,
	})
	r.CurrentTurnIndex = (r.CurrentTurnIndex + 1) % len(r.Players)
}

// TrickComplete reports whether every player has played into the
// current trick. No further plays are accepted until ResolveTrick runs.
func (r *Room) TrickComplete() bool {
	return len(r.Players) > 0 && len(r.Table) == len(r.Players)
}

// ResolveTrick folds over the table to find the winner. The winner
// collects the trick, leads the next one, and the table is cleared.
func (r *Room) ResolveTrick() TrickResult {
	best := r.Table[0]
	for _, play := range r.Table[1:] {
		if beats(play.Card, best.Card, r.TrumpSuit) {
			best = play
		}
	}

	winnerIndex := r.IndexByToken(best.PlayerSessionToken)
	winner := r.Players[winnerIndex]
	winner.TricksWon++

	r.CurrentTurnIndex = winnerIndex
	r.Table = make([]TablePlay, 0)
	r.LeadSuit = ""

	return TrickResult{
		WinnerToken: winner.SessionToken,
		WinnerName:  winner.DisplayName,
		RoundOver:   r.AllHandsEmpty(),
	}
}

// beats reports whether the challenger takes the trick from the current
// best card. Any trump beats any non-trump; otherwise only a higher
// card of the best card's own suit wins. Off-suit non-trump never does.
func beats(challenger, best Card, trump Suit) bool {
	challengerTrump := challenger.Suit == trump
	bestTrump := best.Suit == trump

	if challengerTrump != bestTrump {
		return challengerTrump
	}
	if challenger.Suit == best.Suit {
		return challenger.Value > best.Value
	}

	return false
}

/*
 * Scoring
 */

// PlayerScore is one player's outcome for a finished round.
type PlayerScore struct {
	PlayerName string `json:"playerName"`
	Bid        int    `json:"bid"`
	TricksWon  int    `json:"tricksWon"`
	MetBid     bool   `json:"metBid"`
	Points     int    `json:"points"`
	TotalScore int    `json:"totalScore"`
}

// CalculateScores applies round scoring: an exact bid pays 10 for a
// zero bid, 11 for a bid of one, and bid*10 otherwise; a missed bid
// pays nothing. Totals accumulate across rounds.
func (r *Room) CalculateScores() []PlayerScore {
	results := make([]PlayerScore, 0, len(r.Players))
	for _, p := range r.Players {
		bid := p.Bid
		if bid == BidUnset {
			bid = 0
		}

		met := p.TricksWon == bid
		points := 0
		if met {
			switch bid {
			case 0:
				points = 10
			case 1:
				points = 11
			default:
				points = bid * 10
			}
		}
		p.TotalScore += points

		results = append(results, PlayerScore{
			PlayerName: p.DisplayName,
			Bid:        bid,
			TricksWon:  p.TricksWon,
			MetBid:     met,
			Points:     points,
			TotalScore: p.TotalScore,
		})
	}

	return results
}
