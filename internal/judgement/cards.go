package judgement

import (
	"fmt"
	"math/rand"
	"sort"
)

type Suit string

const (
	Spades   Suit = "spades"
	Diamonds Suit = "diamonds"
	Clubs    Suit = "clubs"
	Hearts   Suit = "hearts"
)

// Suits in display order. Trump rotation walks the same order.
var Suits = []Suit{Spades, Diamonds, Clubs, Hearts}

var suitOrder = map[Suit]int{
	Spades:   0,
	Diamonds: 1,
	Clubs:    2,
	Hearts:   3,
}

var ranks = []string{"2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K", "A"}

type Card struct {
	Suit  Suit   `json:"suit"`
	Rank  string `json:"rank"`
	Value int    `json:"value"`
}

// CardBack stands in for any card a viewer is not allowed to see.
var CardBack = Card{Suit: "back", Rank: "back", Value: 0}

func (c Card) String() string {
	return fmt.Sprintf("%s of %s", c.Rank, c.Suit)
}

// NewDeck returns the 52 standard cards in a fresh random order.
// Values run 2 through 14 with ace high.
func NewDeck() []Card {
	deck := make([]Card, 0, DeckSize)
	for _, suit := range Suits {
		for i, rank := range ranks {
			deck = append(deck, Card{Suit: suit, Rank: rank, Value: i + 2})
		}
	}

	rand.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})

	return deck
}

// SortHand orders cards by suit (spades, diamonds, clubs, hearts) then
// ascending value so hands render stably between broadcasts.
func SortHand(hand []Card) {
	sort.Slice(hand, func(i, j int) bool {
		if hand[i].Suit != hand[j].Suit {
			return suitOrder[hand[i].Suit] < suitOrder[hand[j].Suit]
		}
		return hand[i].Value < hand[j].Value
	})
}
