package server

import (
	"errors"
	"math/rand"
	"strings"
)

const roomCodeLength = 6

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateRoomCode returns a random six character room code. Uniqueness
// is enforced by the store at creation time, not here.
func GenerateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		code[i] = roomCodeAlphabet[rand.Intn(len(roomCodeAlphabet))]
	}
	return string(code)
}

func ValidateRoomCode(code string) error {
	if len(code) != roomCodeLength {
		return errors.New("Room code must be exactly 6 characters")
	}

	for _, ch := range code {
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return errors.New("Room code must contain only letters A-Z and digits")
		}
	}

	return nil
}

func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
