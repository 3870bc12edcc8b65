package duel

import "math/rand"

const (
	roomCodeLength   = 6
	roomCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NewRoomCode generates a 6-character uppercase base-36 room code. The
// code is the only discovery mechanism; it is shared out-of-band.
func NewRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		code[i] = roomCodeAlphabet[rand.Intn(len(roomCodeAlphabet))]
	}
	return string(code)
}

// ValidRoomCode reports whether s has the shape of a room code.
func ValidRoomCode(s string) bool {
	if len(s) != roomCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
