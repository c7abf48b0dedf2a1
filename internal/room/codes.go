package room

import (
	"crypto/rand"
	"fmt"
)

// codeAlphabet is the character set for room codes. Uppercase plus digits
// keeps codes short and unambiguous enough to read aloud.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the fixed length of a room code.
const CodeLength = 6

// NewCode generates a random 6-character room code drawn from [A-Z0-9].
// Collision checking against existing rooms is the caller's responsibility.
//
// Postcondition: Returns a CodeLength-character string or a non-nil error.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating room code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
