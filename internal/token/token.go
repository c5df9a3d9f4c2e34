package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Generator produces opaque session tokens. Tokens carry no structure a
// client may depend on, so the scheme can be swapped freely.
type Generator func() (string, error)

// Random returns a 128-bit random identifier, hex encoded. Collision
// probability is negligible over the lifetime of the system.
func Random() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("token generation: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
