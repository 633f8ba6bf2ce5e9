package activation

import (
	"crypto/rand"
	"encoding/base64"
)

const tokenBytes = 32

// NewToken returns a random url-safe activation token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
