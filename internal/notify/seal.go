package notify

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// secretFields are Data keys that only travel through the queue encrypted.
var secretFields = []string{"password"}

const (
	sealedPrefix = "sealed:v1:"
	nonceSize    = 24
)

var (
	// ErrSealKey rejects keys that are not 32 base64-encoded bytes.
	ErrSealKey = errors.New("notify: seal key must be 32 bytes, base64 encoded")
	// ErrNoSealer is returned for notifications with secrets and no Sealer.
	ErrNoSealer = errors.New("notify: secret fields require a sealer")
	// ErrUnsealable reports a secret field that is not a box opened by this key.
	ErrUnsealable = errors.New("notify: secret field cannot be opened")
)

// Sealer encrypts secret Data fields with NaCl secretbox before a
// notification is queued, and opens them again in the worker.
type Sealer struct {
	key [32]byte
}

// ParseSealKey builds a Sealer from a base64 (standard encoding) key.
func ParseSealKey(encoded string) (*Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(raw) != 32 {
		return nil, ErrSealKey
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal returns n with every secret field encrypted under a fresh nonce.
func (s *Sealer) Seal(n Notification) (Notification, error) {
	if !hasSecrets(n) {
		return n, nil
	}
	if s == nil {
		return Notification{}, ErrNoSealer
	}
	data := maps.Clone(n.Data)
	for _, field := range secretFields {
		v, ok := data[field]
		if !ok || strings.HasPrefix(v, sealedPrefix) {
			continue
		}
		var nonce [nonceSize]byte
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return Notification{}, fmt.Errorf("notify: seal nonce: %w", err)
		}
		box := secretbox.Seal(nonce[:], []byte(v), &nonce, &s.key)
		data[field] = sealedPrefix + base64.RawURLEncoding.EncodeToString(box)
	}
	n.Data = data
	return n, nil
}

// Open reverses Seal. Clear-text secrets are refused.
func (s *Sealer) Open(n Notification) (Notification, error) {
	if !hasSecrets(n) {
		return n, nil
	}
	if s == nil {
		return Notification{}, ErrNoSealer
	}
	data := maps.Clone(n.Data)
	for _, field := range secretFields {
		v, ok := data[field]
		if !ok {
			continue
		}
		encoded, found := strings.CutPrefix(v, sealedPrefix)
		if !found {
			return Notification{}, fmt.Errorf("%w: %s", ErrUnsealable, field)
		}
		box, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(box) < nonceSize+secretbox.Overhead {
			return Notification{}, fmt.Errorf("%w: %s", ErrUnsealable, field)
		}
		var nonce [nonceSize]byte
		copy(nonce[:], box[:nonceSize])
		plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
		if !ok {
			return Notification{}, fmt.Errorf("%w: %s", ErrUnsealable, field)
		}
		data[field] = string(plain)
	}
	n.Data = data
	return n, nil
}

func hasSecrets(n Notification) bool {
	for _, field := range secretFields {
		if _, ok := n.Data[field]; ok {
			return true
		}
	}
	return false
}
