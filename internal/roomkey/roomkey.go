// Package roomkey implements the room-scoped payload encryption layer.
//
// Anyone who knows a room id can derive its key, so the key is only as
// secret as the id itself — the point is to keep negotiation payloads and
// media frames opaque to other instances on the same LAN, not to resist an
// attacker who was invited to the room.
package roomkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize selects AES-256.
	KeySize = 32

	// NonceSize is the GCM nonce length prepended to every sealed payload.
	NonceSize = 12

	// iterations is fixed for all instances; two peers that know the same
	// room id must derive the same key independently.
	iterations = 100_000
)

// salt is application-wide and intentionally not secret: the room id is the
// shared secret, the salt only domain-separates this application's keys.
var salt = []byte("lanmesh/roomkey/v1")

// Errors returned by Open. Both are recoverable: the caller drops the
// message or frame and carries on.
var (
	ErrTruncated  = errors.New("roomkey: sealed input shorter than nonce")
	ErrAuthFailed = errors.New("roomkey: authentication failed")
)

// Keyring memoizes derived keys per room id. Derivation is expensive
// (fixed-iteration PBKDF2), so each id is derived once; the resulting key is
// immutable and never transmitted.
type Keyring struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewKeyring creates an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// Key derives (or returns the memoized) symmetric key for the given room id.
func (k *Keyring) Key(roomID string) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.keys[roomID]; ok {
		return key
	}
	key := pbkdf2.Key([]byte(roomID), salt, iterations, KeySize, sha256.New)
	k.keys[roomID] = key
	return key
}

// Seal encrypts plaintext under key and returns nonce ‖ ciphertext+tag.
// A fresh random nonce is generated on every call — nonces are never cached
// or reused, so two seals of the same plaintext differ.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Appending to nonce gives the prefixed layout in one allocation.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce-prefixed sealed payload. Truncated input and
// authentication failure are reported as recoverable errors.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < NonceSize {
		return nil, ErrTruncated
	}

	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
