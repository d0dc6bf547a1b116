package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const pairKeyContext = "crewchat-pair-v1"

// DerivePairKey derives a 32-byte AES key from an ECDH shared secret bound to
// the two user identities.
//
// The identities are sorted before being mixed into the HKDF info string, so
// both sides of a conversation derive the same key regardless of which one is
// local.
func DerivePairKey(sharedSecret []byte, userA, userB string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("derive pair key: shared secret is required")
	}
	if userA == "" || userB == "" {
		return nil, errors.New("derive pair key: both user identities are required")
	}

	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}

	info := []byte(pairKeyContext + "|" + lo + "|" + hi)
	reader := hkdf.New(sha256.New, sharedSecret, nil, info)

	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive pair key: %w", err)
	}

	return key, nil
}

// GenerateGroupKey creates a random 32-byte AES key for a group scope.
func GenerateGroupKey() ([]byte, error) {
	key := make([]byte, aes256KeySize)
	if err := fillRandom(key); err != nil {
		return nil, fmt.Errorf("generate group key: %w", err)
	}
	return key, nil
}
