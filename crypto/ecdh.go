package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

const x25519PublicKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateX25519PrivateKey creates a new X25519 private key.
//
// Session keys are held only in process memory; there is deliberately no
// load/save path for private key material.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseX25519PublicKey parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != x25519PublicKeySize {
		return nil, fmt.Errorf("parse X25519 public key: invalid size %d", len(raw))
	}

	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}

	return publicKey, nil
}

// ComputeX25519SharedSecret performs the ECDH exchange between a local private
// key and a peer public key.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	sharedSecret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return sharedSecret, nil
}
