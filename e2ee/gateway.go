package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"crewchat/crypto"
)

// Gateway exposes encrypt/decrypt for direct and group scopes plus group key
// distribution. It wraps the identity session and never persists plaintext or
// key material.
type Gateway struct {
	session *Session
	logger  *slog.Logger

	groupKeyMu sync.Mutex
	groupKeys  map[string][]byte
}

// NewGateway creates an encryption gateway over an initialized session.
func NewGateway(session *Session, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		session:   session,
		logger:    logger,
		groupKeys: make(map[string][]byte),
	}
}

// UserID returns the identity the underlying session is bound to.
func (g *Gateway) UserID() string {
	return g.session.UserID()
}

// EncryptDirect encrypts plaintext for exactly one recipient.
func (g *Gateway) EncryptDirect(ctx context.Context, plaintext []byte, recipientID string) ([]byte, error) {
	key, err := g.pairKey(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	ciphertext, err := crypto.Seal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	return ciphertext, nil
}

// DecryptDirect decrypts a payload produced by the sender's EncryptDirect.
// Failure is recoverable: callers substitute a sentinel and continue.
func (g *Gateway) DecryptDirect(ctx context.Context, ciphertext []byte, senderID string) ([]byte, error) {
	key, err := g.pairKey(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext, err := crypto.Open(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

// CreateGroup generates a group key and distributes a wrapped copy to every
// member. The creating user always receives a copy, listed or not.
func (g *Gateway) CreateGroup(ctx context.Context, groupID string, memberIDs []string) error {
	selfID, token, _, err := g.session.snapshot()
	if err != nil {
		return err
	}

	groupKey, err := crypto.GenerateGroupKey()
	if err != nil {
		return fmt.Errorf("create group %q: %w", groupID, err)
	}

	members := append([]string(nil), memberIDs...)
	if !containsString(members, selfID) {
		members = append(members, selfID)
	}

	for _, memberID := range members {
		if err := g.wrapGroupKeyFor(ctx, token, groupID, memberID, groupKey); err != nil {
			return err
		}
	}

	g.cacheGroupKey(groupID, groupKey)
	return nil
}

// AddMember wraps the existing group key for a new member. Historical
// ciphertexts are not re-encrypted.
func (g *Gateway) AddMember(ctx context.Context, groupID, memberID string) error {
	_, token, _, err := g.session.snapshot()
	if err != nil {
		return err
	}

	groupKey, err := g.groupKey(ctx, groupID)
	if err != nil {
		return err
	}

	return g.wrapGroupKeyFor(ctx, token, groupID, memberID, groupKey)
}

// RemoveMember deletes a member's wrapped group-key record. The group key is
// not rotated, so previously fetched copies remain usable.
func (g *Gateway) RemoveMember(ctx context.Context, groupID, memberID string) error {
	_, token, _, err := g.session.snapshot()
	if err != nil {
		return err
	}

	return g.session.provider.RemoveGroupKey(ctx, token, groupID, memberID)
}

// EncryptGroup encrypts plaintext with the group's shared key.
func (g *Gateway) EncryptGroup(ctx context.Context, groupID string, plaintext []byte) ([]byte, error) {
	key, err := g.groupKey(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	ciphertext, err := crypto.Seal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	return ciphertext, nil
}

// DecryptGroup decrypts a payload sealed with the group's shared key.
func (g *Gateway) DecryptGroup(ctx context.Context, groupID string, ciphertext []byte) ([]byte, error) {
	key, err := g.groupKey(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext, err := crypto.Open(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

// IdentityVerificationString returns the out-of-band verification rendering
// of a user's published public key.
func (g *Gateway) IdentityVerificationString(ctx context.Context, userID string) (string, error) {
	_, token, _, err := g.session.snapshot()
	if err != nil {
		return "", err
	}

	publicKey, err := g.session.provider.LookupKey(ctx, token, userID)
	if err != nil {
		return "", fmt.Errorf("verification string for %q: %w", userID, err)
	}

	return crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey)), nil
}

// VerifyIdentity compares an out-of-band verification string against the
// user's published key. Grouping whitespace and case are ignored.
func (g *Gateway) VerifyIdentity(ctx context.Context, userID, verification string) (bool, error) {
	_, token, _, err := g.session.snapshot()
	if err != nil {
		return false, err
	}

	publicKey, err := g.session.provider.LookupKey(ctx, token, userID)
	if err != nil {
		return false, fmt.Errorf("verify identity for %q: %w", userID, err)
	}

	return crypto.NormalizeFingerprint(verification) == crypto.KeyFingerprint(publicKey), nil
}

// pairKey derives the symmetric key shared between the session user and a
// peer.
func (g *Gateway) pairKey(ctx context.Context, peerID string) ([]byte, error) {
	selfID, token, privateKey, err := g.session.snapshot()
	if err != nil {
		return nil, err
	}

	peerPublicRaw, err := g.session.provider.LookupKey(ctx, token, peerID)
	if err != nil {
		return nil, fmt.Errorf("lookup key for %q: %w", peerID, err)
	}
	peerPublicKey, err := crypto.ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(privateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	return crypto.DerivePairKey(sharedSecret, selfID, peerID)
}

// groupKey returns the unwrapped group key, fetching and unwrapping this
// user's record on first use.
func (g *Gateway) groupKey(ctx context.Context, groupID string) ([]byte, error) {
	g.groupKeyMu.Lock()
	cached, ok := g.groupKeys[groupID]
	g.groupKeyMu.Unlock()
	if ok {
		return cached, nil
	}

	selfID, token, _, err := g.session.snapshot()
	if err != nil {
		return nil, err
	}

	entry, err := g.session.provider.FetchGroupKey(ctx, token, groupID, selfID)
	if err != nil {
		return nil, fmt.Errorf("fetch group key for %q: %w", groupID, err)
	}

	groupKey, err := g.DecryptDirect(ctx, entry.Key, entry.WrappedBy)
	if err != nil {
		return nil, fmt.Errorf("unwrap group key for %q: %w", groupID, err)
	}

	g.cacheGroupKey(groupID, groupKey)
	return groupKey, nil
}

func (g *Gateway) wrapGroupKeyFor(ctx context.Context, token, groupID, memberID string, groupKey []byte) error {
	wrapped, err := g.EncryptDirect(ctx, groupKey, memberID)
	if err != nil {
		return fmt.Errorf("wrap group key for member %q: %w", memberID, err)
	}

	entry := WrappedGroupKey{
		GroupID:   groupID,
		MemberID:  memberID,
		WrappedBy: g.session.UserID(),
		Key:       wrapped,
	}
	if err := g.session.provider.StoreGroupKey(ctx, token, entry); err != nil {
		return err
	}

	return nil
}

func (g *Gateway) cacheGroupKey(groupID string, key []byte) {
	g.groupKeyMu.Lock()
	g.groupKeys[groupID] = append([]byte(nil), key...)
	g.groupKeyMu.Unlock()
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
