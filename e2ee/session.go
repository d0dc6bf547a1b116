package e2ee

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crewchat/crypto"
)

// Session holds the cryptographic identity of one user for the lifetime of a
// messaging session.
//
// The private key exists only in process memory. Losing the process loses the
// session; the caller must Initialize again.
type Session struct {
	provider Provider
	logger   *slog.Logger

	mu         sync.RWMutex
	userID     string
	token      string
	expiresAt  time.Time
	privateKey *ecdh.PrivateKey
}

// NewSession creates an uninitialized session bound to an identity provider.
func NewSession(provider Provider, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{provider: provider, logger: logger}
}

// Initialize fetches a signed identity token, generates a fresh X25519
// keypair, and publishes the public half.
//
// Re-initializing with the same user while the token is still valid is a
// no-op. Initializing with a different user tears down and replaces the
// session state.
func (s *Session) Initialize(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user identity is required", ErrAuthToken)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID == userID && s.privateKey != nil && !s.expiredLocked() {
		return nil
	}

	token, err := s.provider.FetchToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthToken, err)
	}

	expiresAt, err := tokenExpiry(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthToken, err)
	}

	privateKey, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	if err := s.provider.PublishKey(ctx, token, userID, privateKey.PublicKey().Bytes()); err != nil {
		return fmt.Errorf("publish session key: %w", err)
	}

	if s.userID != "" && s.userID != userID {
		s.logger.Info("replacing identity session", "previous_user", s.userID, "user", userID)
	}

	s.userID = userID
	s.token = token
	s.expiresAt = expiresAt
	s.privateKey = privateKey

	return nil
}

// UserID returns the identity the session was initialized for.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Token returns the opaque identity token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Expired reports whether the identity token has passed its expiry claim.
// Tokens without an expiry never expire.
func (s *Session) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiredLocked()
}

func (s *Session) expiredLocked() bool {
	return !s.expiresAt.IsZero() && time.Now().After(s.expiresAt)
}

// snapshot returns the immutable per-call view of the session. All components
// other than Initialize treat session state as read-only.
func (s *Session) snapshot() (userID, token string, privateKey *ecdh.PrivateKey, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.privateKey == nil {
		return "", "", nil, ErrNotInitialized
	}
	return s.userID, s.token, s.privateKey, nil
}

// tokenExpiry reads the exp claim from the identity token. The signature is
// the provider's concern; the client only needs the expiry for session reuse.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse identity token: %w", err)
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read token expiry: %w", err)
	}
	if expiry == nil {
		return time.Time{}, nil
	}
	return expiry.Time, nil
}
