package e2ee

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSigningSecret = "test-provider-secret"

// fakeProvider is an in-memory identity/key service shared by multiple
// sessions in one test.
type fakeProvider struct {
	mu sync.Mutex

	tokenOverride string
	tokenErr      error
	tokenCalls    int

	keys      map[string][]byte
	groupKeys map[string]WrappedGroupKey
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		keys:      make(map[string][]byte),
		groupKeys: make(map[string]WrappedGroupKey),
	}
}

func (f *fakeProvider) FetchToken(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tokenCalls++
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	if f.tokenOverride != "" {
		return f.tokenOverride, nil
	}
	return signTestToken(userID, time.Now().Add(time.Hour))
}

func (f *fakeProvider) PublishKey(_ context.Context, _, userID string, publicKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[userID] = append([]byte(nil), publicKey...)
	return nil
}

func (f *fakeProvider) LookupKey(_ context.Context, _, userID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[userID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (f *fakeProvider) StoreGroupKey(_ context.Context, _ string, entry WrappedGroupKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupKeys[entry.GroupID+"/"+entry.MemberID] = entry
	return nil
}

func (f *fakeProvider) FetchGroupKey(_ context.Context, _, groupID, memberID string) (WrappedGroupKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.groupKeys[groupID+"/"+memberID]
	if !ok {
		return WrappedGroupKey{}, ErrKeyNotFound
	}
	return entry, nil
}

func (f *fakeProvider) RemoveGroupKey(_ context.Context, _, groupID, memberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groupKeys, groupID+"/"+memberID)
	return nil
}

func signTestToken(userID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": expiresAt.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
}

func newTestGateway(t *testing.T, provider Provider, userID string) *Gateway {
	t.Helper()

	session := NewSession(provider, nil)
	if err := session.Initialize(context.Background(), userID); err != nil {
		t.Fatalf("initialize session for %q: %v", userID, err)
	}
	return NewGateway(session, nil)
}
