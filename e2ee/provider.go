package e2ee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// WrappedGroupKey is one member's copy of a group key, sealed with the
// pairwise key between the wrapping user and the member.
type WrappedGroupKey struct {
	GroupID   string `json:"group_id"`
	MemberID  string `json:"member_id"`
	WrappedBy string `json:"wrapped_by"`
	Key       []byte `json:"key"`
}

// Provider is the external identity/key service consumed by the session and
// gateway. Tokens are opaque to callers and passed through on every request.
type Provider interface {
	FetchToken(ctx context.Context, userID string) (string, error)
	PublishKey(ctx context.Context, token, userID string, publicKey []byte) error
	LookupKey(ctx context.Context, token, userID string) ([]byte, error)
	StoreGroupKey(ctx context.Context, token string, entry WrappedGroupKey) error
	FetchGroupKey(ctx context.Context, token, groupID, memberID string) (WrappedGroupKey, error)
	RemoveGroupKey(ctx context.Context, token, groupID, memberID string) error
}

const defaultProviderTimeout = 10 * time.Second

// HTTPProvider talks JSON over HTTP to the hosted identity/key service.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider client for the given base URL.
func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: defaultProviderTimeout}
	}
	return &HTTPProvider{baseURL: baseURL, client: client}
}

// FetchToken performs the single token round trip for a user identity.
func (p *HTTPProvider) FetchToken(ctx context.Context, userID string) (string, error) {
	var response struct {
		Token string `json:"token"`
	}
	request := map[string]string{"identity": userID}

	if err := p.do(ctx, http.MethodPost, "/v1/tokens", "", request, &response); err != nil {
		return "", fmt.Errorf("fetch identity token: %w", err)
	}
	if response.Token == "" {
		return "", fmt.Errorf("fetch identity token: empty token in response")
	}

	return response.Token, nil
}

// PublishKey registers a session's X25519 public key.
func (p *HTTPProvider) PublishKey(ctx context.Context, token, userID string, publicKey []byte) error {
	request := map[string][]byte{"public_key": publicKey}
	if err := p.do(ctx, http.MethodPut, "/v1/keys/"+url.PathEscape(userID), token, request, nil); err != nil {
		return fmt.Errorf("publish key for %q: %w", userID, err)
	}
	return nil
}

// LookupKey resolves a user's current public key.
func (p *HTTPProvider) LookupKey(ctx context.Context, token, userID string) ([]byte, error) {
	var response struct {
		PublicKey []byte `json:"public_key"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(userID), token, nil, &response); err != nil {
		return nil, fmt.Errorf("lookup key for %q: %w", userID, err)
	}
	return response.PublicKey, nil
}

// StoreGroupKey saves one member's wrapped group-key record.
func (p *HTTPProvider) StoreGroupKey(ctx context.Context, token string, entry WrappedGroupKey) error {
	path := groupKeyPath(entry.GroupID, entry.MemberID)
	if err := p.do(ctx, http.MethodPut, path, token, entry, nil); err != nil {
		return fmt.Errorf("store group key for group %q member %q: %w", entry.GroupID, entry.MemberID, err)
	}
	return nil
}

// FetchGroupKey retrieves one member's wrapped group-key record.
func (p *HTTPProvider) FetchGroupKey(ctx context.Context, token, groupID, memberID string) (WrappedGroupKey, error) {
	var entry WrappedGroupKey
	if err := p.do(ctx, http.MethodGet, groupKeyPath(groupID, memberID), token, nil, &entry); err != nil {
		return WrappedGroupKey{}, fmt.Errorf("fetch group key for group %q member %q: %w", groupID, memberID, err)
	}
	return entry, nil
}

// RemoveGroupKey deletes one member's wrapped group-key record.
func (p *HTTPProvider) RemoveGroupKey(ctx context.Context, token, groupID, memberID string) error {
	if err := p.do(ctx, http.MethodDelete, groupKeyPath(groupID, memberID), token, nil, nil); err != nil {
		return fmt.Errorf("remove group key for group %q member %q: %w", groupID, memberID, err)
	}
	return nil
}

func groupKeyPath(groupID, memberID string) string {
	return "/v1/groups/" + url.PathEscape(groupID) + "/keys/" + url.PathEscape(memberID)
}

func (p *HTTPProvider) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := p.client.Do(request)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return ErrKeyNotFound
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", response.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}

	return nil
}
