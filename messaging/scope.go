// Package messaging implements the encrypted realtime messaging core: typed
// conversation/group scopes, live subscription channels, the send/load
// pipeline, read-receipt tracking, and the consumer-facing client adapter.
package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// ScopeKind discriminates the two message scopes.
type ScopeKind int

const (
	// ScopeConversation is a direct conversation between two users.
	ScopeConversation ScopeKind = iota + 1
	// ScopeGroup is a group chat with shared key material.
	ScopeGroup
)

const (
	scopePrefixConversation = "conversation"
	scopePrefixGroup        = "group"
)

// Scope identifies the conversation or group a message belongs to. A message
// belongs to exactly one scope; the zero Scope is invalid everywhere.
type Scope struct {
	kind ScopeKind
	id   string
}

// ConversationScope builds the scope for a direct conversation.
func ConversationScope(conversationID string) Scope {
	return Scope{kind: ScopeConversation, id: conversationID}
}

// GroupScope builds the scope for a group chat.
func GroupScope(groupID string) Scope {
	return Scope{kind: ScopeGroup, id: groupID}
}

// Kind returns the scope discriminator.
func (s Scope) Kind() ScopeKind { return s.kind }

// ID returns the conversation or group identifier.
func (s Scope) ID() string { return s.id }

// Key renders the canonical channel key, e.g. "conversation:abc" or
// "group:xyz".
func (s Scope) Key() string {
	switch s.kind {
	case ScopeConversation:
		return scopePrefixConversation + ":" + s.id
	case ScopeGroup:
		return scopePrefixGroup + ":" + s.id
	default:
		return ""
	}
}

// String implements fmt.Stringer for log output.
func (s Scope) String() string { return s.Key() }

func (s Scope) validate() error {
	if s.id == "" {
		return errors.New("messaging: scope id is required")
	}
	switch s.kind {
	case ScopeConversation, ScopeGroup:
		return nil
	default:
		return errors.New("messaging: invalid scope kind")
	}
}

// ParseScopeKey is the inverse of Key.
func ParseScopeKey(key string) (Scope, error) {
	prefix, id, found := strings.Cut(key, ":")
	if !found || id == "" {
		return Scope{}, fmt.Errorf("messaging: malformed scope key %q", key)
	}

	switch prefix {
	case scopePrefixConversation:
		return ConversationScope(id), nil
	case scopePrefixGroup:
		return GroupScope(id), nil
	default:
		return Scope{}, fmt.Errorf("messaging: unknown scope prefix %q", prefix)
	}
}
