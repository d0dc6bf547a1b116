package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// MessageTypeText marks a regular user-authored message.
	MessageTypeText = "text"
	// MessageTypeSystem marks messages produced by the application itself.
	MessageTypeSystem = "system"
)

// Message is the SQLite representation of an encrypted message. Exactly one
// of ConversationID/GroupID is set; the row is immutable once inserted.
type Message struct {
	MessageID      string
	SenderID       string
	ConversationID *string
	GroupID        *string
	Ciphertext     []byte
	MessageType    string
	CreatedAt      int64
}

// ReadReceipt records that a non-sender viewed a message. At most one row
// exists per (message, user) pair.
type ReadReceipt struct {
	MessageID string
	UserID    string
	ReadAt    int64
}

func validateMessageType(messageType string) error {
	switch messageType {
	case MessageTypeText, MessageTypeSystem:
		return nil
	default:
		return fmt.Errorf("invalid message type %q", messageType)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
