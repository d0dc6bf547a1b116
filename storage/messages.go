package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SaveMessage inserts a new message row. The message ID and creation
// timestamp are assigned here, at persistence time, and the stored copy is
// returned.
func (s *Store) SaveMessage(message Message) (Message, error) {
	if message.SenderID == "" {
		return Message{}, errors.New("sender_id is required")
	}
	if len(message.Ciphertext) == 0 {
		return Message{}, errors.New("ciphertext is required")
	}
	if (message.ConversationID == nil) == (message.GroupID == nil) {
		return Message{}, errors.New("exactly one of conversation_id and group_id must be set")
	}
	if message.MessageType == "" {
		message.MessageType = MessageTypeText
	}
	if err := validateMessageType(message.MessageType); err != nil {
		return Message{}, err
	}

	message.MessageID = uuid.NewString()
	message.CreatedAt = nowUnixMilli()

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			sender_id,
			conversation_id,
			group_id,
			ciphertext,
			message_type,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.SenderID,
		nullString(message.ConversationID),
		nullString(message.GroupID),
		message.Ciphertext,
		message.MessageType,
		message.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return message, nil
}

// MessagesByConversation returns all messages in a direct conversation
// ordered by creation time ascending, ties broken by insertion order.
func (s *Store) MessagesByConversation(conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	return s.queryMessages(
		`SELECT message_id, sender_id, conversation_id, group_id, ciphertext, message_type, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		conversationID,
	)
}

// MessagesByGroup returns all messages in a group chat ordered by creation
// time ascending, ties broken by insertion order.
func (s *Store) MessagesByGroup(groupID string) ([]Message, error) {
	if groupID == "" {
		return nil, errors.New("group_id is required")
	}
	return s.queryMessages(
		`SELECT message_id, sender_id, conversation_id, group_id, ciphertext, message_type, created_at
		FROM messages
		WHERE group_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		groupID,
	)
}

// MessageByID fetches one message by message ID.
func (s *Store) MessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT message_id, sender_id, conversation_id, group_id, ciphertext, message_type, created_at
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message        Message
		conversationID sql.NullString
		groupID        sql.NullString
	)

	if err := row.Scan(
		&message.MessageID,
		&message.SenderID,
		&conversationID,
		&groupID,
		&message.Ciphertext,
		&message.MessageType,
		&message.CreatedAt,
	); err != nil {
		return nil, err
	}

	message.ConversationID = stringPtr(conversationID)
	message.GroupID = stringPtr(groupID)

	return &message, nil
}
