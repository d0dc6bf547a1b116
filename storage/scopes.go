package storage

import (
	"errors"
	"fmt"
)

// CreateConversation inserts a direct conversation and its participants.
func (s *Store) CreateConversation(conversationID string, participantIDs []string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if len(participantIDs) == 0 {
		return errors.New("at least one participant is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin conversation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO conversations (conversation_id, created_at) VALUES (?, ?)`,
		conversationID,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("insert conversation %q: %w", conversationID, err)
	}

	for _, userID := range participantIDs {
		if userID == "" {
			return errors.New("participant user_id is required")
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			conversationID,
			userID,
		); err != nil {
			return fmt.Errorf("insert participant %q for conversation %q: %w", userID, conversationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation transaction: %w", err)
	}

	return nil
}

// AddParticipant adds one user to an existing conversation.
func (s *Store) AddParticipant(conversationID, userID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if userID == "" {
		return errors.New("user_id is required")
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
		conversationID,
		userID,
	)
	if err != nil {
		return fmt.Errorf("add participant %q to conversation %q: %w", userID, conversationID, err)
	}

	return nil
}

// OtherParticipants returns the participants of a conversation excluding the
// given user.
func (s *Store) OtherParticipants(conversationID, selfID string) ([]string, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	return s.queryUserIDs(
		`SELECT user_id FROM conversation_participants
		WHERE conversation_id = ? AND user_id <> ?
		ORDER BY user_id ASC`,
		conversationID,
		selfID,
	)
}

// ConversationsForUser returns IDs of all conversations a user participates in.
func (s *Store) ConversationsForUser(userID string) ([]string, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	return s.queryUserIDs(
		`SELECT conversation_id FROM conversation_participants
		WHERE user_id = ?
		ORDER BY conversation_id ASC`,
		userID,
	)
}

// CreateGroupChat inserts a group chat and its initial membership.
func (s *Store) CreateGroupChat(groupID, name string, memberIDs []string) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin group transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO group_chats (group_id, name, created_at) VALUES (?, ?, ?)`,
		groupID,
		name,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("insert group %q: %w", groupID, err)
	}

	for _, userID := range memberIDs {
		if userID == "" {
			return errors.New("member user_id is required")
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`,
			groupID,
			userID,
		); err != nil {
			return fmt.Errorf("insert member %q for group %q: %w", userID, groupID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group transaction: %w", err)
	}

	return nil
}

// AddGroupMember adds one user to a group. Adding an existing member is a
// no-op.
func (s *Store) AddGroupMember(groupID, userID string) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}
	if userID == "" {
		return errors.New("user_id is required")
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`,
		groupID,
		userID,
	)
	if err != nil {
		return fmt.Errorf("add member %q to group %q: %w", userID, groupID, err)
	}

	return nil
}

// RemoveGroupMember removes one user from a group. Prior messages are left
// untouched.
func (s *Store) RemoveGroupMember(groupID, userID string) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}
	if userID == "" {
		return errors.New("user_id is required")
	}

	_, err := s.db.Exec(
		`DELETE FROM group_members WHERE group_id = ? AND user_id = ?`,
		groupID,
		userID,
	)
	if err != nil {
		return fmt.Errorf("remove member %q from group %q: %w", userID, groupID, err)
	}

	return nil
}

// GroupMembers returns the current membership of a group.
func (s *Store) GroupMembers(groupID string) ([]string, error) {
	if groupID == "" {
		return nil, errors.New("group_id is required")
	}

	return s.queryUserIDs(
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id ASC`,
		groupID,
	)
}

// GroupsForUser returns IDs of all groups a user belongs to.
func (s *Store) GroupsForUser(userID string) ([]string, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	return s.queryUserIDs(
		`SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id ASC`,
		userID,
	)
}

func (s *Store) queryUserIDs(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id row: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate id rows: %w", err)
	}

	return ids, nil
}
