package storage

import (
	"errors"
	"fmt"
)

// InsertReadReceipt records that a user has read a message. The insert is
// idempotent: a second receipt for the same (message, user) pair is a no-op
// and the original read_at value is preserved.
func (s *Store) InsertReadReceipt(messageID, userID string, readAt int64) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if userID == "" {
		return errors.New("user_id is required")
	}
	if readAt == 0 {
		readAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO read_receipts (message_id, user_id, read_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO NOTHING`,
		messageID,
		userID,
		readAt,
	)
	if err != nil {
		return fmt.Errorf("insert read receipt for message %q user %q: %w", messageID, userID, err)
	}

	return nil
}

// IsRead returns true if a read receipt exists for the (message, user) pair.
func (s *Store) IsRead(messageID, userID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if userID == "" {
		return false, errors.New("user_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM read_receipts WHERE message_id = ? AND user_id = ?)`,
		messageID,
		userID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check read receipt for message %q user %q: %w", messageID, userID, err)
	}

	return exists == 1, nil
}

// ReadReceiptCount returns the number of receipts stored for one message.
func (s *Store) ReadReceiptCount(messageID string) (int, error) {
	if messageID == "" {
		return 0, errors.New("message_id is required")
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM read_receipts WHERE message_id = ?`,
		messageID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count read receipts for message %q: %w", messageID, err)
	}

	return count, nil
}
