package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crewchat/storage"
)

// ReceiptTracker records and answers read state. Receipts are created only
// by non-senders and only once per message and user; duplicates are absorbed
// silently.
type ReceiptTracker struct {
	store  *storage.Store
	cipher Cipher
	logger *slog.Logger
}

// NewReceiptTracker wires a tracker over the local store.
func NewReceiptTracker(store *storage.Store, cipher Cipher, logger *slog.Logger) *ReceiptTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptTracker{store: store, cipher: cipher, logger: logger}
}

// MarkRead records that the local user has read the message. Marking an own
// message or marking twice are both no-ops.
func (t *ReceiptTracker) MarkRead(ctx context.Context, messageID string) error {
	message, err := t.store.MessageByID(messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: message %q not found", ErrPersistence, messageID)
		}
		return fmt.Errorf("%w: load message: %v", ErrPersistence, err)
	}

	if message.SenderID == t.cipher.UserID() {
		return nil
	}

	if err := t.store.InsertReadReceipt(messageID, t.cipher.UserID(), 0); err != nil {
		return fmt.Errorf("%w: insert receipt: %v", ErrPersistence, err)
	}
	return nil
}

// IsRead reports whether the given user has recorded a receipt for the
// message.
func (t *ReceiptTracker) IsRead(ctx context.Context, messageID, userID string) (bool, error) {
	read, err := t.store.IsRead(messageID, userID)
	if err != nil {
		return false, fmt.Errorf("%w: check receipt: %v", ErrPersistence, err)
	}
	return read, nil
}
