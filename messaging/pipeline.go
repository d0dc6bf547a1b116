package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"crewchat/storage"
)

// Pipeline is the send and history path: plaintext in, ciphertext at rest,
// plaintext back out. Loading history never mutates read state; marking
// messages seen is a separate, explicit call.
type Pipeline struct {
	store    *storage.Store
	cipher   Cipher
	receipts *ReceiptTracker
	logger   *slog.Logger
}

// NewPipeline wires a message pipeline over the local store and the
// encryption gateway.
func NewPipeline(store *storage.Store, cipher Cipher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		cipher:   cipher,
		receipts: NewReceiptTracker(store, cipher, logger),
		logger:   logger,
	}
}

// Receipts exposes the pipeline's read-receipt tracker.
func (p *Pipeline) Receipts() *ReceiptTracker { return p.receipts }

// Send encrypts plaintext for the scope and persists the ciphertext. The
// stored message is returned in decrypted form; its status stays undelivered
// until a recipient's channel observes it.
func (p *Pipeline) Send(ctx context.Context, scope Scope, content, messageType string) (DecryptedMessage, error) {
	if err := scope.validate(); err != nil {
		return DecryptedMessage{}, err
	}
	if messageType == "" {
		messageType = storage.MessageTypeText
	}

	ciphertext, err := p.encrypt(ctx, scope, []byte(content))
	if err != nil {
		return DecryptedMessage{}, err
	}

	record := storage.Message{
		SenderID:    p.cipher.UserID(),
		Ciphertext:  ciphertext,
		MessageType: messageType,
	}
	switch scope.Kind() {
	case ScopeConversation:
		id := scope.ID()
		record.ConversationID = &id
	case ScopeGroup:
		id := scope.ID()
		record.GroupID = &id
	}

	saved, err := p.store.SaveMessage(record)
	if err != nil {
		return DecryptedMessage{}, fmt.Errorf("%w: save message: %v", ErrPersistence, err)
	}

	p.logger.Debug("message sent", "scope", scope, "message_id", saved.MessageID)

	return DecryptedMessage{
		MessageID:   saved.MessageID,
		SenderID:    saved.SenderID,
		Scope:       scope,
		Content:     content,
		MessageType: saved.MessageType,
		CreatedAt:   saved.CreatedAt,
		ReadStatus:  ReadStatusUndelivered,
	}, nil
}

// LoadHistory returns the scope's messages in creation order, decrypted for
// display. A message that fails to decrypt is kept in place with sentinel
// content. Loading is read-only: no receipts are written.
func (p *Pipeline) LoadHistory(ctx context.Context, scope Scope) ([]DecryptedMessage, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	rows, err := p.loadRows(scope)
	if err != nil {
		return nil, err
	}

	selfID := p.cipher.UserID()

	// Own conversation messages decrypt with the pair key shared with the
	// sole other participant.
	var peerID string
	if scope.Kind() == ScopeConversation {
		peerID, err = p.conversationPeer(scope.ID())
		if err != nil {
			return nil, err
		}
	}

	history := make([]DecryptedMessage, 0, len(rows))
	for _, row := range rows {
		message := DecryptedMessage{
			MessageID:   row.MessageID,
			SenderID:    row.SenderID,
			Scope:       scope,
			MessageType: row.MessageType,
			CreatedAt:   row.CreatedAt,
		}

		counterpart := row.SenderID
		if row.SenderID == selfID {
			counterpart = peerID
		}
		plaintext, decryptErr := p.decrypt(ctx, scope, row.Ciphertext, counterpart)
		if decryptErr != nil {
			p.logger.Warn("history message failed to decrypt",
				"scope", scope, "message_id", row.MessageID, "error", decryptErr)
			message.Content = UndecryptableContent
		} else {
			message.Content = string(plaintext)
		}

		message.ReadStatus, err = p.readStatus(row, selfID)
		if err != nil {
			return nil, err
		}

		history = append(history, message)
	}

	return history, nil
}

// MarkSeen records a read receipt for every message in the scope the local
// user did not send. Re-running it is a no-op.
func (p *Pipeline) MarkSeen(ctx context.Context, scope Scope) error {
	if err := scope.validate(); err != nil {
		return err
	}

	rows, err := p.loadRows(scope)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.SenderID == p.cipher.UserID() {
			continue
		}
		if err := p.receipts.MarkRead(ctx, row.MessageID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) loadRows(scope Scope) ([]storage.Message, error) {
	var (
		rows []storage.Message
		err  error
	)
	switch scope.Kind() {
	case ScopeConversation:
		rows, err = p.store.MessagesByConversation(scope.ID())
	case ScopeGroup:
		rows, err = p.store.MessagesByGroup(scope.ID())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrPersistence, scope, err)
	}
	return rows, nil
}

// encrypt picks the scope-appropriate encryption path. Conversations resolve
// to exactly one recipient; anything else is ErrNoRecipient.
func (p *Pipeline) encrypt(ctx context.Context, scope Scope, plaintext []byte) ([]byte, error) {
	if scope.Kind() == ScopeGroup {
		return p.cipher.EncryptGroup(ctx, scope.ID(), plaintext)
	}

	peerID, err := p.conversationPeer(scope.ID())
	if err != nil {
		return nil, err
	}
	return p.cipher.EncryptDirect(ctx, plaintext, peerID)
}

// decrypt picks the scope-appropriate decryption path. peerID is the other
// conversation participant and is unused for groups.
func (p *Pipeline) decrypt(ctx context.Context, scope Scope, ciphertext []byte, peerID string) ([]byte, error) {
	if scope.Kind() == ScopeGroup {
		return p.cipher.DecryptGroup(ctx, scope.ID(), ciphertext)
	}
	return p.cipher.DecryptDirect(ctx, ciphertext, peerID)
}

func (p *Pipeline) conversationPeer(conversationID string) (string, error) {
	others, err := p.store.OtherParticipants(conversationID, p.cipher.UserID())
	if err != nil {
		return "", fmt.Errorf("%w: resolve recipient: %v", ErrPersistence, err)
	}
	if len(others) != 1 {
		return "", fmt.Errorf("%w: conversation %q has %d other participants",
			ErrNoRecipient, conversationID, len(others))
	}
	return others[0], nil
}

// readStatus derives a message's status for the local user. Delivery is
// never persisted, so a stored message counts as delivered; read requires a
// receipt.
func (p *Pipeline) readStatus(row storage.Message, selfID string) (ReadStatus, error) {
	if row.SenderID == selfID {
		count, err := p.store.ReadReceiptCount(row.MessageID)
		if err != nil {
			return "", fmt.Errorf("%w: count receipts: %v", ErrPersistence, err)
		}
		if count > 0 {
			return ReadStatusRead, nil
		}
		return ReadStatusDelivered, nil
	}

	read, err := p.store.IsRead(row.MessageID, selfID)
	if err != nil {
		return "", fmt.Errorf("%w: check receipt: %v", ErrPersistence, err)
	}
	if read {
		return ReadStatusRead, nil
	}
	return ReadStatusDelivered, nil
}
