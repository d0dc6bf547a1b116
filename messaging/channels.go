package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"crewchat/realtime"
	"crewchat/storage"
)

// Subscription service tables the channel manager listens on.
const (
	TableMessages     = "messages"
	TableReadReceipts = "read_receipts"
)

// Cipher is the encryption surface the messaging core needs. *e2ee.Gateway
// satisfies it.
type Cipher interface {
	UserID() string
	EncryptDirect(ctx context.Context, plaintext []byte, recipientID string) ([]byte, error)
	DecryptDirect(ctx context.Context, ciphertext []byte, senderID string) ([]byte, error)
	EncryptGroup(ctx context.Context, groupID string, plaintext []byte) ([]byte, error)
	DecryptGroup(ctx context.Context, groupID string, ciphertext []byte) ([]byte, error)
}

// ChannelManager owns one realtime channel per scope and hands out
// reference-counted subscriptions to it. All listeners for a scope share the
// same underlying stream subscriptions; the channel is opened on the first
// subscriber and torn down when the last disposer runs.
type ChannelManager struct {
	store  *storage.Store
	cipher Cipher
	stream realtime.Stream
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	scope Scope
	refs  int

	openOnce      sync.Once
	openErr       error
	unsubMessages func()
	unsubReceipts func()

	listenerMu   sync.Mutex
	nextListener int
	listeners    map[int]Listener
}

// NewChannelManager wires a channel manager over the local store, the
// encryption gateway, and a realtime stream.
func NewChannelManager(store *storage.Store, cipher Cipher, stream realtime.Stream, logger *slog.Logger) *ChannelManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelManager{
		store:    store,
		cipher:   cipher,
		stream:   stream,
		logger:   logger,
		channels: make(map[string]*channel),
	}
}

// Subscribe attaches a listener to the scope's channel, opening it if this is
// the first subscriber. The returned dispose function is idempotent; the
// channel closes when every subscriber has disposed.
func (m *ChannelManager) Subscribe(ctx context.Context, scope Scope, listener Listener) (func(), error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	key := scope.Key()

	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok {
		ch = &channel{scope: scope, listeners: make(map[int]Listener)}
		m.channels[key] = ch
	}
	ch.refs++
	m.mu.Unlock()

	ch.listenerMu.Lock()
	ch.nextListener++
	listenerID := ch.nextListener
	ch.listeners[listenerID] = listener
	ch.listenerMu.Unlock()

	ch.openOnce.Do(func() {
		ch.openErr = m.open(ctx, ch)
	})

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			ch.listenerMu.Lock()
			delete(ch.listeners, listenerID)
			ch.listenerMu.Unlock()
			m.release(key, ch)
		})
	}

	if ch.openErr != nil {
		dispose()
		return nil, fmt.Errorf("open channel %s: %w", key, ch.openErr)
	}

	return dispose, nil
}

// SubscribeAllConversations opens a channel for every direct conversation the
// local user currently participates in. The set is a snapshot; conversations
// created afterwards need their own Subscribe call.
func (m *ChannelManager) SubscribeAllConversations(ctx context.Context, listener Listener) (func(), error) {
	conversationIDs, err := m.store.ConversationsForUser(m.cipher.UserID())
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrPersistence, err)
	}

	scopes := make([]Scope, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		scopes = append(scopes, ConversationScope(id))
	}
	return m.subscribeAll(ctx, scopes, listener)
}

// SubscribeAllGroupChats opens a channel for every group chat the local user
// is currently a member of. The set is a snapshot.
func (m *ChannelManager) SubscribeAllGroupChats(ctx context.Context, listener Listener) (func(), error) {
	groupIDs, err := m.store.GroupsForUser(m.cipher.UserID())
	if err != nil {
		return nil, fmt.Errorf("%w: list group chats: %v", ErrPersistence, err)
	}

	scopes := make([]Scope, 0, len(groupIDs))
	for _, id := range groupIDs {
		scopes = append(scopes, GroupScope(id))
	}
	return m.subscribeAll(ctx, scopes, listener)
}

func (m *ChannelManager) subscribeAll(ctx context.Context, scopes []Scope, listener Listener) (func(), error) {
	disposers := make([]func(), 0, len(scopes))
	disposeAll := func() {
		for _, dispose := range disposers {
			dispose()
		}
	}

	for _, scope := range scopes {
		dispose, err := m.Subscribe(ctx, scope, listener)
		if err != nil {
			disposeAll()
			return nil, err
		}
		disposers = append(disposers, dispose)
	}

	var once sync.Once
	return func() { once.Do(disposeAll) }, nil
}

// open establishes the scope's stream subscriptions: inbound messages plus
// read receipts against messages the local user sent.
func (m *ChannelManager) open(ctx context.Context, ch *channel) error {
	unsubMessages, err := m.stream.Subscribe(ctx, TableMessages, scopeFilter(ch.scope), func(record json.RawMessage) {
		m.handleMessageInsert(ch, record)
	})
	if err != nil {
		return err
	}

	unsubReceipts, err := m.stream.Subscribe(ctx, TableReadReceipts, scopeFilter(ch.scope), func(record json.RawMessage) {
		m.handleReceiptInsert(ch, record)
	})
	if err != nil {
		unsubMessages()
		return err
	}

	ch.unsubMessages = unsubMessages
	ch.unsubReceipts = unsubReceipts
	return nil
}

func (m *ChannelManager) release(key string, ch *channel) {
	m.mu.Lock()
	ch.refs--
	last := ch.refs == 0
	if last {
		delete(m.channels, key)
	}
	m.mu.Unlock()

	if !last {
		return
	}
	if ch.unsubMessages != nil {
		ch.unsubMessages()
	}
	if ch.unsubReceipts != nil {
		ch.unsubReceipts()
	}
}

// messageRecord is the wire shape of a messages-table insert event.
type messageRecord struct {
	MessageID      string  `json:"message_id"`
	SenderID       string  `json:"sender_id"`
	ConversationID *string `json:"conversation_id"`
	GroupID        *string `json:"group_id"`
	Ciphertext     []byte  `json:"ciphertext"`
	MessageType    string  `json:"message_type"`
	CreatedAt      int64   `json:"created_at"`
}

// receiptRecord is the wire shape of a read_receipts-table insert event.
type receiptRecord struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	ReadAt    int64  `json:"read_at"`
}

func (m *ChannelManager) handleMessageInsert(ch *channel, payload json.RawMessage) {
	var record messageRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		m.logger.Warn("discarding malformed message event", "scope", ch.scope, "error", err)
		return
	}

	// The sender already holds the plaintext; its own insert event is noise.
	if record.SenderID == m.cipher.UserID() {
		return
	}

	message := DecryptedMessage{
		MessageID:   record.MessageID,
		SenderID:    record.SenderID,
		Scope:       ch.scope,
		MessageType: record.MessageType,
		CreatedAt:   record.CreatedAt,
		ReadStatus:  ReadStatusDelivered,
	}

	plaintext, err := m.decrypt(context.Background(), ch.scope, record.Ciphertext, record.SenderID)
	if err != nil {
		m.logger.Warn("inbound message failed to decrypt",
			"scope", ch.scope, "message_id", record.MessageID, "error", err)
		// Delivered requires a successful decrypt; the sentinel event
		// stays undelivered and message_delivered is withheld.
		message.Content = UndecryptableContent
		message.ReadStatus = ReadStatusUndelivered
		ch.emit(Event{Kind: EventNewMessage, Message: message})
		return
	}

	message.Content = string(plaintext)
	ch.emit(Event{Kind: EventNewMessage, Message: message})
	ch.emit(Event{Kind: EventMessageDelivered, Message: message})
}

func (m *ChannelManager) handleReceiptInsert(ch *channel, payload json.RawMessage) {
	var record receiptRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		m.logger.Warn("discarding malformed receipt event", "scope", ch.scope, "error", err)
		return
	}

	stored, err := m.store.MessageByID(record.MessageID)
	if err != nil {
		m.logger.Warn("receipt references unknown message",
			"scope", ch.scope, "message_id", record.MessageID, "error", err)
		return
	}

	// Read events only matter for messages the local user sent.
	if stored.SenderID != m.cipher.UserID() {
		return
	}

	message := DecryptedMessage{
		MessageID:   stored.MessageID,
		SenderID:    stored.SenderID,
		Scope:       ch.scope,
		MessageType: stored.MessageType,
		CreatedAt:   stored.CreatedAt,
		ReadStatus:  ReadStatusRead,
	}

	// Own ciphertext decrypts with the pair key shared with the reader.
	plaintext, err := m.decrypt(context.Background(), ch.scope, stored.Ciphertext, record.UserID)
	if err != nil {
		m.logger.Warn("read message failed to decrypt",
			"scope", ch.scope, "message_id", stored.MessageID, "error", err)
		message.Content = UndecryptableContent
	} else {
		message.Content = string(plaintext)
	}

	ch.emit(Event{Kind: EventMessageRead, Message: message})
}

// decrypt picks the scope-appropriate decryption path. peerID is the other
// side of the pair key for conversation scopes and is ignored for groups.
func (m *ChannelManager) decrypt(ctx context.Context, scope Scope, ciphertext []byte, peerID string) ([]byte, error) {
	if scope.Kind() == ScopeGroup {
		return m.cipher.DecryptGroup(ctx, scope.ID(), ciphertext)
	}
	return m.cipher.DecryptDirect(ctx, ciphertext, peerID)
}

// emit delivers one event to every listener in registration order.
func (ch *channel) emit(event Event) {
	ch.listenerMu.Lock()
	ids := make([]int, 0, len(ch.listeners))
	for id := range ch.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, ch.listeners[id])
	}
	ch.listenerMu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// scopeFilter renders the subscription filter for a scope. Both tables accept
// the same scope-qualified filter; the service resolves receipt rows to their
// message's scope.
func scopeFilter(scope Scope) string {
	return "scope=eq." + scope.Key()
}
