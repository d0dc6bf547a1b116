package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"crewchat/realtime"
	"crewchat/storage"
)

// ClientOptions carries the dependencies a Client is assembled from.
type ClientOptions struct {
	Store  *storage.Store
	Cipher Cipher
	Stream realtime.Stream
	Logger *slog.Logger
}

// Client is the consumer-facing adapter for one open scope at a time. It
// keeps a live, decrypted view of the scope's messages, re-emits channel
// events to registered handlers, and exposes send and read-marking
// operations against the open scope.
type Client struct {
	pipeline *Pipeline
	channels *ChannelManager
	logger   *slog.Logger

	mu       sync.RWMutex
	scope    Scope
	hasScope bool
	messages []DecryptedMessage
	loading  bool
	lastErr  error
	dispose  func()
	closed   bool

	handlerMu   sync.Mutex
	nextHandler int
	handlers    map[EventKind]map[int]func(Event)
}

// NewClient assembles a messaging client from its dependencies.
func NewClient(options ClientOptions) (*Client, error) {
	if options.Store == nil {
		return nil, errors.New("messaging: store is required")
	}
	if options.Cipher == nil {
		return nil, errors.New("messaging: cipher is required")
	}
	if options.Stream == nil {
		return nil, errors.New("messaging: stream is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		pipeline: NewPipeline(options.Store, options.Cipher, logger),
		channels: NewChannelManager(options.Store, options.Cipher, options.Stream, logger),
		logger:   logger,
		handlers: make(map[EventKind]map[int]func(Event)),
	}, nil
}

// Open switches the client to the given scope: subscribes its channel, loads
// decrypted history, and marks the backlog as seen. Any previously open
// scope is disposed first.
func (c *Client) Open(ctx context.Context, scope Scope) error {
	if err := scope.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	previous := c.dispose
	c.dispose = nil
	c.scope = scope
	c.hasScope = true
	c.loading = true
	c.lastErr = nil
	c.messages = nil
	c.mu.Unlock()

	if previous != nil {
		previous()
	}

	dispose, err := c.channels.Subscribe(ctx, scope, c.handleEvent)
	if err != nil {
		c.finishOpen(nil, nil, err)
		return err
	}

	history, err := c.pipeline.LoadHistory(ctx, scope)
	if err != nil {
		dispose()
		c.finishOpen(nil, nil, err)
		return err
	}

	if err := c.pipeline.MarkSeen(ctx, scope); err != nil {
		c.logger.Warn("marking backlog seen failed", "scope", scope, "error", err)
	}

	c.finishOpen(history, dispose, nil)
	return nil
}

// finishOpen installs the loaded history, keeping any messages the live
// channel delivered while the load was in flight. Events for rows the query
// already saw are deduplicated by message ID.
func (c *Client) finishOpen(history []DecryptedMessage, dispose func(), err error) {
	c.mu.Lock()
	if err != nil {
		c.messages = nil
	} else {
		merged := history
		seen := make(map[string]bool, len(history))
		for _, message := range history {
			seen[message.MessageID] = true
		}
		for _, message := range c.messages {
			if !seen[message.MessageID] {
				merged = append(merged, message)
			}
		}
		c.messages = merged
	}
	c.dispose = dispose
	c.loading = false
	c.lastErr = err
	c.mu.Unlock()
}

// Scope returns the currently open scope, if any.
func (c *Client) Scope() (Scope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope, c.hasScope
}

// Messages returns a copy of the current decrypted message view.
func (c *Client) Messages() []DecryptedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DecryptedMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Loading reports whether an Open is still populating the message view.
func (c *Client) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Err returns the error recorded by the most recent Open, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// SendMessage encrypts and persists content in the open scope, appends it to
// the local view, and returns the assigned message ID.
func (c *Client) SendMessage(ctx context.Context, content, messageType string) (string, error) {
	c.mu.RLock()
	scope, hasScope, closed := c.scope, c.hasScope, c.closed
	c.mu.RUnlock()

	if closed {
		return "", ErrClosed
	}
	if !hasScope {
		return "", ErrNoScope
	}

	message, err := c.pipeline.Send(ctx, scope, content, messageType)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	// Open may have switched scopes while Send was in flight.
	if c.hasScope && c.scope == scope {
		c.messages = append(c.messages, message)
	}
	c.mu.Unlock()

	return message.MessageID, nil
}

// MarkAsRead records a read receipt for one message.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	if err := c.pipeline.Receipts().MarkRead(ctx, messageID); err != nil {
		return err
	}

	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].MessageID == messageID && c.messages[i].ReadStatus != ReadStatusRead {
			c.messages[i].ReadStatus = ReadStatusRead
		}
	}
	c.mu.Unlock()
	return nil
}

// On registers a handler for one event kind. The returned function removes
// the handler and is idempotent.
func (c *Client) On(kind EventKind, handler func(Event)) func() {
	c.handlerMu.Lock()
	c.nextHandler++
	id := c.nextHandler
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[int]func(Event))
	}
	c.handlers[kind][id] = handler
	c.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlerMu.Lock()
			delete(c.handlers[kind], id)
			c.handlerMu.Unlock()
		})
	}
}

// Close disposes the open channel and detaches all handlers. The client is
// unusable afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	dispose := c.dispose
	c.dispose = nil
	c.hasScope = false
	c.mu.Unlock()

	if dispose != nil {
		dispose()
	}

	c.handlerMu.Lock()
	c.handlers = make(map[EventKind]map[int]func(Event))
	c.handlerMu.Unlock()
}

// handleEvent folds a channel event into the local view, then fans it out to
// registered handlers in registration order.
func (c *Client) handleEvent(event Event) {
	c.mu.Lock()
	switch event.Kind {
	case EventNewMessage:
		if !c.containsMessageLocked(event.Message.MessageID) {
			c.messages = append(c.messages, event.Message)
		}
	case EventMessageRead:
		for i := range c.messages {
			if c.messages[i].MessageID == event.Message.MessageID {
				c.messages[i].ReadStatus = ReadStatusRead
			}
		}
	}
	c.mu.Unlock()

	for _, handler := range c.handlersFor(event.Kind) {
		handler(event)
	}
}

func (c *Client) containsMessageLocked(messageID string) bool {
	for i := range c.messages {
		if c.messages[i].MessageID == messageID {
			return true
		}
	}
	return false
}

func (c *Client) handlersFor(kind EventKind) []func(Event) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	registered := c.handlers[kind]
	ids := make([]int, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, registered[id])
	}
	return out
}
