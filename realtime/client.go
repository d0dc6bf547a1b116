package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultSubscribeTimeout = 10 * time.Second

// Client multiplexes table/filter subscriptions over one websocket
// connection. Insert events are dispatched in arrival order from a single
// read loop; a bad event or a failed subscription never closes the sibling
// streams.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan error
	handlers map[uint64]func(json.RawMessage)
	onError  func(error)

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the subscription service at the given websocket URL.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial subscription service: %w", err)
	}

	client := &Client{
		conn:     conn,
		logger:   logger,
		pending:  make(map[uint64]chan error),
		handlers: make(map[uint64]func(json.RawMessage)),
		closed:   make(chan struct{}),
	}
	go client.readLoop()

	return client, nil
}

// OnError registers a handler for stream-level errors. Errors delivered here
// wrap ErrSubscription and do not close the connection.
func (c *Client) OnError(handler func(error)) {
	c.mu.Lock()
	c.onError = handler
	c.mu.Unlock()
}

// Subscribe opens one insert-event stream and blocks until the service acks
// it. The returned unsubscribe function is idempotent and safe to call after
// Close.
func (c *Client) Subscribe(ctx context.Context, table, filter string, handler func(record json.RawMessage)) (func(), error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	ack := make(chan error, 1)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ack
	c.handlers[id] = handler
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.handlers, id)
		c.mu.Unlock()
	}

	if err := c.writeFrame(clientFrame{Type: frameSubscribe, ID: id, Table: table, Filter: filter}); err != nil {
		cleanup()
		return nil, fmt.Errorf("subscribe to %s: %w", table, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSubscribeTimeout)
		defer cancel()
	}

	select {
	case err := <-ack:
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("subscribe to %s: %w", table, err)
		}
	case <-ctx.Done():
		cleanup()
		// A late ack would leave the server streaming to a dead id.
		if err := c.writeFrame(clientFrame{Type: frameUnsubscribe, ID: id}); err != nil {
			c.logger.Warn("unsubscribe write failed", "table", table, "error", err)
		}
		return nil, fmt.Errorf("subscribe to %s: %w", table, ctx.Err())
	case <-c.closed:
		cleanup()
		return nil, ErrClosed
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()

			select {
			case <-c.closed:
				return
			default:
			}
			if err := c.writeFrame(clientFrame{Type: frameUnsubscribe, ID: id}); err != nil {
				c.logger.Warn("unsubscribe write failed", "table", table, "error", err)
			}
		})
	}

	return unsubscribe, nil
}

// Close tears down the connection and all subscriptions.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeFrame(frame clientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.dispatchError(fmt.Errorf("%w: read: %v", ErrSubscription, err))
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.dispatchError(fmt.Errorf("%w: decode frame: %v", ErrSubscription, err))
			continue
		}

		switch frame.Type {
		case frameSubscribed:
			c.resolvePending(frame.ID, nil)
		case frameInsert:
			c.mu.Lock()
			handler := c.handlers[frame.ID]
			c.mu.Unlock()
			// Events for an unsubscribed stream are discarded without error.
			if handler != nil {
				handler(frame.Record)
			}
		case frameError:
			streamErr := fmt.Errorf("%w: %s", ErrSubscription, frame.Message)
			if !c.resolvePending(frame.ID, streamErr) {
				c.dispatchError(streamErr)
			}
		default:
			c.logger.Warn("unknown frame type", "type", frame.Type)
		}
	}
}

func (c *Client) resolvePending(id uint64, err error) bool {
	c.mu.Lock()
	ack, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ack <- err
	}
	return ok
}

func (c *Client) dispatchError(err error) {
	c.mu.Lock()
	handler := c.onError
	c.mu.Unlock()

	if handler != nil {
		handler(err)
		return
	}
	c.logger.Error("subscription stream error", "error", err)
}
