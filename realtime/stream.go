// Package realtime provides the live-subscription client: a multiplexed
// websocket connection carrying insert-event streams for table/filter pairs.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrSubscription indicates a stream-level failure. It is delivered to
	// the registered error handler and does not tear down sibling
	// subscriptions.
	ErrSubscription = errors.New("realtime: subscription error")
	// ErrClosed indicates the client connection has been closed.
	ErrClosed = errors.New("realtime: client closed")
)

// Stream is the live-subscription contract consumed by higher layers.
// Implementations deliver insert events for one table/filter pair, in stream
// order, until the returned unsubscribe function is called.
type Stream interface {
	Subscribe(ctx context.Context, table, filter string, handler func(record json.RawMessage)) (func(), error)
}
