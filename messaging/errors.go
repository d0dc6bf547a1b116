package messaging

import "errors"

var (
	// ErrNoRecipient indicates a direct conversation does not resolve to
	// exactly one other participant.
	ErrNoRecipient = errors.New("messaging: no recipient for direct conversation")
	// ErrPersistence indicates a storage read or write failed. Retry policy,
	// if any, belongs to the caller.
	ErrPersistence = errors.New("messaging: persistence failure")
	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("messaging: client closed")
	// ErrNoScope indicates an operation ran before a scope was opened.
	ErrNoScope = errors.New("messaging: no open scope")
)
