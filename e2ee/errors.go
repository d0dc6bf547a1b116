package e2ee

import "errors"

var (
	// ErrAuthToken indicates the identity session could not be established.
	// Fatal for the user's messaging session; the caller must re-initialize.
	ErrAuthToken = errors.New("e2ee: identity token unavailable")
	// ErrNotInitialized indicates an operation ran before Initialize.
	ErrNotInitialized = errors.New("e2ee: session not initialized")
	// ErrEncryption indicates key resolution or encryption failed on send.
	ErrEncryption = errors.New("e2ee: encryption failed")
	// ErrDecryption indicates a payload could not be decrypted. Recoverable:
	// callers substitute a sentinel and continue.
	ErrDecryption = errors.New("e2ee: decryption failed")
	// ErrKeyNotFound indicates the provider has no key material for a user or
	// group member.
	ErrKeyNotFound = errors.New("e2ee: key not found")
)
