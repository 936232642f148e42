package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a cursor or attachment cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidKey is returned when an attachment key or cursor topic is unusable.
	ErrInvalidKey = errors.New("store: invalid key")

	// ErrInvalidURI is returned when a storage URI does not belong to the backend.
	ErrInvalidURI = errors.New("store: invalid uri")

	// ErrAlreadyExists is returned when a write would replace existing content.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidKey(err error) bool {
	return errors.Is(err, ErrInvalidKey)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
