package payloadstore

import "errors"

var (
	// ErrNotFound is returned when a hash is unknown to the store.
	ErrNotFound = errors.New("payloadstore: hash not found")

	// ErrIntegrity is returned when retrieved bytes no longer hash to the
	// value the caller asked for — the blob was corrupted or swapped.
	ErrIntegrity = errors.New("payloadstore: integrity check failed")

	// ErrPayloadTooLarge is returned when a Store call exceeds the store's
	// configured maximum blob size.
	ErrPayloadTooLarge = errors.New("payloadstore: payload exceeds maximum size")
)
