package mocks

import "errors"

var (
	// ErrStorageDown simulates an unavailable backing store.
	ErrStorageDown = errors.New("storage down")

	// ErrQueueDown simulates a queue that refuses messages.
	ErrQueueDown = errors.New("queue down")
)
