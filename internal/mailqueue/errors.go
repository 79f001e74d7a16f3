package mailqueue

import "errors"

// Store errors.
var (
	ErrItemNotFound = errors.New("queue item not found")
	ErrItemExists   = errors.New("queue item already exists")
)

// Service errors.
var (
	ErrInvalidItem   = errors.New("invalid queue item")
	ErrInvalidStatus = errors.New("invalid status filter")
)
