package state

import "errors"

var (
	ErrMissingDurable   = errors.New("state: durable store is required")
	ErrNotConnected     = errors.New("state: store is not connected")
	ErrAlreadyConnected = errors.New("state: store is already connected")
	ErrClosed           = errors.New("state: store is closed")
	ErrEmptyKey         = errors.New("state: key must not be empty")
)
