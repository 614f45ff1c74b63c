package storage

import "errors"

var (
	ErrKeyNotFound       = errors.New("key not found in storage")
	ErrInvalidConfig     = errors.New("invalid storage configuration")
	ErrBackendNotReady   = errors.New("storage backend not ready")
	ErrUnknownBackend    = errors.New("unknown storage backend")
	ErrInsufficientSpace = errors.New("insufficient free space")
)
