package store

import "errors"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrInvalidState  = errors.New("invalid token state")
	ErrTokenExists   = errors.New("token already exists")
	// ErrConflict marks a lost optimistic update; the step can be retried.
	ErrConflict = errors.New("queue entry changed concurrently")
)
