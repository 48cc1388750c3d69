package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLockHeld           = errors.New("lock already held")
	ErrLockLost           = errors.New("lock no longer owned")
	ErrLockTimeout        = errors.New("lock wait timed out")
	ErrPositionClosed     = errors.New("position closed")
	ErrRetryExhausted     = errors.New("retry attempts exhausted")
	ErrInvalidCredentials = errors.New("invalid exchange credentials")
	ErrOrderNotFound      = errors.New("order not found on exchange")
	ErrStoreUnavailable   = errors.New("store unavailable")
)
