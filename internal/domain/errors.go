package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound  = errors.New("domain: not found")
	ErrDuplicate = errors.New("domain: duplicate event_id")
)
