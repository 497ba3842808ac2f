package model

import (
	"errors"
)

var (
	ErrInvalidHostname       = errors.New("invalid hostname")
	ErrNotFound              = errors.New("not found")
	ErrUnexpectedTermination = errors.New("unexpected termination")
	ErrInvalidTransition     = errors.New("invalid status transition")
)
