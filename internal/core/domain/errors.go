package domain

import "errors"

var (
	ErrInvalidState     = errors.New("invalid state")
	ErrPermissionDenied = errors.New("only the token holder may act")
	ErrNotFound         = errors.New("not found")
	ErrTransientIO      = errors.New("transient i/o failure")
	ErrProtocol         = errors.New("protocol error")
	ErrInvalidPhase     = errors.New("invalid phase")
	ErrAlreadyExists    = errors.New("already exists")
)
