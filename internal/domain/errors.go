package domain

import "errors"

// Sentinel errors wrapped by services with fmt.Errorf("%w: ...").
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConcurrency  = errors.New("concurrency error")
	ErrInvalidState = errors.New("invalid state")
	ErrOrigination  = errors.New("origination failed")
	ErrPersistence  = errors.New("persistence failure")
)
