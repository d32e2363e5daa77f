package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrExpired    = errors.New("expired")
)

// DeliveryError reports a failed chunk of an outbound text reply.
// Chunks before Chunk were delivered.
type DeliveryError struct {
	Chunk int
	Total int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver chunk %d/%d: %v", e.Chunk+1, e.Total, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
