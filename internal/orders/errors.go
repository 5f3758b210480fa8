package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("orders: invalid request")
	ErrNotFound    = errors.New("orders: order not found")
	ErrOrderClosed = errors.New("orders: order already closed")
	// errNotPlacedYet is transient: the place-order command has not been
	// handled yet, so a retry will find the order placed.
	errNotPlacedYet = errors.New("orders: order not placed yet")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
