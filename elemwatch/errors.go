package elemwatch

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched (errors.Is) by every *NotFoundError.
var ErrNotFound = errors.New("elemwatch: element not found")

// ErrStopped is returned by Register once the registry has been stopped.
var ErrStopped = errors.New("elemwatch: registry stopped")

// NotFoundError is returned when a polling await exhausts its iterations.
type NotFoundError struct {
	Selector string
	Attempts int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("elemwatch: %q not found after %d attempts", e.Selector, e.Attempts)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CriteriaError rejects a registration at construction time.
type CriteriaError struct {
	Field  string
	Reason string
}

func (e *CriteriaError) Error() string {
	return fmt.Sprintf("elemwatch: invalid criteria: %s %s", e.Field, e.Reason)
}
