package capability

import (
	"errors"
	"fmt"
)

// ErrDuplicate is returned when a name is registered twice.
var ErrDuplicate = errors.New("capability already registered")

// ErrUnknown is returned when an unregistered capability is invoked.
var ErrUnknown = errors.New("unknown capability")

// Error wraps a handler failure with the capability that produced it.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capability %q failed: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
