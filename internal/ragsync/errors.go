package ragsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotImplemented = errors.New("not implemented")
	ErrNoResolver     = errors.New("no credential resolver configured")
	ErrDenied         = errors.New("permission denied")
)

// InstanceError attributes a failure to one configured source or sink
// instance. The engine treats these as non-fatal: the instance is excluded
// from the remainder of the run and everything else proceeds.
type InstanceError struct {
	InstanceID string
	Stage      string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.InstanceID, e.Stage, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}
