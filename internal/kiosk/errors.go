package kiosk

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by AwaitBadge when ctx ended or the operator
	// asked to quit before a badge arrived.
	ErrCancelled = errors.New("badge wait cancelled")
	// ErrWaitTimeout is returned by AwaitBadge when its timeout elapsed.
	ErrWaitTimeout = errors.New("badge wait timed out")
	// ErrShutdown is returned by Run after an operator quit.
	ErrShutdown = errors.New("kiosk shut down")
)

// TransientDeviceError is a camera, detector, servo or media hiccup. The
// session carries on without the device.
type TransientDeviceError struct {
	Device string
	Err    error
}

func (e *TransientDeviceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Device, e.Err)
}

func (e *TransientDeviceError) Unwrap() error { return e.Err }

// MalformedInputError is a badge whose payload could not be decoded. Nothing
// is persisted for it.
type MalformedInputError struct {
	Raw string
	Err error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed badge %q: %v", e.Raw, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// PersistenceError is a failed store read or write. It is logged and the
// session continues.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("attendance store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FatalLoopError is a fault that escaped a whole session, including panics.
// Run restarts the loop after it.
type FatalLoopError struct {
	Session int
	Err     error
}

func (e *FatalLoopError) Error() string {
	return fmt.Sprintf("session %d failed: %v", e.Session, e.Err)
}

func (e *FatalLoopError) Unwrap() error { return e.Err }
