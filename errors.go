package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound indicates the job does not exist in the job store.
	ErrJobNotFound = errors.New("job not found")

	// ErrParentNotFound indicates a child job referenced a parent that does not exist.
	// Every non-root job must have an existing parent at creation time.
	ErrParentNotFound = errors.New("parent job not found")

	// ErrJobTerminal indicates an update tried to move a terminal job to another status.
	// Only an explicit reconversion reopens a terminal job.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrNoQueueForObjectType indicates no work queue is configured for an object type.
	ErrNoQueueForObjectType = errors.New("no queue configured for object type")

	// ErrInvalidTask indicates a task envelope could not be decoded or is incomplete.
	ErrInvalidTask = errors.New("invalid task")
)

// ConfigurationError reports a broker topology conflict or an invalid setup.
// It is fatal and stops startup.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientProcessingError reports a failure that may succeed on redelivery,
// such as a network or database blip. It is retried up to the retry bound.
type TransientProcessingError struct {
	Err error
}

func (e *TransientProcessingError) Error() string {
	return fmt.Sprintf("transient processing error: %v", e.Err)
}

func (e *TransientProcessingError) Unwrap() error { return e.Err }

// TerminalValidationError reports a failure that retrying cannot fix, such as
// converted SQL that still fails verification after self-correction.
type TerminalValidationError struct {
	Err error
}

func (e *TerminalValidationError) Error() string {
	return fmt.Sprintf("terminal validation error: %v", e.Err)
}

func (e *TerminalValidationError) Unwrap() error { return e.Err }

// StorageError reports that the job store could not complete an operation.
// Callers must not assume any part of the write succeeded.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientProcessingError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientProcessingError{Err: err}
}

// Terminal wraps err as a TerminalValidationError.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalValidationError{Err: err}
}

// IsTransient reports whether err is or wraps a TransientProcessingError.
func IsTransient(err error) bool {
	var target *TransientProcessingError
	return errors.As(err, &target)
}

// IsTerminal reports whether err is or wraps a TerminalValidationError.
func IsTerminal(err error) bool {
	var target *TerminalValidationError
	return errors.As(err, &target)
}

// IsStorage reports whether err is or wraps a StorageError.
func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}
