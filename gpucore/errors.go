// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import "errors"

// Error taxonomy shared by every component. Backends wrap driver errors so
// that errors.Is matches one of these.
var (
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("gpucore: wait timed out")

	// ErrDeviceLost is returned when the driver reports device loss.
	ErrDeviceLost = errors.New("gpucore: device lost")

	// ErrOutOfMemory is returned when host or device memory is exhausted.
	ErrOutOfMemory = errors.New("gpucore: out of memory")

	// ErrSemaphoreInvalid is returned when a primitive was recreated from
	// under the caller (reset or recovery).
	ErrSemaphoreInvalid = errors.New("gpucore: semaphore invalid")

	// ErrInvalidValue is returned when a caller passes a timeline value
	// that is inconsistent with the current counter state.
	ErrInvalidValue = errors.New("gpucore: invalid timeline value")

	// ErrUnknownResource is returned when an ID does not map to a live resource.
	ErrUnknownResource = errors.New("gpucore: unknown resource")
)

// ErrorClass is the coarse category of an error from the taxonomy.
type ErrorClass int

// Error classes.
const (
	// ClassNone is the class of a nil error.
	ClassNone ErrorClass = iota

	// ClassTimeout covers ErrTimeout.
	ClassTimeout

	// ClassDeviceLost covers ErrDeviceLost.
	ClassDeviceLost

	// ClassOutOfMemory covers ErrOutOfMemory.
	ClassOutOfMemory

	// ClassSemaphoreInvalid covers ErrSemaphoreInvalid.
	ClassSemaphoreInvalid

	// ClassInvalidValue covers ErrInvalidValue.
	ClassInvalidValue

	// ClassOther covers everything else.
	ClassOther
)

// String returns the class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "None"
	case ClassTimeout:
		return "Timeout"
	case ClassDeviceLost:
		return "DeviceLost"
	case ClassOutOfMemory:
		return "OutOfMemory"
	case ClassSemaphoreInvalid:
		return "SemaphoreInvalid"
	case ClassInvalidValue:
		return "InvalidValue"
	default:
		return "Other"
	}
}

// Classify maps err to its class. Device loss wins over every other class
// when an error chain carries several.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrDeviceLost):
		return ClassDeviceLost
	case errors.Is(err, ErrOutOfMemory):
		return ClassOutOfMemory
	case errors.Is(err, ErrSemaphoreInvalid):
		return ClassSemaphoreInvalid
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrInvalidValue):
		return ClassInvalidValue
	default:
		return ClassOther
	}
}

// IsDeviceLost reports whether err carries ErrDeviceLost.
func IsDeviceLost(err error) bool {
	return errors.Is(err, ErrDeviceLost)
}

// IsRecoverable reports whether the caller can handle err locally by
// skipping the current frame and retrying on the next tick.
func IsRecoverable(err error) bool {
	switch Classify(err) {
	case ClassTimeout, ClassInvalidValue:
		return true
	default:
		return false
	}
}
