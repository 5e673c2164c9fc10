package call

import (
	"errors"
	"fmt"

	"github.com/consultly/call-service/internal/domain"
)

// ErrCallNotFound is returned when the referenced call does not exist.
var ErrCallNotFound = errors.New("call not found")

// ErrRoomNotFound is returned when the referenced chat room does not exist.
var ErrRoomNotFound = errors.New("room not found")

// ValidationError marks malformed input or an illegal transition attempt.
// No state is changed and no event is written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PermissionError marks an action attempted by a user who is not the required
// party for it.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string { return e.Reason }

// ConflictError is returned when an action is re-invoked on a call that has
// already reached a terminal status. The transition is a no-op.
type ConflictError struct {
	Status domain.CallStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("call already %s", e.Status)
}

// BusyError is an admission-control denial with a machine-readable code.
type BusyError struct {
	Code string
}

func (e *BusyError) Error() string { return e.Code }
