package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common domain errors
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrVersionConflict   = errors.New("version conflict")
	ErrCommandRejected   = errors.New("command rejected")
	ErrAggregateNotFound = errors.New("aggregate not found")
	ErrAggregateDeleted  = errors.New("aggregate deleted")
)

// VersionConflictError reports that a stream moved past the version a writer
// expected. HasActual is false when the stream is empty.
type VersionConflictError struct {
	Stream    StreamKey
	Expected  Version
	Actual    Version
	HasActual bool
}

func (e *VersionConflictError) Error() string {
	if !e.HasActual {
		return fmt.Sprintf("version conflict on stream %s: expected version %d, stream is empty", e.Stream, e.Expected)
	}
	return fmt.Sprintf("version conflict on stream %s: expected version %d, actual %d", e.Stream, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// NewVersionConflict builds a conflict error. actual is nil for an empty stream.
func NewVersionConflict(stream StreamKey, expected Version, actual *Version) *VersionConflictError {
	err := &VersionConflictError{Stream: stream, Expected: expected}
	if actual != nil {
		err.Actual = *actual
		err.HasActual = true
	}
	return err
}

// CommandRejectedError reports a command refused by the aggregate or by the
// runtime (missing or deleted aggregate).
type CommandRejectedError struct {
	Stream  StreamKey
	Command string
	Err     error
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("command %s rejected on stream %s: %v", e.Command, e.Stream, e.Err)
}

func (e *CommandRejectedError) Unwrap() error {
	return e.Err
}

func (e *CommandRejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}

// IsVersionConflict reports whether err is a version conflict
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsRejected reports whether err is a command rejection
func IsRejected(err error) bool {
	return errors.Is(err, ErrCommandRejected)
}
