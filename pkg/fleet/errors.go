package fleet

import (
	"errors"
	"fmt"

	"github.com/wI2L/jsondiff"

	"github.com/yowenter/fleetd/pkg/types"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrInvalidField         = errors.New("invalid field")
	ErrConflict             = errors.New("record has been modified by another writer")
	ErrUnavailable          = errors.New("record store unavailable")
	ErrPreconditionRequired = errors.New("update requires the version last read")
	ErrAlreadyExists        = errors.New("record already exists")
)

// ConflictError is returned when an update's base version is stale. Current
// is the stored record; Pending is what the rejected changes would do to it.
type ConflictError struct {
	Current *types.Record
	Pending jsondiff.Patch
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s %s is at version %d", ErrConflict, e.Current.Kind, e.Current.ID, e.Current.Revision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
