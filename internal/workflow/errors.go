package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers unknown definitions, versions and instances, and
	// version-less lookups when no published default exists.
	ErrNotFound = errors.New("workflow not found")
	// ErrValidation means the request was malformed: input or definition.
	ErrValidation = errors.New("workflow validation failed")
	// ErrBookmarkNotFound means a resume or signal named a bookmark the
	// instance does not hold.
	ErrBookmarkNotFound = errors.New("workflow bookmark not found")
	// ErrInvalidState means the operation is not legal for the instance status.
	ErrInvalidState = errors.New("workflow invalid state")
	// ErrConflict is returned by stores when a revision check fails.
	ErrConflict = errors.New("workflow concurrency conflict")
)

type NotFoundError struct {
	Resource string
	ID       string
	Version  int
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s %s version %d not found", e.Resource, e.ID, e.Version)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type BookmarkNotFoundError struct {
	InstanceID string
	Name       string
}

func (e *BookmarkNotFoundError) Error() string {
	return fmt.Sprintf("instance %s has no bookmark %q", e.InstanceID, e.Name)
}

func (e *BookmarkNotFoundError) Unwrap() error { return ErrBookmarkNotFound }

type InvalidStateError struct {
	InstanceID string
	Status     Status
	Operation  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s instance %s in status %s", e.Operation, e.InstanceID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ActivityError lets task handlers choose the fault code recorded on the
// instance. Any other error faults with code "activity_failed".
type ActivityError struct {
	Code    string
	Message string
}

func (e *ActivityError) Error() string {
	return e.Code + ": " + e.Message
}
