package simpleimage

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrImageNotFound indicates an image was not found
	ErrImageNotFound = errors.New("image not found")

	// ErrLinkNotFound indicates an entity link was not found
	ErrLinkNotFound = errors.New("entity link not found")

	// ErrDuplicateLink indicates a link for the same (entity, image) pair already exists
	ErrDuplicateLink = errors.New("entity link already exists")

	// ErrLinkConflict indicates a concurrent writer claimed the primary slot of an
	// entity first. Repositories may return it; the service retries and never
	// surfaces it.
	ErrLinkConflict = errors.New("primary link conflict")

	// ErrUnknownEntityKind indicates an entity kind that has not been registered
	ErrUnknownEntityKind = errors.New("unknown entity kind")

	// ErrInvalidImage indicates an image record violates its invariants
	ErrInvalidImage = errors.New("invalid image")

	// ErrObjectNotFound indicates a blob store has no object under the key
	ErrObjectNotFound = errors.New("object not found")
)

// ValidationError reports input that was rejected before any processing took place.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// DecodeError reports bytes that are not a supported raster image.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ResizeError reports a failure while producing the variant of the given width.
type ResizeError struct {
	Width int
	Err   error
}

func (e *ResizeError) Error() string {
	return fmt.Sprintf("resize to %dpx failed: %v", e.Width, e.Err)
}

func (e *ResizeError) Unwrap() error {
	return e.Err
}

// PublishError reports an upload failure for a single artifact.
type PublishError struct {
	Key string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s failed: %v", e.Key, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a mutation or lookup referencing a missing record.
// Err is ErrImageNotFound or ErrLinkNotFound.
type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Resource, e.ID, e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// LinkError represents an error related to entity link operations
type LinkError struct {
	Entity EntityRef
	Op     string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link operation %s failed for %s: %v", e.Op, e.Entity, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to blob storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsItemError reports whether err is scoped to a single upload and must not
// abort the rest of a batch.
func IsItemError(err error) bool {
	var (
		validation *ValidationError
		decode     *DecodeError
		resize     *ResizeError
		publish    *PublishError
	)
	return errors.As(err, &validation) ||
		errors.As(err, &decode) ||
		errors.As(err, &resize) ||
		errors.As(err, &publish)
}
