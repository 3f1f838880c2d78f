package simpleimage

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// BlobStore defines the interface for durable object storage backends.
// Backends never build public URLs; that is the publisher's job.
type BlobStore interface {
	// Upload stores the object under objectKey, overwriting any previous value
	Upload(ctx context.Context, reader io.Reader, params UploadParams) error

	// Download downloads content directly
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete deletes content
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)
}

// Repository defines the interface for image and entity link persistence.
//
// CreateLink and UpdateLink with IsPrimary set must clear any other primary
// link of the same entity in the same atomic step, so no reader ever observes
// two primaries.
type Repository interface {
	// Image operations
	CreateImage(ctx context.Context, image *Image) error
	GetImage(ctx context.Context, id uuid.UUID) (*Image, error)
	ListImages(ctx context.Context) ([]*Image, error)
	UpdateImage(ctx context.Context, image *Image) error
	// DeleteImage removes the image and every link that references it
	DeleteImage(ctx context.Context, id uuid.UUID) error

	// Entity link operations
	CreateLink(ctx context.Context, link *EntityLink) error
	GetLink(ctx context.Context, id uuid.UUID) (*EntityLink, error)
	FindLink(ctx context.Context, entity EntityRef, imageID uuid.UUID) (*EntityLink, error)
	ListLinks(ctx context.Context, entity EntityRef) ([]*EntityLink, error)
	ListLinksByImage(ctx context.Context, imageID uuid.UUID) ([]*EntityLink, error)
	GetPrimaryLink(ctx context.Context, entity EntityRef) (*EntityLink, error)
	UpdateLink(ctx context.Context, link *EntityLink) error
	DeleteLink(ctx context.Context, id uuid.UUID) error
}

// EventSink defines the interface for lifecycle notifications
type EventSink interface {
	// ImageStored is fired after an image record is created
	ImageStored(ctx context.Context, image *Image) error

	// ImageDeleted is fired after an image record is removed
	ImageDeleted(ctx context.Context, imageID uuid.UUID) error

	// LinkCreated is fired after a new entity link is created
	LinkCreated(ctx context.Context, link *EntityLink) error

	// LinkUpdated is fired after a link's primary flag or order changed
	LinkUpdated(ctx context.Context, link *EntityLink) error

	// LinkDeleted is fired after a link is removed
	LinkDeleted(ctx context.Context, linkID uuid.UUID) error
}

// Locker serialises work per key. Unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
	Metadata    map[string]string
}

// UploadParams contains parameters for uploading an object
type UploadParams struct {
	ObjectKey    string
	MimeType     string
	Size         int64
	CacheControl string
}
