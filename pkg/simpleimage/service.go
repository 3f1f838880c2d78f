package simpleimage

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the metadata and entity-linking surface of the library.
// It is the only component that writes Image and EntityLink records.
type Service interface {
	// Image operations
	StoreImage(ctx context.Context, image *Image) (*Image, error)
	GetImage(ctx context.Context, id uuid.UUID) (*Image, error)
	ListImages(ctx context.Context) ([]*Image, error)
	UpdateImageDetails(ctx context.Context, req UpdateImageDetailsRequest) (*Image, error)
	DeleteImage(ctx context.Context, id uuid.UUID) (*Image, error)

	// Entity link operations
	LinkImage(ctx context.Context, req LinkImageRequest) (*EntityLink, error)
	UpdateLink(ctx context.Context, req UpdateLinkRequest) (*EntityLink, error)
	Unlink(ctx context.Context, linkID uuid.UUID) error
	GetLink(ctx context.Context, linkID uuid.UUID) (*EntityLink, error)

	// Entity projections
	ImagesFor(ctx context.Context, entity EntityRef) ([]*LinkedImage, error)
	PrimaryImageFor(ctx context.Context, entity EntityRef) (*LinkedImage, error)
}
