package simpleimage

import "github.com/google/uuid"

// LinkImageRequest contains parameters for attaching an image to an entity
type LinkImageRequest struct {
	ImageID uuid.UUID
	Entity  EntityRef
	Primary bool
	Order   *int
}

// UpdateLinkRequest contains parameters for changing an existing link.
// Nil fields are left unchanged.
type UpdateLinkRequest struct {
	LinkID  uuid.UUID
	Primary *bool
	Order   *int
}

// UpdateImageDetailsRequest contains the editable descriptive fields of an image.
// Nil fields are left unchanged; an empty Attribution clears it.
type UpdateImageDetailsRequest struct {
	ImageID     uuid.UUID
	AltText     *string
	Attribution *Attribution
}
