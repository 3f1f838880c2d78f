package simpleimage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSizesHint is the viewport-based selection hint rendered next to a srcset.
const DefaultSizesHint = "(max-width: 640px) 100vw, (max-width: 1024px) 80vw, 1024px"

// Image is a processed upload: the original plus its published width variants.
type Image struct {
	ID            uuid.UUID    `json:"id"`
	FileName      string       `json:"file_name"`
	OriginalSize  int64        `json:"original_size"`
	ContentType   string       `json:"content_type"`
	Extension     string       `json:"extension"`
	Width         int          `json:"width"`
	Height        int          `json:"height"`
	UploadedAt    time.Time    `json:"uploaded_at"`
	ProcessedSize int64        `json:"processed_size"`
	OriginalKey   string       `json:"original_key"`
	OriginalURL   string       `json:"original_url"`
	Variants      []Variant    `json:"variants"`
	AltText       string       `json:"alt_text,omitempty"`
	Attribution   *Attribution `json:"attribution,omitempty"`
	Entity        *EntityRef   `json:"entity,omitempty"`
}

// Variant is one published width derivative of an image.
type Variant struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Key         string `json:"key"`
	URL         string `json:"url"`
}

// Attribution credits the author and source of an image.
type Attribution struct {
	AuthorName string `json:"author_name,omitempty"`
	AuthorURL  string `json:"author_url,omitempty"`
	SourceName string `json:"source_name,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`
}

// IsZero reports whether no attribution field is set.
func (a *Attribution) IsZero() bool {
	return a == nil || *a == Attribution{}
}

// EntityLink attaches an image to an owning entity.
type EntityLink struct {
	ID        uuid.UUID `json:"id"`
	ImageID   uuid.UUID `json:"image_id"`
	Entity    EntityRef `json:"entity"`
	IsPrimary bool      `json:"is_primary"`
	Order     *int      `json:"order,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LinkedImage is an Image projected through one of its entity links.
type LinkedImage struct {
	*Image
	LinkID    uuid.UUID `json:"link_id"`
	IsPrimary bool      `json:"is_primary"`
	Order     *int      `json:"order,omitempty"`
}

// ResponsiveImage is what a renderer needs to emit a responsive <img>.
type ResponsiveImage struct {
	Src    string `json:"src"`
	SrcSet string `json:"srcset"`
	Sizes  string `json:"sizes"`
	Alt    string `json:"alt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Validate checks the invariants every persisted image must satisfy: at least
// one variant, strictly increasing widths bounded by the original width, and a
// URL for every variant.
func (img *Image) Validate() error {
	if img.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalidImage)
	}
	if img.OriginalURL == "" {
		return fmt.Errorf("%w: original url is required", ErrInvalidImage)
	}
	if img.Width <= 0 {
		return fmt.Errorf("%w: width must be positive", ErrInvalidImage)
	}
	if len(img.Variants) == 0 {
		return fmt.Errorf("%w: at least one variant is required", ErrInvalidImage)
	}
	prev := 0
	for i, v := range img.Variants {
		if v.Width <= prev {
			return fmt.Errorf("%w: variant %d width %d is not greater than %d", ErrInvalidImage, i, v.Width, prev)
		}
		if v.Width > img.Width {
			return fmt.Errorf("%w: variant %d width %d exceeds original width %d", ErrInvalidImage, i, v.Width, img.Width)
		}
		if v.URL == "" {
			return fmt.Errorf("%w: variant %d has no url", ErrInvalidImage, i)
		}
		prev = v.Width
	}
	return nil
}

// VariantWidths returns the widths of the image's variants in order.
func (img *Image) VariantWidths() []int {
	widths := make([]int, len(img.Variants))
	for i, v := range img.Variants {
		widths[i] = v.Width
	}
	return widths
}

// Keys returns every object key published for the image, original first.
func (img *Image) Keys() []string {
	keys := make([]string, 0, len(img.Variants)+1)
	if img.OriginalKey != "" {
		keys = append(keys, img.OriginalKey)
	}
	for _, v := range img.Variants {
		if v.Key != "" {
			keys = append(keys, v.Key)
		}
	}
	return keys
}

// SrcSet renders the variants as a width-annotated candidate list.
func (img *Image) SrcSet() string {
	parts := make([]string, 0, len(img.Variants))
	for _, v := range img.Variants {
		parts = append(parts, v.URL+" "+strconv.Itoa(v.Width)+"w")
	}
	return strings.Join(parts, ", ")
}

// Responsive returns the embedding shape for the image.
func (img *Image) Responsive() ResponsiveImage {
	return ResponsiveImage{
		Src:    img.OriginalURL,
		SrcSet: img.SrcSet(),
		Sizes:  DefaultSizesHint,
		Alt:    img.AltText,
		Width:  img.Width,
		Height: img.Height,
	}
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	if img == nil {
		return nil
	}
	c := *img
	c.Variants = append([]Variant(nil), img.Variants...)
	if img.Attribution != nil {
		a := *img.Attribution
		c.Attribution = &a
	}
	if img.Entity != nil {
		e := *img.Entity
		c.Entity = &e
	}
	return &c
}

// Clone returns a deep copy of the link.
func (l *EntityLink) Clone() *EntityLink {
	if l == nil {
		return nil
	}
	c := *l
	if l.Order != nil {
		o := *l.Order
		c.Order = &o
	}
	return &c
}
