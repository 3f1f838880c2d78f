// Package variants derives the fixed width schedule of resized renditions
// from a decoded raster image. It does CPU work only and never touches disk
// or the network.
package variants

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"sort"

	"github.com/nfnt/resize"
	"github.com/tendant/simple-image/pkg/simpleimage"
	_ "golang.org/x/image/webp"
)

// DefaultWidths is the width schedule used when none is configured.
var DefaultWidths = []int{320, 640, 768, 1024, 1280, 1536}

// DefaultQuality is the JPEG quality used for encoded variants.
const DefaultQuality = 82

// Variant is one encoded rendition.
type Variant struct {
	Width       int
	Height      int
	ContentType string
	Extension   string
	Data        []byte
}

// Output is the result of a successful Generate call.
type Output struct {
	Format   string // decoded source format: jpeg, png, gif or webp
	Width    int
	Height   int
	Variants []Variant
}

// Generator resizes images into a width schedule.
type Generator struct {
	widths  []int
	quality int
	logger  *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithWidths overrides the target widths. Non-positive widths are ignored.
func WithWidths(widths ...int) Option {
	return func(g *Generator) {
		filtered := make([]int, 0, len(widths))
		for _, w := range widths {
			if w > 0 {
				filtered = append(filtered, w)
			}
		}
		if len(filtered) > 0 {
			g.widths = filtered
		}
	}
}

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option {
	return func(g *Generator) {
		if q >= 1 && q <= 100 {
			g.quality = q
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{
		widths:  append([]int(nil), DefaultWidths...),
		quality: DefaultQuality,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Widths returns a copy of the configured target widths.
func (g *Generator) Widths() []int {
	return append([]int(nil), g.widths...)
}

// Schedule returns the widths to produce for an original of the given width:
// every target not wider than the original, plus the original width itself,
// ascending and without duplicates. Images are never upscaled.
func Schedule(originalWidth int, widths []int) []int {
	if originalWidth <= 0 {
		return []int{}
	}
	seen := make(map[int]struct{}, len(widths)+1)
	out := make([]int, 0, len(widths)+1)
	for _, w := range append(append([]int(nil), widths...), originalWidth) {
		if w <= 0 || w > originalWidth {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}

// Probe decodes only the header and reports format and dimensions.
func Probe(data []byte) (format string, width, height int, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, &simpleimage.DecodeError{Err: err}
	}
	return format, cfg.Width, cfg.Height, nil
}

// Generate decodes data and produces one encoded variant per scheduled width.
func (g *Generator) Generate(ctx context.Context, data []byte) (*Output, error) {
	if len(data) == 0 {
		return nil, &simpleimage.DecodeError{Err: fmt.Errorf("empty input")}
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &simpleimage.DecodeError{Format: format, Err: err}
	}
	bounds := src.Bounds()
	out := &Output{
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}
	if out.Width == 0 || out.Height == 0 {
		return nil, &simpleimage.DecodeError{Format: format, Err: fmt.Errorf("image has no pixels")}
	}

	for _, w := range Schedule(out.Width, g.widths) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := g.render(src, format, w)
		if err != nil {
			return nil, err
		}
		out.Variants = append(out.Variants, *v)
	}

	g.logger.Debug("Generated variants",
		"format", format,
		"width", out.Width,
		"height", out.Height,
		"variants", len(out.Variants))
	return out, nil
}

func (g *Generator) render(src image.Image, format string, width int) (v *Variant, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = &simpleimage.ResizeError{Width: width, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	dst := src
	if width != src.Bounds().Dx() {
		dst = resize.Resize(uint(width), uint(scaledHeight(src.Bounds(), width)), src, resize.Lanczos3)
	}

	var buf bytes.Buffer
	v = &Variant{Width: dst.Bounds().Dx(), Height: dst.Bounds().Dy()}
	if format == "png" {
		v.ContentType, v.Extension = "image/png", ".png"
		err = png.Encode(&buf, dst)
	} else {
		v.ContentType, v.Extension = "image/jpeg", ".jpg"
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: g.quality})
	}
	if err != nil {
		return nil, &simpleimage.ResizeError{Width: width, Err: err}
	}
	v.Data = buf.Bytes()
	return v, nil
}

// scaledHeight keeps the aspect ratio and never rounds a strip down to zero rows.
func scaledHeight(bounds image.Rectangle, width int) int {
	h := math.Round(float64(bounds.Dy()) * float64(width) / float64(bounds.Dx()))
	return max(1, int(h))
}
