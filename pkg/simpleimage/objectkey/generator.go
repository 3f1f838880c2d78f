package objectkey

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Original is the width argument that selects the original upload's key.
const Original = 0

// Generator defines the interface for object key generation strategies.
// Keys must be deterministic: the same arguments always yield the same key.
type Generator interface {
	// Key returns the object key for the original (width == Original) or the
	// variant of the given width of an image.
	Key(imageID uuid.UUID, width int, ext string) string
}

// FlatGenerator groups every artifact of an image under one prefix
// Original: images/{id}/original.jpg
// Variant:  images/{id}/w320.jpg
type FlatGenerator struct {
	Prefix string
}

func NewFlatGenerator(prefix string) *FlatGenerator {
	return &FlatGenerator{Prefix: cleanPrefix(prefix, "images")}
}

func (g *FlatGenerator) Key(imageID uuid.UUID, width int, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", g.Prefix, imageID, leaf(width), sanitizeExt(ext))
}

// ShardedGenerator spreads images over Git-style shard directories
// Original: images/ab/cd1234ef.../original.jpg
// Variant:  images/ab/cd1234ef.../w320.jpg
type ShardedGenerator struct {
	Prefix string
	// ShardLength controls how many hex characters form the shard (default: 2)
	ShardLength int
}

func NewShardedGenerator(prefix string) *ShardedGenerator {
	return &ShardedGenerator{Prefix: cleanPrefix(prefix, "images"), ShardLength: 2}
}

func (g *ShardedGenerator) Key(imageID uuid.UUID, width int, ext string) string {
	hex := strings.ReplaceAll(imageID.String(), "-", "")
	n := g.ShardLength
	if n <= 0 || n >= len(hex) {
		n = 2
	}
	return fmt.Sprintf("%s/%s/%s/%s%s", g.Prefix, hex[:n], hex[n:], leaf(width), sanitizeExt(ext))
}

// CustomFuncGenerator allows users to provide their own key function
type CustomFuncGenerator struct {
	KeyFunc func(imageID uuid.UUID, width int, ext string) string
}

func NewCustomFuncGenerator(fn func(imageID uuid.UUID, width int, ext string) string) *CustomFuncGenerator {
	return &CustomFuncGenerator{KeyFunc: fn}
}

func (g *CustomFuncGenerator) Key(imageID uuid.UUID, width int, ext string) string {
	return g.KeyFunc(imageID, width, ext)
}

// New returns the generator registered under name ("flat" or "sharded").
func New(name, prefix string) (Generator, error) {
	switch name {
	case "", "flat":
		return NewFlatGenerator(prefix), nil
	case "sharded", "git-like":
		return NewShardedGenerator(prefix), nil
	default:
		return nil, fmt.Errorf("unknown object key generator: %s", name)
	}
}

func leaf(width int) string {
	if width <= Original {
		return "original"
	}
	return fmt.Sprintf("w%d", width)
}

func sanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	replacer := strings.NewReplacer("/", "", "\\", "", " ", "", "?", "", "#", "")
	return replacer.Replace(ext)
}

func cleanPrefix(prefix, fallback string) string {
	prefix = strings.Trim(prefix, "/ ")
	if prefix == "" {
		return fallback
	}
	return prefix
}
