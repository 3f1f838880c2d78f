package objectkey

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatGenerator(t *testing.T) {
	id := uuid.MustParse("12345678-1234-1234-1234-123456789abc")
	g := NewFlatGenerator("")

	t.Run("Original", func(t *testing.T) {
		assert.Equal(t, "images/12345678-1234-1234-1234-123456789abc/original.jpg", g.Key(id, Original, ".jpg"))
	})

	t.Run("Variant", func(t *testing.T) {
		assert.Equal(t, "images/12345678-1234-1234-1234-123456789abc/w320.png", g.Key(id, 320, "PNG"))
	})

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, g.Key(id, 640, ".jpg"), g.Key(id, 640, ".jpg"))
		assert.NotEqual(t, g.Key(id, 640, ".jpg"), g.Key(id, 768, ".jpg"))
	})

	t.Run("CustomPrefix", func(t *testing.T) {
		g := NewFlatGenerator("/media/uploads/")
		assert.Equal(t, "media/uploads/12345678-1234-1234-1234-123456789abc/w1024.jpg", g.Key(id, 1024, ".jpg"))
	})
}

func TestShardedGenerator(t *testing.T) {
	id := uuid.MustParse("abcdef12-3456-7890-abcd-ef1234567890")
	g := NewShardedGenerator("images")

	assert.Equal(t, "images/ab/cdef1234567890abcdef1234567890/original.webp", g.Key(id, Original, ".webp"))
	assert.Equal(t, "images/ab/cdef1234567890abcdef1234567890/w640.jpg", g.Key(id, 640, ".jpg"))

	g.ShardLength = 3
	assert.Equal(t, "images/abc/def1234567890abcdef1234567890/w640.jpg", g.Key(id, 640, ".jpg"))
}

func TestNew(t *testing.T) {
	g, err := New("sharded", "")
	require.NoError(t, err)
	assert.IsType(t, &ShardedGenerator{}, g)

	g, err = New("", "")
	require.NoError(t, err)
	assert.IsType(t, &FlatGenerator{}, g)

	_, err = New("tenant", "")
	assert.Error(t, err)

	custom := NewCustomFuncGenerator(func(id uuid.UUID, width int, ext string) string { return "fixed" })
	assert.Equal(t, "fixed", custom.Key(uuid.New(), 1, ".jpg"))
}

func TestSanitizeExt(t *testing.T) {
	assert.Equal(t, ".jpg", sanitizeExt("jpg"))
	assert.Equal(t, ".jpg", sanitizeExt(" .JPG "))
	assert.Equal(t, ".png", sanitizeExt("./png"))
	assert.Equal(t, "", sanitizeExt(""))
}
