package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/repo/memory"
)

func newImage(uploadedAt time.Time) *simpleimage.Image {
	id := uuid.New()
	return &simpleimage.Image{
		ID:          id,
		FileName:    "photo.jpg",
		ContentType: "image/jpeg",
		Extension:   ".jpg",
		Width:       800,
		Height:      600,
		UploadedAt:  uploadedAt,
		OriginalURL: fmt.Sprintf("https://bucket.example.com/images/%s/original.jpg", id),
		Variants: []simpleimage.Variant{
			{Width: 320, Height: 240, URL: fmt.Sprintf("https://bucket.example.com/images/%s/w320.jpg", id)},
			{Width: 800, Height: 600, URL: fmt.Sprintf("https://bucket.example.com/images/%s/w800.jpg", id)},
		},
	}
}

func newLink(imageID uuid.UUID, entity simpleimage.EntityRef, primary bool) *simpleimage.EntityLink {
	now := time.Now()
	return &simpleimage.EntityLink{
		ID:        uuid.New(),
		ImageID:   imageID,
		Entity:    entity,
		IsPrimary: primary,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryRepository_ImageOperations(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		img := newImage(time.Now())
		require.NoError(t, repo.CreateImage(ctx, img))

		got, err := repo.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Equal(t, img.ID, got.ID)
		assert.Equal(t, []int{320, 800}, got.VariantWidths())

		// Returned copies are detached from the stored record
		got.Variants[0].URL = "mutated"
		again, err := repo.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.NotEqual(t, "mutated", again.Variants[0].URL)
	})

	t.Run("GetImage_NotFound", func(t *testing.T) {
		img, err := repo.GetImage(ctx, uuid.New())
		assert.Nil(t, img)
		assert.Equal(t, simpleimage.ErrImageNotFound, err)
	})

	t.Run("ListImages_NewestFirst", func(t *testing.T) {
		r := memory.New()
		base := time.Now()
		for i := 0; i < 3; i++ {
			require.NoError(t, r.CreateImage(ctx, newImage(base.Add(time.Duration(i)*time.Second))))
		}
		images, err := r.ListImages(ctx)
		require.NoError(t, err)
		require.Len(t, images, 3)
		for i := 1; i < len(images); i++ {
			assert.True(t, images[i-1].UploadedAt.After(images[i].UploadedAt))
		}
	})

	t.Run("UpdateImage", func(t *testing.T) {
		img := newImage(time.Now())
		require.NoError(t, repo.CreateImage(ctx, img))
		img.AltText = "A mountain lake"
		require.NoError(t, repo.UpdateImage(ctx, img))

		got, err := repo.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Equal(t, "A mountain lake", got.AltText)

		assert.Equal(t, simpleimage.ErrImageNotFound, repo.UpdateImage(ctx, newImage(time.Now())))
	})

	t.Run("DeleteImage_RemovesLinks", func(t *testing.T) {
		img := newImage(time.Now())
		require.NoError(t, repo.CreateImage(ctx, img))
		link := newLink(img.ID, simpleimage.Guide("g-del"), true)
		require.NoError(t, repo.CreateLink(ctx, link))

		require.NoError(t, repo.DeleteImage(ctx, img.ID))

		_, err := repo.GetLink(ctx, link.ID)
		assert.Equal(t, simpleimage.ErrLinkNotFound, err)
		_, err = repo.GetPrimaryLink(ctx, simpleimage.Guide("g-del"))
		assert.Equal(t, simpleimage.ErrLinkNotFound, err)
	})
}

func TestMemoryRepository_LinkOperations(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	entity := simpleimage.Guide("g1")

	imgA := newImage(time.Now())
	imgB := newImage(time.Now())
	require.NoError(t, repo.CreateImage(ctx, imgA))
	require.NoError(t, repo.CreateImage(ctx, imgB))

	linkA := newLink(imgA.ID, entity, true)
	require.NoError(t, repo.CreateLink(ctx, linkA))

	t.Run("DuplicateTriple", func(t *testing.T) {
		err := repo.CreateLink(ctx, newLink(imgA.ID, entity, false))
		assert.ErrorIs(t, err, simpleimage.ErrDuplicateLink)
	})

	t.Run("MissingImage", func(t *testing.T) {
		err := repo.CreateLink(ctx, newLink(uuid.New(), entity, false))
		assert.ErrorIs(t, err, simpleimage.ErrImageNotFound)
	})

	t.Run("NewPrimaryClearsOld", func(t *testing.T) {
		linkB := newLink(imgB.ID, entity, true)
		require.NoError(t, repo.CreateLink(ctx, linkB))

		primary, err := repo.GetPrimaryLink(ctx, entity)
		require.NoError(t, err)
		assert.Equal(t, linkB.ID, primary.ID)

		old, err := repo.GetLink(ctx, linkA.ID)
		require.NoError(t, err)
		assert.False(t, old.IsPrimary)
	})

	t.Run("UpdateLinkSetsPrimary", func(t *testing.T) {
		order := 3
		require.NoError(t, repo.UpdateLink(ctx, &simpleimage.EntityLink{ID: linkA.ID, IsPrimary: true, Order: &order}))

		links, err := repo.ListLinks(ctx, entity)
		require.NoError(t, err)
		primaries := 0
		for _, l := range links {
			if l.IsPrimary {
				primaries++
				assert.Equal(t, linkA.ID, l.ID)
				require.NotNil(t, l.Order)
				assert.Equal(t, 3, *l.Order)
			}
		}
		assert.Equal(t, 1, primaries)
	})

	t.Run("UpdateLinkClearsPrimary", func(t *testing.T) {
		require.NoError(t, repo.UpdateLink(ctx, &simpleimage.EntityLink{ID: linkA.ID, IsPrimary: false}))
		_, err := repo.GetPrimaryLink(ctx, entity)
		assert.Equal(t, simpleimage.ErrLinkNotFound, err)
	})

	t.Run("UpdateLink_NotFound", func(t *testing.T) {
		err := repo.UpdateLink(ctx, &simpleimage.EntityLink{ID: uuid.New()})
		assert.Equal(t, simpleimage.ErrLinkNotFound, err)
	})

	t.Run("FindAndListByImage", func(t *testing.T) {
		found, err := repo.FindLink(ctx, entity, imgB.ID)
		require.NoError(t, err)
		assert.Equal(t, imgB.ID, found.ImageID)

		_, err = repo.FindLink(ctx, simpleimage.Product("p1"), imgB.ID)
		assert.Equal(t, simpleimage.ErrLinkNotFound, err)

		links, err := repo.ListLinksByImage(ctx, imgA.ID)
		require.NoError(t, err)
		assert.Len(t, links, 1)
	})

	t.Run("DeleteLinkKeepsImage", func(t *testing.T) {
		require.NoError(t, repo.DeleteLink(ctx, linkA.ID))
		_, err := repo.GetImage(ctx, imgA.ID)
		assert.NoError(t, err)
		assert.Equal(t, simpleimage.ErrLinkNotFound, repo.DeleteLink(ctx, linkA.ID))
	})

	t.Run("ListLinks_Empty", func(t *testing.T) {
		links, err := repo.ListLinks(ctx, simpleimage.Product("none"))
		require.NoError(t, err)
		assert.NotNil(t, links)
		assert.Empty(t, links)
	})
}
