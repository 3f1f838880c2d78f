package badger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/repo/badger"
)

func setupRepository(t *testing.T) *badger.Repository {
	t.Helper()
	repo, err := badger.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newImage() *simpleimage.Image {
	id := uuid.New()
	return &simpleimage.Image{
		ID:          id,
		FileName:    "ridge.jpg",
		ContentType: "image/jpeg",
		Extension:   ".jpg",
		Width:       1024,
		Height:      768,
		UploadedAt:  time.Now().UTC(),
		OriginalKey: fmt.Sprintf("images/%s/original.jpg", id),
		OriginalURL: fmt.Sprintf("https://bucket.s3.amazonaws.com/images/%s/original.jpg", id),
		Variants: []simpleimage.Variant{
			{Width: 320, Height: 240, Size: 10, ContentType: "image/jpeg", Key: "k320", URL: "https://u/320"},
			{Width: 1024, Height: 768, Size: 90, ContentType: "image/jpeg", Key: "k1024", URL: "https://u/1024"},
		},
	}
}

func newLink(imageID uuid.UUID, entity simpleimage.EntityRef, primary bool) *simpleimage.EntityLink {
	now := time.Now().UTC()
	return &simpleimage.EntityLink{
		ID:        uuid.New(),
		ImageID:   imageID,
		Entity:    entity,
		IsPrimary: primary,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func primaries(links []*simpleimage.EntityLink) []uuid.UUID {
	var ids []uuid.UUID
	for _, l := range links {
		if l.IsPrimary {
			ids = append(ids, l.ID)
		}
	}
	return ids
}

func TestBadgerRepository_Images(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	img := newImage()
	img.Attribution = &simpleimage.Attribution{AuthorName: "Grace"}
	require.NoError(t, repo.CreateImage(ctx, img))

	t.Run("RoundTrip", func(t *testing.T) {
		got, err := repo.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Equal(t, img.Variants, got.Variants)
		assert.Equal(t, "Grace", got.Attribution.AuthorName)
		assert.True(t, img.UploadedAt.Equal(got.UploadedAt))
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetImage(ctx, uuid.New())
		assert.ErrorIs(t, err, simpleimage.ErrImageNotFound)
		assert.ErrorIs(t, repo.UpdateImage(ctx, newImage()), simpleimage.ErrImageNotFound)
		assert.ErrorIs(t, repo.DeleteImage(ctx, uuid.New()), simpleimage.ErrImageNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		img.AltText = "Ridge at dawn"
		require.NoError(t, repo.UpdateImage(ctx, img))
		got, err := repo.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ridge at dawn", got.AltText)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		newer := newImage()
		newer.UploadedAt = img.UploadedAt.Add(time.Minute)
		require.NoError(t, repo.CreateImage(ctx, newer))
		images, err := repo.ListImages(ctx)
		require.NoError(t, err)
		require.Len(t, images, 2)
		assert.Equal(t, newer.ID, images[0].ID)
	})

	t.Run("DeleteCascadesLinks", func(t *testing.T) {
		entity := simpleimage.Guide("g1")
		link := newLink(img.ID, entity, true)
		require.NoError(t, repo.CreateLink(ctx, link))
		require.NoError(t, repo.DeleteImage(ctx, img.ID))

		_, err := repo.GetLink(ctx, link.ID)
		assert.ErrorIs(t, err, simpleimage.ErrLinkNotFound)
		_, err = repo.GetPrimaryLink(ctx, entity)
		assert.ErrorIs(t, err, simpleimage.ErrLinkNotFound)
		links, err := repo.ListLinks(ctx, entity)
		require.NoError(t, err)
		assert.Empty(t, links)
	})
}

func TestBadgerRepository_Links(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	entity := simpleimage.Product("p1")

	imgA, imgB := newImage(), newImage()
	require.NoError(t, repo.CreateImage(ctx, imgA))
	require.NoError(t, repo.CreateImage(ctx, imgB))

	linkA := newLink(imgA.ID, entity, true)
	require.NoError(t, repo.CreateLink(ctx, linkA))

	t.Run("Duplicate", func(t *testing.T) {
		err := repo.CreateLink(ctx, newLink(imgA.ID, entity, false))
		assert.ErrorIs(t, err, simpleimage.ErrDuplicateLink)
	})

	t.Run("MissingImage", func(t *testing.T) {
		err := repo.CreateLink(ctx, newLink(uuid.New(), entity, false))
		assert.ErrorIs(t, err, simpleimage.ErrImageNotFound)
	})

	t.Run("PrimaryMoves", func(t *testing.T) {
		linkB := newLink(imgB.ID, entity, true)
		require.NoError(t, repo.CreateLink(ctx, linkB))

		primary, err := repo.GetPrimaryLink(ctx, entity)
		require.NoError(t, err)
		assert.Equal(t, linkB.ID, primary.ID)

		old, err := repo.GetLink(ctx, linkA.ID)
		require.NoError(t, err)
		assert.False(t, old.IsPrimary)
	})

	t.Run("UpdateLink", func(t *testing.T) {
		order := 3
		update := linkA.Clone()
		update.IsPrimary = true
		update.Order = &order
		require.NoError(t, repo.UpdateLink(ctx, update))

		links, err := repo.ListLinks(ctx, entity)
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, []uuid.UUID{linkA.ID}, primaries(links))

		got, err := repo.GetLink(ctx, linkA.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Order)
		assert.Equal(t, 3, *got.Order)

		assert.ErrorIs(t, repo.UpdateLink(ctx, newLink(imgA.ID, entity, false)), simpleimage.ErrLinkNotFound)
	})

	t.Run("DemotePrimary", func(t *testing.T) {
		update := linkA.Clone()
		update.IsPrimary = false
		require.NoError(t, repo.UpdateLink(ctx, update))
		_, err := repo.GetPrimaryLink(ctx, entity)
		assert.ErrorIs(t, err, simpleimage.ErrLinkNotFound)
	})

	t.Run("FindAndDelete", func(t *testing.T) {
		found, err := repo.FindLink(ctx, entity, imgB.ID)
		require.NoError(t, err)
		require.NoError(t, repo.DeleteLink(ctx, found.ID))
		assert.ErrorIs(t, repo.DeleteLink(ctx, found.ID), simpleimage.ErrLinkNotFound)

		_, err = repo.FindLink(ctx, entity, imgB.ID)
		assert.ErrorIs(t, err, simpleimage.ErrLinkNotFound)

		byImage, err := repo.ListLinksByImage(ctx, imgB.ID)
		require.NoError(t, err)
		assert.Empty(t, byImage)

		_, err = repo.GetImage(ctx, imgB.ID)
		assert.NoError(t, err)
	})

	t.Run("EntityIDsDoNotCollide", func(t *testing.T) {
		// "p1" must not match the prefix of "p10".
		require.NoError(t, repo.CreateLink(ctx, newLink(imgB.ID, simpleimage.Product("p10"), false)))
		links, err := repo.ListLinks(ctx, entity)
		require.NoError(t, err)
		for _, l := range links {
			assert.Equal(t, entity, l.Entity)
		}
	})

	t.Run("EmptyEntity", func(t *testing.T) {
		links, err := repo.ListLinks(ctx, simpleimage.Guide("nobody"))
		require.NoError(t, err)
		assert.NotNil(t, links)
		assert.Empty(t, links)
	})
}

func TestBadgerRepository_ConcurrentPrimary(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	entity := simpleimage.Guide("contended")

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < n; i++ {
		img := newImage()
		require.NoError(t, repo.CreateImage(ctx, img))
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.CreateLink(ctx, newLink(img.ID, entity, true))
			if err != nil {
				// Conflicts surface only after the retry budget is spent.
				assert.ErrorIs(t, err, simpleimage.ErrLinkConflict)
				return
			}
			mu.Lock()
			created++
			mu.Unlock()
		}()
	}
	wg.Wait()

	links, err := repo.ListLinks(ctx, entity)
	require.NoError(t, err)
	assert.Len(t, links, created)
	assert.Len(t, primaries(links), 1)

	primary, err := repo.GetPrimaryLink(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, primaries(links)[0], primary.ID)
}

func TestBadgerRepository_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := badger.Open(dir, nil)
	require.NoError(t, err)
	img := newImage()
	require.NoError(t, repo.CreateImage(ctx, img))
	require.NoError(t, repo.Close())

	repo, err = badger.Open(dir, nil)
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.OriginalKey, got.OriginalKey)
}

func TestBadgerRepository_InMemory(t *testing.T) {
	repo, err := badger.OpenInMemory(nil)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	require.NoError(t, repo.CreateImage(ctx, newImage()))
	images, err := repo.ListImages(ctx)
	require.NoError(t, err)
	assert.Len(t, images, 1)
	assert.NoError(t, repo.RunGC())
}
