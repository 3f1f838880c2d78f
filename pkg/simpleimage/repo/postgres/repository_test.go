package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/repo/postgres"
)

// setupRepository connects to TEST_DATABASE_URL and migrates a throwaway schema.
func setupRepository(t *testing.T) *postgres.Repository {
	t.Helper()
	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "simpleimage_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	admin, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(connString)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	require.NoError(t, postgres.Migrate(ctx, pool))
	return postgres.NewWithPool(pool)
}

func newImage() *simpleimage.Image {
	id := uuid.New()
	return &simpleimage.Image{
		ID:          id,
		FileName:    "trail.png",
		ContentType: "image/png",
		Extension:   ".png",
		Width:       640,
		Height:      480,
		UploadedAt:  time.Now().UTC().Truncate(time.Microsecond),
		OriginalKey: fmt.Sprintf("images/%s/original.png", id),
		OriginalURL: fmt.Sprintf("https://bucket.s3.amazonaws.com/images/%s/original.png", id),
		Variants: []simpleimage.Variant{
			{Width: 320, Height: 240, Size: 100, ContentType: "image/png", Key: "k320", URL: "https://u/320"},
			{Width: 640, Height: 480, Size: 300, ContentType: "image/png", Key: "k640", URL: "https://u/640"},
		},
	}
}

func newLink(imageID uuid.UUID, entity simpleimage.EntityRef, primary bool) *simpleimage.EntityLink {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &simpleimage.EntityLink{
		ID:        uuid.New(),
		ImageID:   imageID,
		Entity:    entity,
		IsPrimary: primary,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresRepository_Images(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	img := newImage()
	img.AltText = "Switchbacks"
	img.Attribution = &simpleimage.Attribution{AuthorName: "Ada", SourceURL: "https://example.com"}
	entity := simpleimage.Guide("g1")
	img.Entity = &entity
	require.NoError(t, repo.CreateImage(ctx, img))

	t.Run("RoundTrip", func(t *testing.T) {
		got, err := repo.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Equal(t, img.Variants, got.Variants)
		assert.Equal(t, img.Attribution, got.Attribution)
		assert.Equal(t, img.Entity, got.Entity)
		assert.Equal(t, "Switchbacks", got.AltText)
		assert.WithinDuration(t, img.UploadedAt, got.UploadedAt, time.Millisecond)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetImage(ctx, uuid.New())
		assert.ErrorIs(t, err, simpleimage.ErrImageNotFound)
		assert.ErrorIs(t, repo.UpdateImage(ctx, newImage()), simpleimage.ErrImageNotFound)
		assert.ErrorIs(t, repo.DeleteImage(ctx, uuid.New()), simpleimage.ErrImageNotFound)
	})

	t.Run("UpdateClearsAttribution", func(t *testing.T) {
		img.Attribution = nil
		require.NoError(t, repo.UpdateImage(ctx, img))
		got, err := repo.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Attribution)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		newer := newImage()
		newer.UploadedAt = img.UploadedAt.Add(time.Hour)
		require.NoError(t, repo.CreateImage(ctx, newer))
		images, err := repo.ListImages(ctx)
		require.NoError(t, err)
		require.Len(t, images, 2)
		assert.Equal(t, newer.ID, images[0].ID)
	})

	t.Run("DeleteCascadesLinks", func(t *testing.T) {
		link := newLink(img.ID, entity, true)
		require.NoError(t, repo.CreateLink(ctx, link))
		require.NoError(t, repo.DeleteImage(ctx, img.ID))
		_, err := repo.GetLink(ctx, link.ID)
		assert.ErrorIs(t, err, simpleimage.ErrLinkNotFound)
	})
}

func TestPostgresRepository_Links(t *testing.T) {
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
		order := 2
		update := linkA.Clone()
		update.IsPrimary = true
		update.Order = &order
		update.UpdatedAt = time.Now().UTC()
		require.NoError(t, repo.UpdateLink(ctx, update))

		links, err := repo.ListLinks(ctx, entity)
		require.NoError(t, err)
		require.Len(t, links, 2)
		primaries := 0
		for _, l := range links {
			if l.IsPrimary {
				primaries++
				assert.Equal(t, linkA.ID, l.ID)
				require.NotNil(t, l.Order)
				assert.Equal(t, 2, *l.Order)
			}
		}
		assert.Equal(t, 1, primaries)

		assert.ErrorIs(t, repo.UpdateLink(ctx, newLink(imgA.ID, entity, false)), simpleimage.ErrLinkNotFound)
	})

	t.Run("FindAndDelete", func(t *testing.T) {
		found, err := repo.FindLink(ctx, entity, imgB.ID)
		require.NoError(t, err)
		require.NoError(t, repo.DeleteLink(ctx, found.ID))
		assert.ErrorIs(t, repo.DeleteLink(ctx, found.ID), simpleimage.ErrLinkNotFound)

		byImage, err := repo.ListLinksByImage(ctx, imgB.ID)
		require.NoError(t, err)
		assert.Empty(t, byImage)

		_, err = repo.GetImage(ctx, imgB.ID)
		assert.NoError(t, err)
	})

	t.Run("EmptyEntity", func(t *testing.T) {
		links, err := repo.ListLinks(ctx, simpleimage.Guide("nobody"))
		require.NoError(t, err)
		assert.NotNil(t, links)
		assert.Empty(t, links)
	})
}

func TestPostgresRepository_ConcurrentPrimary(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	entity := simpleimage.Guide("contended")

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		img := newImage()
		require.NoError(t, repo.CreateImage(ctx, img))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.CreateLink(ctx, newLink(img.ID, entity, true)))
		}()
	}
	wg.Wait()

	links, err := repo.ListLinks(ctx, entity)
	require.NoError(t, err)
	assert.Len(t, links, n)
	primaries := 0
	for _, l := range links {
		if l.IsPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
}
