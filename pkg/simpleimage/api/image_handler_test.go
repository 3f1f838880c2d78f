package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/api"
	"github.com/tendant/simple-image/pkg/simpleimage/batch"
	"github.com/tendant/simple-image/pkg/simpleimage/publisher"
	repomemory "github.com/tendant/simple-image/pkg/simpleimage/repo/memory"
	"github.com/tendant/simple-image/pkg/simpleimage/staging"
	storemem "github.com/tendant/simple-image/pkg/simpleimage/storage/memory"
	"github.com/tendant/simple-image/pkg/simpleimage/urlstrategy"
	"github.com/tendant/simple-image/pkg/simpleimage/variants"
)

func setupImageHandlerTest(t *testing.T) (chi.Router, simpleimage.Service, *storemem.Backend) {
	t.Helper()

	svc, err := simpleimage.New(simpleimage.WithRepository(repomemory.New()))
	require.NoError(t, err)

	store := storemem.New()
	pub, err := publisher.New(store, urlstrategy.NewCDNStrategy("http://localhost:8080/objects"),
		publisher.WithCacheControl("public, max-age=60"))
	require.NoError(t, err)

	stage, err := staging.NewMemory()
	require.NoError(t, err)

	orch, err := batch.New(svc, variants.New(variants.WithWidths(100, 200)), stage, pub)
	require.NoError(t, err)

	handler := api.NewImageHandler(svc, orch, api.WithObjectStore(store))
	router := chi.NewRouter()
	router.Mount("/", handler.Routes())
	router.Mount("/objects", handler.ObjectRoutes())
	return router, svc, store
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: uint8(x), G: 120, B: 40, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type formFile struct {
	name string
	data []byte
}

func multipartRequest(t *testing.T, fields map[string]string, files ...formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/images", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, target string, v any) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func upload(t *testing.T, router http.Handler, fields map[string]string, files ...formFile) api.UploadResponse {
	t.Helper()
	w := serve(router, multipartRequest(t, fields, files...))
	require.Contains(t, []int{http.StatusCreated, http.StatusMultiStatus}, w.Code, w.Body.String())
	var resp api.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestUploadImages(t *testing.T) {
	t.Run("AllRecorded", func(t *testing.T) {
		router, _, store := setupImageHandlerTest(t)

		w := serve(router, multipartRequest(t, map[string]string{"alt_text": "A trail"},
			formFile{"trail.png", pngBytes(t, 300, 200)},
			formFile{"summit.png", pngBytes(t, 150, 100)},
		))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp api.UploadResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Items, 2)
		for _, item := range resp.Items {
			assert.Equal(t, "recorded", item.State)
			assert.Empty(t, item.Error)
			require.NotNil(t, item.Image)
			assert.Equal(t, "A trail", item.Image.AltText)
			assert.True(t, strings.HasPrefix(item.Image.OriginalURL, "http://localhost:8080/objects/"))
		}
		// 300px: 100, 200 and 300 wide; 150px: 100 and 150 wide.
		assert.Len(t, resp.Items[0].Image.Variants, 3)
		assert.Len(t, resp.Items[1].Image.Variants, 2)
		assert.Len(t, store.Keys(), 1+3+1+2)
	})

	t.Run("PartialFailure", func(t *testing.T) {
		router, svc, _ := setupImageHandlerTest(t)

		resp := upload(t, router, nil,
			formFile{"ok.png", pngBytes(t, 120, 80)},
			formFile{"notes.txt", []byte("not an image")},
		)
		require.Len(t, resp.Items, 2)
		assert.Equal(t, "recorded", resp.Items[0].State)
		assert.Equal(t, "failed", resp.Items[1].State)
		assert.Equal(t, "received", resp.Items[1].FailedAt)
		assert.NotEmpty(t, resp.Items[1].Error)

		images, err := svc.ListImages(t.Context())
		require.NoError(t, err)
		assert.Len(t, images, 1)
	})

	t.Run("LinksToEntity", func(t *testing.T) {
		router, svc, _ := setupImageHandlerTest(t)

		resp := upload(t, router, map[string]string{
			"entity_type": "guides",
			"entity_id":   "g-42",
			"primary":     "true",
		},
			formFile{"a.png", pngBytes(t, 120, 80)},
			formFile{"b.png", pngBytes(t, 120, 80)},
		)
		require.Len(t, resp.Items, 2)
		require.NotNil(t, resp.Items[0].Link)
		require.NotNil(t, resp.Items[1].Link)
		assert.True(t, resp.Items[0].Link.IsPrimary)
		assert.False(t, resp.Items[1].Link.IsPrimary)

		primary, err := svc.PrimaryImageFor(t.Context(), simpleimage.Guide("g-42"))
		require.NoError(t, err)
		require.NotNil(t, primary)
		assert.Equal(t, resp.Items[0].Image.ID, primary.ID)
	})

	t.Run("UnknownEntityKind", func(t *testing.T) {
		router, _, _ := setupImageHandlerTest(t)
		w := serve(router, multipartRequest(t, map[string]string{"entity_type": "planets", "entity_id": "x"},
			formFile{"a.png", pngBytes(t, 50, 50)}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("NoFiles", func(t *testing.T) {
		router, _, _ := setupImageHandlerTest(t)
		w := serve(router, multipartRequest(t, map[string]string{"alt_text": "x"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("NotMultipart", func(t *testing.T) {
		router, _, _ := setupImageHandlerTest(t)
		w := serve(router, jsonRequest(t, http.MethodPost, "/images", map[string]string{}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetImage(t *testing.T) {
	router, _, _ := setupImageHandlerTest(t)
	resp := upload(t, router, map[string]string{"alt_text": "Ridge"}, formFile{"ridge.png", pngBytes(t, 250, 100)})
	id := resp.Items[0].Image.ID

	t.Run("Found", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/images/"+id.String(), nil))
		require.Equal(t, http.StatusOK, w.Code)
		var img simpleimage.Image
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &img))
		assert.Equal(t, id, img.ID)
		assert.Equal(t, "ridge.png", img.FileName)
	})

	t.Run("Responsive", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/images/"+id.String()+"/responsive", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var r simpleimage.ResponsiveImage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
		assert.Equal(t, "Ridge", r.Alt)
		assert.Contains(t, r.SrcSet, "100w")
		assert.Contains(t, r.SrcSet, "200w")
	})

	t.Run("List", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/images", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var images []simpleimage.Image
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &images))
		assert.Len(t, images, 1)
	})

	t.Run("NotFound", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/images/"+uuid.New().String(), nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("InvalidID", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/images/not-a-uuid", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUpdateImage(t *testing.T) {
	router, _, _ := setupImageHandlerTest(t)
	resp := upload(t, router, nil, formFile{"lake.png", pngBytes(t, 120, 80)})
	id := resp.Items[0].Image.ID

	alt := "Mirror lake at dawn"
	w := serve(router, jsonRequest(t, http.MethodPatch, "/images/"+id.String(), api.UpdateImageRequest{
		AltText:     &alt,
		Attribution: &simpleimage.Attribution{AuthorName: "R. Hill"},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var img simpleimage.Image
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &img))
	assert.Equal(t, alt, img.AltText)
	require.NotNil(t, img.Attribution)
	assert.Equal(t, "R. Hill", img.Attribution.AuthorName)
}

func TestDeleteImage(t *testing.T) {
	router, svc, store := setupImageHandlerTest(t)
	resp := upload(t, router, map[string]string{"entity_type": "products", "entity_id": "p1"},
		formFile{"boot.png", pngBytes(t, 250, 100)})
	id := resp.Items[0].Image.ID
	require.Len(t, store.Keys(), 4)

	w := serve(router, httptest.NewRequest(http.MethodDelete, "/images/"+id.String(), nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, store.Keys())

	images, err := svc.ImagesFor(t.Context(), simpleimage.Product("p1"))
	require.NoError(t, err)
	assert.Empty(t, images)

	w = serve(router, httptest.NewRequest(http.MethodDelete, "/images/"+id.String(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEntityLinks(t *testing.T) {
	router, _, _ := setupImageHandlerTest(t)
	resp := upload(t, router, nil,
		formFile{"one.png", pngBytes(t, 120, 80)},
		formFile{"two.png", pngBytes(t, 120, 80)},
	)
	first, second := resp.Items[0].Image.ID, resp.Items[1].Image.ID
	base := "/entities/guides/g-1"

	createLink := func(t *testing.T, imageID uuid.UUID, primary bool) simpleimage.EntityLink {
		t.Helper()
		w := serve(router, jsonRequest(t, http.MethodPost, base+"/links", api.CreateLinkRequest{
			ImageID: imageID.String(),
			Primary: primary,
		}))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var link simpleimage.EntityLink
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &link))
		return link
	}

	primaryID := func(t *testing.T) uuid.UUID {
		t.Helper()
		w := serve(router, httptest.NewRequest(http.MethodGet, base+"/primary", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var img simpleimage.LinkedImage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &img))
		return img.ID
	}

	t.Run("NoPrimaryYet", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, base+"/primary", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	link1 := createLink(t, first, true)
	link2 := createLink(t, second, false)

	t.Run("ListAndPrimary", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, base+"/images", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var images []simpleimage.LinkedImage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &images))
		assert.Len(t, images, 2)
		assert.Equal(t, first, primaryID(t))
	})

	t.Run("PromoteSecond", func(t *testing.T) {
		yes := true
		w := serve(router, jsonRequest(t, http.MethodPatch, "/links/"+link2.ID.String(), api.UpdateLinkRequest{Primary: &yes}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, second, primaryID(t))
	})

	t.Run("Unlink", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodDelete, "/links/"+link1.ID.String(), nil))
		require.Equal(t, http.StatusNoContent, w.Code)

		w = serve(router, httptest.NewRequest(http.MethodDelete, "/links/"+link1.ID.String(), nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("UnknownImage", func(t *testing.T) {
		w := serve(router, jsonRequest(t, http.MethodPost, base+"/links", api.CreateLinkRequest{ImageID: uuid.New().String()}))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/entities/planets/x/images", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetObject(t *testing.T) {
	router, _, _ := setupImageHandlerTest(t)
	resp := upload(t, router, nil, formFile{"tile.png", pngBytes(t, 120, 80)})
	img := resp.Items[0].Image

	w := serve(router, httptest.NewRequest(http.MethodGet, "/objects/"+img.OriginalKey, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=60", w.Header().Get("Cache-Control"))
	assert.Equal(t, fmt.Sprint(img.OriginalSize), w.Header().Get("Content-Length"))

	w = serve(router, httptest.NewRequest(http.MethodGet, "/objects/images/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &simpleimage.ValidationError{Field: "x", Reason: "bad"}, http.StatusBadRequest},
		{"not found", simpleimage.ErrImageNotFound, http.StatusNotFound},
		{"decode", &simpleimage.DecodeError{Err: fmt.Errorf("truncated")}, http.StatusUnprocessableEntity},
		{"publish", &simpleimage.PublishError{Key: "k", Err: fmt.Errorf("timeout")}, http.StatusBadGateway},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, api.StatusFor(tt.err))
		})
	}
}
