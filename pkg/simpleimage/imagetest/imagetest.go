// Package imagetest provides fixtures and an HTTP test server for code that
// exercises the image pipeline.
package imagetest

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-image/pkg/simpleimage/api"
	"github.com/tendant/simple-image/pkg/simpleimage/config"
)

// Gradient returns a w x h image with a diagonal gradient, so resized
// output differs visibly from a flat fill.
func Gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255})
		}
	}
	return img
}

// PNG encodes a gradient of the given size.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, Gradient(w, h)))
	return buf.Bytes()
}

// JPEG encodes a gradient of the given size at quality 90.
func JPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, Gradient(w, h), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// GIF encodes a single-frame gradient of the given size.
func GIF(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, Gradient(w, h), nil))
	return buf.Bytes()
}

// NewServer starts an httptest server exposing the API under /api/v1 and
// published objects under /objects. It is closed when the test completes.
func NewServer(t testing.TB, comp *config.Components) *httptest.Server {
	t.Helper()
	handler := api.NewImageHandler(comp.Service, comp.Orchestrator, api.WithObjectStore(comp.BlobStore))

	r := chi.NewRouter()
	r.Mount("/api/v1", handler.Routes())
	r.Mount("/objects", handler.ObjectRoutes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// File is one part of a multipart upload.
type File struct {
	Name string
	Data []byte
}

// Upload posts files to serverURL's upload endpoint and decodes the response.
func Upload(t testing.TB, serverURL string, fields map[string]string, files ...File) (int, api.UploadResponse) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		require.NoError(t, err)
		_, err = part.Write(f.Data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(serverURL+"/api/v1/images", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out api.UploadResponse
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}
