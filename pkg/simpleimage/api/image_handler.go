package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/batch"
)

// DefaultMaxRequestBytes caps the body of a multipart upload.
const DefaultMaxRequestBytes = 100 << 20

// ImageHandler exposes ingestion, image metadata and entity links over HTTP.
type ImageHandler struct {
	service         simpleimage.Service
	orchestrator    *batch.Orchestrator
	objects         simpleimage.BlobStore
	maxRequestBytes int64
}

// Option configures an ImageHandler.
type Option func(*ImageHandler)

// WithObjectStore enables ObjectRoutes. Used with memory and filesystem
// stores, which have no public host of their own.
func WithObjectStore(store simpleimage.BlobStore) Option {
	return func(h *ImageHandler) {
		h.objects = store
	}
}

// WithMaxRequestBytes caps the size of an upload request.
func WithMaxRequestBytes(n int64) Option {
	return func(h *ImageHandler) {
		if n > 0 {
			h.maxRequestBytes = n
		}
	}
}

// NewImageHandler creates a new image handler
func NewImageHandler(service simpleimage.Service, orchestrator *batch.Orchestrator, opts ...Option) *ImageHandler {
	h := &ImageHandler{
		service:         service,
		orchestrator:    orchestrator,
		maxRequestBytes: DefaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the routes for images and entity links
func (h *ImageHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/images", h.UploadImages)
	r.Get("/images", h.ListImages)
	r.Get("/images/{id}", h.GetImage)
	r.Patch("/images/{id}", h.UpdateImage)
	r.Delete("/images/{id}", h.DeleteImage)
	r.Get("/images/{id}/responsive", h.GetResponsive)

	r.Get("/entities/{kind}/{entityID}/images", h.ListEntityImages)
	r.Get("/entities/{kind}/{entityID}/primary", h.GetPrimaryImage)
	r.Post("/entities/{kind}/{entityID}/links", h.CreateLink)

	r.Patch("/links/{id}", h.UpdateLink)
	r.Delete("/links/{id}", h.DeleteLink)

	return r
}

// ObjectRoutes serves published objects by key. It returns nil when no
// object store was configured.
func (h *ImageHandler) ObjectRoutes() chi.Router {
	if h.objects == nil {
		return nil
	}
	r := chi.NewRouter()
	r.Get("/*", h.GetObject)
	return r
}

// UploadItemResponse reports one file of a multipart upload.
type UploadItemResponse struct {
	Index    int                     `json:"index"`
	FileName string                  `json:"file_name"`
	State    string                  `json:"state"`
	FailedAt string                  `json:"failed_at,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Image    *simpleimage.Image      `json:"image,omitempty"`
	Link     *simpleimage.EntityLink `json:"link,omitempty"`
}

// UploadResponse is the body returned by UploadImages.
type UploadResponse struct {
	Items []UploadItemResponse `json:"items"`
	Error string               `json:"error,omitempty"`
}

// UploadImages runs the files of a multipart form through the pipeline.
//
// Form fields: "files" (repeatable), optional "alt_text", and optionally
// "entity_type" + "entity_id" to link every recorded image, with "primary=true"
// making the first recorded image the entity's primary.
func (h *ImageHandler) UploadImages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Failed to parse multipart form", "error", err)
		badRequest(w, r, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	var entity *simpleimage.EntityRef
	if kind, id := r.FormValue("entity_type"), r.FormValue("entity_id"); kind != "" || id != "" {
		ref, err := simpleimage.ParseEntityRef(kind, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		entity = &ref
	}
	primary, _ := strconv.ParseBool(r.FormValue("primary"))

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		badRequest(w, r, "at least one file is required")
		return
	}

	uploads := make([]batch.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, fmt.Errorf("open %s: %w", fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, r, fmt.Errorf("read %s: %w", fh.Filename, err))
			return
		}
		uploads = append(uploads, batch.Upload{
			FileName: fh.Filename,
			Data:     data,
			AltText:  r.FormValue("alt_text"),
			Entity:   entity,
		})
	}

	res, procErr := h.orchestrator.Process(r.Context(), uploads)
	resp := UploadResponse{Items: []UploadItemResponse{}}
	if res != nil {
		for _, item := range res.Items {
			resp.Items = append(resp.Items, toUploadItem(item))
		}
	}
	if procErr != nil {
		slog.Error("Upload batch aborted", "error", procErr)
		resp.Error = procErr.Error()
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, resp)
		return
	}

	if entity != nil {
		for i := range resp.Items {
			item := &resp.Items[i]
			if item.Image == nil {
				continue
			}
			link, err := h.service.LinkImage(r.Context(), simpleimage.LinkImageRequest{
				ImageID: item.Image.ID,
				Entity:  *entity,
				Primary: primary,
			})
			if err != nil {
				writeError(w, r, err)
				return
			}
			item.Link = link
			primary = false
		}
	}

	status := http.StatusCreated
	if len(res.Failed()) > 0 {
		status = http.StatusMultiStatus
	}
	slog.Info("Images uploaded", "files", len(uploads), "recorded", len(res.Images()))
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func toUploadItem(item batch.ItemResult) UploadItemResponse {
	resp := UploadItemResponse{
		Index:    item.Index,
		FileName: item.FileName,
		State:    string(item.State),
		FailedAt: string(item.FailedAt),
		Image:    item.Image,
	}
	if item.Err != nil {
		resp.Error = item.Err.Error()
	}
	return resp
}

// ListImages returns every image, newest first.
func (h *ImageHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.service.ListImages(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, images)
}

func (h *ImageHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	img, err := h.service.GetImage(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, img)
}

// GetResponsive returns the src/srcset/sizes embedding shape.
func (h *ImageHandler) GetResponsive(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	img, err := h.service.GetImage(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, img.Responsive())
}

// UpdateImageRequest is the body of PATCH /images/{id}.
type UpdateImageRequest struct {
	AltText     *string                  `json:"alt_text"`
	Attribution *simpleimage.Attribution `json:"attribution"`
}

func (h *ImageHandler) UpdateImage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	img, err := h.service.UpdateImageDetails(r.Context(), simpleimage.UpdateImageDetailsRequest{
		ImageID:     id,
		AltText:     req.AltText,
		Attribution: req.Attribution,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Image updated", "image_id", id)
	render.JSON(w, r, img)
}

// DeleteImage removes the image, its links and its published objects.
func (h *ImageHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.orchestrator.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Image deleted", "image_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ImageHandler) ListEntityImages(w http.ResponseWriter, r *http.Request) {
	entity, ok := parseEntity(w, r)
	if !ok {
		return
	}
	images, err := h.service.ImagesFor(r.Context(), entity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, images)
}

func (h *ImageHandler) GetPrimaryImage(w http.ResponseWriter, r *http.Request) {
	entity, ok := parseEntity(w, r)
	if !ok {
		return
	}
	img, err := h.service.PrimaryImageFor(r.Context(), entity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if img == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Error: "no primary image for " + entity.String()})
		return
	}
	render.JSON(w, r, img)
}

// CreateLinkRequest is the body of POST /entities/{kind}/{entityID}/links.
type CreateLinkRequest struct {
	ImageID string `json:"image_id"`
	Primary bool   `json:"primary"`
	Order   *int   `json:"order,omitempty"`
}

func (h *ImageHandler) CreateLink(w http.ResponseWriter, r *http.Request) {
	entity, ok := parseEntity(w, r)
	if !ok {
		return
	}
	var req CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	imageID, err := uuid.Parse(req.ImageID)
	if err != nil {
		slog.Error("Invalid image ID", "image_id", req.ImageID, "error", err)
		badRequest(w, r, "Invalid image ID")
		return
	}

	link, err := h.service.LinkImage(r.Context(), simpleimage.LinkImageRequest{
		ImageID: imageID,
		Entity:  entity,
		Primary: req.Primary,
		Order:   req.Order,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Image linked", "link_id", link.ID, "image_id", imageID, "entity", entity.String())
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, link)
}

// UpdateLinkRequest is the body of PATCH /links/{id}.
type UpdateLinkRequest struct {
	Primary *bool `json:"primary"`
	Order   *int  `json:"order"`
}

func (h *ImageHandler) UpdateLink(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	link, err := h.service.UpdateLink(r.Context(), simpleimage.UpdateLinkRequest{
		LinkID:  id,
		Primary: req.Primary,
		Order:   req.Order,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, link)
}

func (h *ImageHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Unlink(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Image unlinked", "link_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// GetObject streams a published object from the blob store.
func (h *ImageHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		badRequest(w, r, "object key is required")
		return
	}
	meta, err := h.objects.GetObjectMeta(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rc, err := h.objects.Download(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	if cc := meta.Metadata["cache_control"]; cc != "" {
		w.Header().Set("Cache-Control", cc)
	}
	if meta.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil && !errors.Is(err, r.Context().Err()) {
		slog.Warn("Failed to stream object", "key", key, "error", err)
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		slog.Error("Invalid ID", "param", param, "value", raw, "error", err)
		badRequest(w, r, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func parseEntity(w http.ResponseWriter, r *http.Request) (simpleimage.EntityRef, bool) {
	entity, err := simpleimage.ParseEntityRef(chi.URLParam(r, "kind"), chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, r, err)
		return simpleimage.EntityRef{}, false
	}
	return entity, true
}
