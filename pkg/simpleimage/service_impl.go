package simpleimage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-image/pkg/simpleimage/lock"
)

// maxConflictRetries bounds how often a write is retried after ErrLinkConflict.
const maxConflictRetries = 5

// service implements the Service interface
type service struct {
	repository Repository
	locker     Locker
	eventSink  EventSink
	logger     *slog.Logger
	now        func() time.Time
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithLocker sets the per-entity locker. Defaults to an in-process keyed mutex;
// use a distributed locker when several processes share one repository.
func WithLocker(locker Locker) Option {
	return func(s *service) {
		s.locker = locker
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// WithLogger sets the logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		now: func() time.Time { return time.Now().UTC() },
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.locker == nil {
		s.locker = lock.NewKeyed()
	}
	if s.eventSink == nil {
		s.eventSink = NewNoopEventSink()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s, nil
}

// Image operations

func (s *service) StoreImage(ctx context.Context, image *Image) (*Image, error) {
	if image == nil {
		return nil, &ValidationError{Field: "image", Reason: "is required"}
	}
	img := image.Clone()
	if img.UploadedAt.IsZero() {
		img.UploadedAt = s.now()
	}
	if img.Entity != nil {
		if err := img.Entity.Validate(); err != nil {
			return nil, err
		}
	}
	if err := img.Validate(); err != nil {
		return nil, &ValidationError{Field: "image", Reason: err.Error(), Err: err}
	}
	var processed int64
	for _, v := range img.Variants {
		processed += v.Size
	}
	img.ProcessedSize = processed

	if err := s.repository.CreateImage(ctx, img); err != nil {
		return nil, fmt.Errorf("store image %s: %w", img.ID, err)
	}

	if err := s.eventSink.ImageStored(ctx, img); err != nil {
		s.logger.Warn("Image stored event failed", "image_id", img.ID, "error", err)
	}

	return img, nil
}

func (s *service) GetImage(ctx context.Context, id uuid.UUID) (*Image, error) {
	img, err := s.repository.GetImage(ctx, id)
	if err != nil {
		return nil, wrapNotFound("image", id, err)
	}
	return img, nil
}

func (s *service) ListImages(ctx context.Context) ([]*Image, error) {
	images, err := s.repository.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = []*Image{}
	}
	return images, nil
}

func (s *service) UpdateImageDetails(ctx context.Context, req UpdateImageDetailsRequest) (*Image, error) {
	img, err := s.repository.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, wrapNotFound("image", req.ImageID, err)
	}
	if req.AltText != nil {
		img.AltText = *req.AltText
	}
	if req.Attribution != nil {
		if req.Attribution.IsZero() {
			img.Attribution = nil
		} else {
			a := *req.Attribution
			img.Attribution = &a
		}
	}
	if err := s.repository.UpdateImage(ctx, img); err != nil {
		return nil, wrapNotFound("image", req.ImageID, err)
	}
	return img, nil
}

func (s *service) DeleteImage(ctx context.Context, id uuid.UUID) (*Image, error) {
	img, err := s.repository.GetImage(ctx, id)
	if err != nil {
		return nil, wrapNotFound("image", id, err)
	}
	if err := s.repository.DeleteImage(ctx, id); err != nil {
		return nil, wrapNotFound("image", id, err)
	}

	if err := s.eventSink.ImageDeleted(ctx, id); err != nil {
		s.logger.Warn("Image deleted event failed", "image_id", id, "error", err)
	}
	return img, nil
}

// Entity link operations

func (s *service) LinkImage(ctx context.Context, req LinkImageRequest) (*EntityLink, error) {
	if err := req.Entity.Validate(); err != nil {
		return nil, err
	}
	if req.ImageID == uuid.Nil {
		return nil, &ValidationError{Field: "image_id", Reason: "is required"}
	}

	unlock, err := s.locker.Lock(ctx, lockKey(req.Entity))
	if err != nil {
		return nil, &LinkError{Entity: req.Entity, Op: "lock", Err: err}
	}
	defer unlock()

	// Relinking the same image is a no-op; primary/order of the call are ignored.
	existing, err := s.repository.FindLink(ctx, req.Entity, req.ImageID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrLinkNotFound) {
		return nil, &LinkError{Entity: req.Entity, Op: "find", Err: err}
	}

	if _, err := s.repository.GetImage(ctx, req.ImageID); err != nil {
		return nil, wrapNotFound("image", req.ImageID, err)
	}

	now := s.now()
	link := &EntityLink{
		ID:        uuid.New(),
		ImageID:   req.ImageID,
		Entity:    req.Entity,
		IsPrimary: req.Primary,
		Order:     copyInt(req.Order),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.retryConflicts(func() error {
		return s.repository.CreateLink(ctx, link)
	})
	if errors.Is(err, ErrDuplicateLink) {
		// Another process linked the same triple between our lookup and insert.
		return s.repository.FindLink(ctx, req.Entity, req.ImageID)
	}
	if err != nil {
		return nil, &LinkError{Entity: req.Entity, Op: "create", Err: err}
	}

	if err := s.eventSink.LinkCreated(ctx, link); err != nil {
		s.logger.Warn("Link created event failed", "link_id", link.ID, "error", err)
	}
	return link.Clone(), nil
}

func (s *service) UpdateLink(ctx context.Context, req UpdateLinkRequest) (*EntityLink, error) {
	current, err := s.repository.GetLink(ctx, req.LinkID)
	if err != nil {
		return nil, wrapNotFound("link", req.LinkID, err)
	}

	unlock, err := s.locker.Lock(ctx, lockKey(current.Entity))
	if err != nil {
		return nil, &LinkError{Entity: current.Entity, Op: "lock", Err: err}
	}
	defer unlock()

	// Re-read under the lock; the link may have changed or vanished meanwhile.
	link, err := s.repository.GetLink(ctx, req.LinkID)
	if err != nil {
		return nil, wrapNotFound("link", req.LinkID, err)
	}
	if req.Primary != nil {
		link.IsPrimary = *req.Primary
	}
	if req.Order != nil {
		link.Order = copyInt(req.Order)
	}
	link.UpdatedAt = s.now()

	err = s.retryConflicts(func() error {
		return s.repository.UpdateLink(ctx, link)
	})
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return nil, wrapNotFound("link", req.LinkID, err)
		}
		return nil, &LinkError{Entity: link.Entity, Op: "update", Err: err}
	}

	if err := s.eventSink.LinkUpdated(ctx, link); err != nil {
		s.logger.Warn("Link updated event failed", "link_id", link.ID, "error", err)
	}
	return link, nil
}

func (s *service) Unlink(ctx context.Context, linkID uuid.UUID) error {
	link, err := s.repository.GetLink(ctx, linkID)
	if err != nil {
		return wrapNotFound("link", linkID, err)
	}

	unlock, err := s.locker.Lock(ctx, lockKey(link.Entity))
	if err != nil {
		return &LinkError{Entity: link.Entity, Op: "lock", Err: err}
	}
	defer unlock()

	if err := s.repository.DeleteLink(ctx, linkID); err != nil {
		return wrapNotFound("link", linkID, err)
	}

	if err := s.eventSink.LinkDeleted(ctx, linkID); err != nil {
		s.logger.Warn("Link deleted event failed", "link_id", linkID, "error", err)
	}
	return nil
}

func (s *service) GetLink(ctx context.Context, linkID uuid.UUID) (*EntityLink, error) {
	link, err := s.repository.GetLink(ctx, linkID)
	if err != nil {
		return nil, wrapNotFound("link", linkID, err)
	}
	return link, nil
}

// Entity projections

func (s *service) ImagesFor(ctx context.Context, entity EntityRef) ([]*LinkedImage, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	links, err := s.repository.ListLinks(ctx, entity)
	if err != nil {
		return nil, &LinkError{Entity: entity, Op: "list", Err: err}
	}
	sortLinks(links)

	result := make([]*LinkedImage, 0, len(links))
	for _, link := range links {
		img, err := s.repository.GetImage(ctx, link.ImageID)
		if errors.Is(err, ErrImageNotFound) {
			s.logger.Warn("Link references missing image", "link_id", link.ID, "image_id", link.ImageID)
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, project(img, link))
	}
	return result, nil
}

func (s *service) PrimaryImageFor(ctx context.Context, entity EntityRef) (*LinkedImage, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	link, err := s.repository.GetPrimaryLink(ctx, entity)
	if errors.Is(err, ErrLinkNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &LinkError{Entity: entity, Op: "primary", Err: err}
	}
	img, err := s.repository.GetImage(ctx, link.ImageID)
	if errors.Is(err, ErrImageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return project(img, link), nil
}

// Helper methods

func (s *service) retryConflicts(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrLinkConflict) {
			return err
		}
		s.logger.Debug("Retrying after primary link conflict", "attempt", attempt+1)
	}
	return err
}

func project(img *Image, link *EntityLink) *LinkedImage {
	return &LinkedImage{
		Image:     img,
		LinkID:    link.ID,
		IsPrimary: link.IsPrimary,
		Order:     copyInt(link.Order),
	}
}

// sortLinks orders links primary first, then by explicit order (unset last),
// then by creation time.
func sortLinks(links []*EntityLink) {
	sort.SliceStable(links, func(i, j int) bool {
		a, b := links[i], links[j]
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		switch {
		case a.Order != nil && b.Order != nil && *a.Order != *b.Order:
			return *a.Order < *b.Order
		case a.Order != nil && b.Order == nil:
			return true
		case a.Order == nil && b.Order != nil:
			return false
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func lockKey(entity EntityRef) string {
	return "entity:" + entity.String()
}

func wrapNotFound(resource string, id uuid.UUID, err error) error {
	if errors.Is(err, ErrImageNotFound) || errors.Is(err, ErrLinkNotFound) {
		return &NotFoundError{Resource: resource, ID: id.String(), Err: err}
	}
	return err
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
