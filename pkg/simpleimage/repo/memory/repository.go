package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-image/pkg/simpleimage"
)

// Repository implements simpleimage.Repository using in-memory storage
type Repository struct {
	mu            sync.RWMutex
	images        map[uuid.UUID]*simpleimage.Image
	links         map[uuid.UUID]*simpleimage.EntityLink
	linksByEntity map[simpleimage.EntityRef][]uuid.UUID // entity -> []link_id
	primaryLinks  map[simpleimage.EntityRef]uuid.UUID   // entity -> primary link_id
}

// New creates a new in-memory repository
func New() simpleimage.Repository {
	return &Repository{
		images:        make(map[uuid.UUID]*simpleimage.Image),
		links:         make(map[uuid.UUID]*simpleimage.EntityLink),
		linksByEntity: make(map[simpleimage.EntityRef][]uuid.UUID),
		primaryLinks:  make(map[simpleimage.EntityRef]uuid.UUID),
	}
}

// Image operations

func (r *Repository) CreateImage(ctx context.Context, image *simpleimage.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Copy to avoid external modifications
	r.images[image.ID] = image.Clone()
	return nil
}

func (r *Repository) GetImage(ctx context.Context, id uuid.UUID) (*simpleimage.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	image, exists := r.images[id]
	if !exists {
		return nil, simpleimage.ErrImageNotFound
	}
	return image.Clone(), nil
}

func (r *Repository) ListImages(ctx context.Context) ([]*simpleimage.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*simpleimage.Image, 0, len(r.images))
	for _, image := range r.images {
		result = append(result, image.Clone())
	}

	// Sort by uploaded_at descending
	sort.Slice(result, func(i, j int) bool {
		return result[i].UploadedAt.After(result[j].UploadedAt)
	})
	return result, nil
}

func (r *Repository) UpdateImage(ctx context.Context, image *simpleimage.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.images[image.ID]; !exists {
		return simpleimage.ErrImageNotFound
	}
	r.images[image.ID] = image.Clone()
	return nil
}

func (r *Repository) DeleteImage(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.images[id]; !exists {
		return simpleimage.ErrImageNotFound
	}
	delete(r.images, id)

	for linkID, link := range r.links {
		if link.ImageID == id {
			r.removeLinkLocked(linkID)
		}
	}
	return nil
}

// Entity link operations

func (r *Repository) CreateLink(ctx context.Context, link *simpleimage.EntityLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.images[link.ImageID]; !exists {
		return simpleimage.ErrImageNotFound
	}
	for _, id := range r.linksByEntity[link.Entity] {
		if r.links[id].ImageID == link.ImageID {
			return simpleimage.ErrDuplicateLink
		}
	}

	if link.IsPrimary {
		r.clearPrimaryLocked(link.Entity, link.ID)
	}
	r.links[link.ID] = link.Clone()
	r.linksByEntity[link.Entity] = append(r.linksByEntity[link.Entity], link.ID)
	if link.IsPrimary {
		r.primaryLinks[link.Entity] = link.ID
	}
	return nil
}

func (r *Repository) GetLink(ctx context.Context, id uuid.UUID) (*simpleimage.EntityLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, exists := r.links[id]
	if !exists {
		return nil, simpleimage.ErrLinkNotFound
	}
	return link.Clone(), nil
}

func (r *Repository) FindLink(ctx context.Context, entity simpleimage.EntityRef, imageID uuid.UUID) (*simpleimage.EntityLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.linksByEntity[entity] {
		if link := r.links[id]; link.ImageID == imageID {
			return link.Clone(), nil
		}
	}
	return nil, simpleimage.ErrLinkNotFound
}

func (r *Repository) ListLinks(ctx context.Context, entity simpleimage.EntityRef) ([]*simpleimage.EntityLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.linksByEntity[entity]
	result := make([]*simpleimage.EntityLink, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.links[id].Clone())
	}
	return result, nil
}

func (r *Repository) ListLinksByImage(ctx context.Context, imageID uuid.UUID) ([]*simpleimage.EntityLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simpleimage.EntityLink
	for _, link := range r.links {
		if link.ImageID == imageID {
			result = append(result, link.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *Repository) GetPrimaryLink(ctx context.Context, entity simpleimage.EntityRef) (*simpleimage.EntityLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.primaryLinks[entity]
	if !exists {
		return nil, simpleimage.ErrLinkNotFound
	}
	return r.links[id].Clone(), nil
}

func (r *Repository) UpdateLink(ctx context.Context, link *simpleimage.EntityLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.links[link.ID]
	if !exists {
		return simpleimage.ErrLinkNotFound
	}

	updated := existing.Clone()
	updated.IsPrimary = link.IsPrimary
	updated.Order = link.Clone().Order
	updated.UpdatedAt = link.UpdatedAt

	if updated.IsPrimary {
		r.clearPrimaryLocked(updated.Entity, updated.ID)
		r.primaryLinks[updated.Entity] = updated.ID
	} else if r.primaryLinks[updated.Entity] == updated.ID {
		delete(r.primaryLinks, updated.Entity)
	}
	r.links[updated.ID] = updated
	return nil
}

func (r *Repository) DeleteLink(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.links[id]; !exists {
		return simpleimage.ErrLinkNotFound
	}
	r.removeLinkLocked(id)
	return nil
}

// clearPrimaryLocked drops the primary flag from the entity's current primary
// link unless it is keep. Caller must hold the write lock.
func (r *Repository) clearPrimaryLocked(entity simpleimage.EntityRef, keep uuid.UUID) {
	current, exists := r.primaryLinks[entity]
	if !exists || current == keep {
		return
	}
	if link, ok := r.links[current]; ok {
		link.IsPrimary = false
	}
	delete(r.primaryLinks, entity)
}

func (r *Repository) removeLinkLocked(id uuid.UUID) {
	link := r.links[id]
	delete(r.links, id)

	ids := r.linksByEntity[link.Entity]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.linksByEntity, link.Entity)
	} else {
		r.linksByEntity[link.Entity] = ids
	}
	if r.primaryLinks[link.Entity] == id {
		delete(r.primaryLinks, link.Entity)
	}
}
