// Package badger stores images and entity links as JSON documents in an
// embedded BadgerDB, with secondary index keys maintained in the same
// transaction as the documents they point to.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/tendant/simple-image/pkg/simpleimage"
)

// maxTxnRetries bounds the optimistic retry loop before ErrLinkConflict is
// handed to the caller.
const maxTxnRetries = 8

// Key layout:
//
//	img:{image id}                       -> Image JSON
//	link:{link id}                       -> EntityLink JSON
//	elink:{kind}\x00{entity id}\x00{image id} -> link id
//	primary:{kind}\x00{entity id}        -> link id
//	ilink:{image id}:{link id}           -> empty
const (
	prefixImage   = "img:"
	prefixLink    = "link:"
	prefixEntity  = "elink:"
	prefixPrimary = "primary:"
	prefixByImage = "ilink:"
)

func imageKey(id uuid.UUID) []byte { return []byte(prefixImage + id.String()) }
func linkKey(id uuid.UUID) []byte  { return []byte(prefixLink + id.String()) }

func entityPrefix(e simpleimage.EntityRef) []byte {
	return []byte(prefixEntity + string(e.Kind) + "\x00" + e.ID + "\x00")
}

func entityKey(e simpleimage.EntityRef, imageID uuid.UUID) []byte {
	return append(entityPrefix(e), imageID.String()...)
}

func primaryKey(e simpleimage.EntityRef) []byte {
	return []byte(prefixPrimary + string(e.Kind) + "\x00" + e.ID)
}

func byImagePrefix(imageID uuid.UUID) []byte {
	return []byte(prefixByImage + imageID.String() + ":")
}

func byImageKey(imageID, linkID uuid.UUID) []byte {
	return append(byImagePrefix(imageID), linkID.String()...)
}

// Repository implements simpleimage.Repository on BadgerDB.
type Repository struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) a database at path.
func Open(path string, logger *slog.Logger) (*Repository, error) {
	return open(badger.DefaultOptions(path), logger)
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory(logger *slog.Logger) (*Repository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = &badgerLogger{logger: logger.With("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db at %s: %w", opts.Dir, err)
	}
	return &Repository{db: db, logger: logger.With("component", "repository")}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// RunGC reclaims value log space. It returns nil when there was nothing to
// rewrite or the database lives in memory.
func (r *Repository) RunGC() error {
	err := r.db.RunValueLogGC(0.7)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// update runs fn in a read-write transaction, retrying on optimistic conflicts.
func (r *Repository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		r.logger.Debug("Retrying badger transaction after conflict", "attempt", attempt+1)
	}
	return simpleimage.ErrLinkConflict
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func getID(txn *badger.Txn, key []byte) (uuid.UUID, error) {
	item, err := txn.Get(key)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err = item.Value(func(val []byte) error {
		var perr error
		id, perr = uuid.ParseBytes(val)
		return perr
	})
	return id, err
}

// keysWithPrefix collects keys first so the iterator is closed before writes.
func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// Image operations

func (r *Repository) CreateImage(ctx context.Context, image *simpleimage.Image) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, imageKey(image.ID), image)
	})
}

func (r *Repository) GetImage(ctx context.Context, id uuid.UUID) (*simpleimage.Image, error) {
	var image simpleimage.Image
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, imageKey(id), &image)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, simpleimage.ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", id, err)
	}
	return &image, nil
}

func (r *Repository) ListImages(ctx context.Context) ([]*simpleimage.Image, error) {
	images := []*simpleimage.Image{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixImage)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var image simpleimage.Image
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &image)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			images = append(images, &image)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].UploadedAt.After(images[j].UploadedAt)
	})
	return images, nil
}

func (r *Repository) UpdateImage(ctx context.Context, image *simpleimage.Image) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(imageKey(image.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return simpleimage.ErrImageNotFound
			}
			return err
		}
		return setJSON(txn, imageKey(image.ID), image)
	})
}

func (r *Repository) DeleteImage(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(imageKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return simpleimage.ErrImageNotFound
			}
			return err
		}
		for _, k := range keysWithPrefix(txn, byImagePrefix(id)) {
			linkID, err := uuid.Parse(string(k[len(byImagePrefix(id)):]))
			if err != nil {
				return fmt.Errorf("corrupt index key %q: %w", k, err)
			}
			if err := removeLink(txn, linkID); err != nil && !errors.Is(err, simpleimage.ErrLinkNotFound) {
				return err
			}
		}
		return txn.Delete(imageKey(id))
	})
}

// Entity link operations

func (r *Repository) CreateLink(ctx context.Context, link *simpleimage.EntityLink) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(imageKey(link.ImageID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return simpleimage.ErrImageNotFound
			}
			return err
		}
		if _, err := txn.Get(entityKey(link.Entity, link.ImageID)); err == nil {
			return simpleimage.ErrDuplicateLink
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if link.IsPrimary {
			if err := clearPrimary(txn, link.Entity, link.ID); err != nil {
				return err
			}
			if err := txn.Set(primaryKey(link.Entity), []byte(link.ID.String())); err != nil {
				return err
			}
		}
		if err := setJSON(txn, linkKey(link.ID), link); err != nil {
			return err
		}
		if err := txn.Set(entityKey(link.Entity, link.ImageID), []byte(link.ID.String())); err != nil {
			return err
		}
		return txn.Set(byImageKey(link.ImageID, link.ID), nil)
	})
}

// clearPrimary drops the primary flag of the entity's current primary link
// unless it is keep. Reading the primary key puts it in the transaction's
// read set, so two writers racing for the slot conflict on commit.
func clearPrimary(txn *badger.Txn, entity simpleimage.EntityRef, keep uuid.UUID) error {
	current, err := getID(txn, primaryKey(entity))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current == keep {
		return nil
	}

	var old simpleimage.EntityLink
	if err := getJSON(txn, linkKey(current), &old); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Delete(primaryKey(entity))
		}
		return err
	}
	old.IsPrimary = false
	if err := setJSON(txn, linkKey(current), &old); err != nil {
		return err
	}
	return txn.Delete(primaryKey(entity))
}

func (r *Repository) GetLink(ctx context.Context, id uuid.UUID) (*simpleimage.EntityLink, error) {
	var link simpleimage.EntityLink
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, linkKey(id), &link)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, simpleimage.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get link %s: %w", id, err)
	}
	return &link, nil
}

func (r *Repository) FindLink(ctx context.Context, entity simpleimage.EntityRef, imageID uuid.UUID) (*simpleimage.EntityLink, error) {
	var link simpleimage.EntityLink
	err := r.db.View(func(txn *badger.Txn) error {
		id, err := getID(txn, entityKey(entity, imageID))
		if err != nil {
			return err
		}
		return getJSON(txn, linkKey(id), &link)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, simpleimage.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find link: %w", err)
	}
	return &link, nil
}

func (r *Repository) ListLinks(ctx context.Context, entity simpleimage.EntityRef) ([]*simpleimage.EntityLink, error) {
	links := []*simpleimage.EntityLink{}
	err := r.db.View(func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, entityPrefix(entity)) {
			id, err := getID(txn, k)
			if err != nil {
				return err
			}
			var link simpleimage.EntityLink
			if err := getJSON(txn, linkKey(id), &link); err != nil {
				return err
			}
			links = append(links, &link)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list links for %s: %w", entity, err)
	}
	sortByCreated(links)
	return links, nil
}

func (r *Repository) ListLinksByImage(ctx context.Context, imageID uuid.UUID) ([]*simpleimage.EntityLink, error) {
	links := []*simpleimage.EntityLink{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := byImagePrefix(imageID)
		for _, k := range keysWithPrefix(txn, prefix) {
			id, err := uuid.Parse(string(k[len(prefix):]))
			if err != nil {
				return fmt.Errorf("corrupt index key %q: %w", k, err)
			}
			var link simpleimage.EntityLink
			if err := getJSON(txn, linkKey(id), &link); err != nil {
				return err
			}
			links = append(links, &link)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list links for image %s: %w", imageID, err)
	}
	sortByCreated(links)
	return links, nil
}

func (r *Repository) GetPrimaryLink(ctx context.Context, entity simpleimage.EntityRef) (*simpleimage.EntityLink, error) {
	var link simpleimage.EntityLink
	err := r.db.View(func(txn *badger.Txn) error {
		id, err := getID(txn, primaryKey(entity))
		if err != nil {
			return err
		}
		return getJSON(txn, linkKey(id), &link)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, simpleimage.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get primary link for %s: %w", entity, err)
	}
	return &link, nil
}

func (r *Repository) UpdateLink(ctx context.Context, link *simpleimage.EntityLink) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		var current simpleimage.EntityLink
		if err := getJSON(txn, linkKey(link.ID), &current); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return simpleimage.ErrLinkNotFound
			}
			return err
		}

		current.Order = link.Clone().Order
		current.UpdatedAt = link.UpdatedAt

		// Read the primary slot unconditionally so concurrent writers to the
		// same entity always conflict.
		owner, err := getID(txn, primaryKey(current.Entity))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		switch {
		case link.IsPrimary:
			if err := clearPrimary(txn, current.Entity, current.ID); err != nil {
				return err
			}
			if err := txn.Set(primaryKey(current.Entity), []byte(current.ID.String())); err != nil {
				return err
			}
		case owner == current.ID:
			if err := txn.Delete(primaryKey(current.Entity)); err != nil {
				return err
			}
		}
		current.IsPrimary = link.IsPrimary
		return setJSON(txn, linkKey(current.ID), &current)
	})
}

func (r *Repository) DeleteLink(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		return removeLink(txn, id)
	})
}

func removeLink(txn *badger.Txn, id uuid.UUID) error {
	var link simpleimage.EntityLink
	if err := getJSON(txn, linkKey(id), &link); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return simpleimage.ErrLinkNotFound
		}
		return err
	}

	owner, err := getID(txn, primaryKey(link.Entity))
	if err == nil && owner == id {
		if err := txn.Delete(primaryKey(link.Entity)); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	for _, k := range [][]byte{linkKey(id), entityKey(link.Entity, link.ImageID), byImageKey(link.ImageID, id)} {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func sortByCreated(links []*simpleimage.EntityLink) {
	sort.SliceStable(links, func(i, j int) bool {
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
