// Package staging holds transient local copies of uploads and derived
// variants while a batch item is in flight. Every file is owned by a Scope,
// and closing the scope releases whatever is left on disk.
package staging

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrScopeClosed is returned when staging into or promoting from a closed scope.
var ErrScopeClosed = errors.New("staging scope closed")

// ErrForeignHandle is returned when promoting a handle created by another scope.
var ErrForeignHandle = errors.New("handle does not belong to this scope")

// Store creates staging scopes under a root directory of an afero filesystem.
type Store struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for best-effort cleanup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a store rooted at root on fs.
func New(fs afero.Fs, root string, opts ...Option) (*Store, error) {
	if fs == nil {
		return nil, fmt.Errorf("staging filesystem is required")
	}
	if root == "" {
		root = filepath.Join(os.TempDir(), "simpleimage-staging")
	}
	s := &Store{fs: fs, root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root %s: %w", root, err)
	}
	return s, nil
}

// NewOS creates a store on the local disk.
func NewOS(root string, opts ...Option) (*Store, error) {
	return New(afero.NewOsFs(), root, opts...)
}

// NewMemory creates a store on an in-memory filesystem.
func NewMemory(opts ...Option) (*Store, error) {
	return New(afero.NewMemMapFs(), "/staging", opts...)
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// NewScope creates an empty scope with its own directory.
func (s *Store) NewScope() (*Scope, error) {
	dir, err := afero.TempDir(s.fs, s.root, "scope-")
	if err != nil {
		return nil, fmt.Errorf("create staging scope: %w", err)
	}
	return &Scope{store: s, dir: dir}, nil
}

// Handle refers to one staged file.
type Handle struct {
	scope *Scope
	path  string
	ext   string
	size  int64
}

// Path returns the file's path on the store's filesystem.
func (h *Handle) Path() string { return h.path }

// Ext returns the extension the file was staged with.
func (h *Handle) Ext() string { return h.ext }

// Size returns the number of bytes staged.
func (h *Handle) Size() int64 { return h.size }

// Open opens the staged file for reading.
func (h *Handle) Open() (io.ReadCloser, error) {
	return h.scope.store.fs.Open(h.path)
}

// Scope owns a set of staged files. It is safe for concurrent use.
type Scope struct {
	store *Store
	dir   string

	mu        sync.Mutex
	closed    bool
	handles   []*Handle
	promoted  map[*Handle]bool
	finalized []*Handle
	cleaned   []*Handle
}

// Dir returns the scope's directory.
func (sc *Scope) Dir() string { return sc.dir }

// Stage writes data to a new file with the given extension.
func (sc *Scope) Stage(data []byte, ext string) (*Handle, error) {
	return sc.StageReader(bytes.NewReader(data), ext)
}

// StageReader copies r into a new file with the given extension.
func (sc *Scope) StageReader(r io.Reader, ext string) (*Handle, error) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil, ErrScopeClosed
	}
	sc.mu.Unlock()

	path := filepath.Join(sc.dir, uuid.NewString()+ext)
	f, err := sc.store.fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("stage file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sc.store.fs.Remove(path)
		return nil, fmt.Errorf("stage file: %w", err)
	}

	h := &Handle{scope: sc, path: path, ext: ext, size: n}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		_ = sc.store.fs.Remove(path)
		return nil, ErrScopeClosed
	}
	sc.handles = append(sc.handles, h)
	return h, nil
}

// Promote marks h as durably published. Promoted files are still released
// from disk on Close but are reported by Promoted rather than CleanedUp.
func (sc *Scope) Promote(h *Handle) error {
	if h == nil || h.scope != sc {
		return ErrForeignHandle
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return ErrScopeClosed
	}
	if sc.promoted == nil {
		sc.promoted = make(map[*Handle]bool)
	}
	sc.promoted[h] = true
	return nil
}

// Close removes every staged file and the scope directory. Failures are
// logged and never returned. Close is idempotent.
func (sc *Scope) Close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	handles := sc.handles
	sc.mu.Unlock()

	fs := sc.store.fs
	for _, h := range handles {
		if err := fs.Remove(h.path); err != nil && !os.IsNotExist(err) {
			sc.store.logger.Warn("Failed to remove staged file", "path", h.path, "error", err)
		}
		sc.mu.Lock()
		if sc.promoted[h] {
			sc.finalized = append(sc.finalized, h)
		} else {
			sc.cleaned = append(sc.cleaned, h)
		}
		sc.mu.Unlock()
	}
	if err := fs.RemoveAll(sc.dir); err != nil {
		sc.store.logger.Warn("Failed to remove staging scope", "dir", sc.dir, "error", err)
	}
}

// Promoted returns the handles that were promoted, once the scope is closed.
func (sc *Scope) Promoted() []*Handle {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]*Handle(nil), sc.finalized...)
}

// CleanedUp returns the handles that were discarded, once the scope is closed.
func (sc *Scope) CleanedUp() []*Handle {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]*Handle(nil), sc.cleaned...)
}

// Len returns the number of handles staged so far.
func (sc *Scope) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.handles)
}
