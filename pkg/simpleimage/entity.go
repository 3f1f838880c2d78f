package simpleimage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EntityKind identifies the kind of content that owns images.
type EntityKind string

// Known entity kinds. The stored value is the plain string, so new kinds can
// be registered without migrating existing link records.
const (
	EntityKindGuide   EntityKind = "guides"
	EntityKindProduct EntityKind = "products"
)

var (
	kindsMu sync.RWMutex
	kinds   = map[EntityKind]struct{}{
		EntityKindGuide:   {},
		EntityKindProduct: {},
	}
)

// RegisterEntityKind adds a kind to the set accepted by ParseEntityRef.
func RegisterEntityKind(kind EntityKind) error {
	if err := validateKindName(string(kind)); err != nil {
		return err
	}
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = struct{}{}
	return nil
}

// EntityKinds returns the registered kinds in lexical order.
func EntityKinds() []EntityKind {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]EntityKind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether the kind has been registered.
func (k EntityKind) Known() bool {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	_, ok := kinds[k]
	return ok
}

// EntityRef identifies one owning entity: a registered kind plus an id that is
// opaque within that kind.
type EntityRef struct {
	Kind EntityKind `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

// Guide returns a reference to the guide with the given id.
func Guide(id string) EntityRef {
	return EntityRef{Kind: EntityKindGuide, ID: id}
}

// Product returns a reference to the product with the given id.
func Product(id string) EntityRef {
	return EntityRef{Kind: EntityKindProduct, ID: id}
}

// ParseEntityRef validates kind and id and returns the reference.
func ParseEntityRef(kind, id string) (EntityRef, error) {
	ref := EntityRef{Kind: EntityKind(strings.TrimSpace(kind)), ID: strings.TrimSpace(id)}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}

// ParseEntityPath parses the "kind/id" form produced by EntityRef.String.
func ParseEntityPath(path string) (EntityRef, error) {
	kind, id, ok := strings.Cut(path, "/")
	if !ok {
		return EntityRef{}, &ValidationError{Field: "entity", Reason: fmt.Sprintf("expected kind/id, got %q", path)}
	}
	return ParseEntityRef(kind, id)
}

// Validate checks that the kind is registered and the id is present.
func (r EntityRef) Validate() error {
	if r.Kind == "" {
		return &ValidationError{Field: "entity_type", Reason: "is required"}
	}
	if !r.Kind.Known() {
		return &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("%q is not registered", r.Kind), Err: ErrUnknownEntityKind}
	}
	if r.ID == "" {
		return &ValidationError{Field: "entity_id", Reason: "is required"}
	}
	return nil
}

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// String returns "kind/id". It doubles as the per-entity lock key.
func (r EntityRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

func validateKindName(name string) error {
	if name == "" {
		return &ValidationError{Field: "entity_type", Reason: "is required"}
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("invalid character %q in %q", c, name)}
		}
	}
	return nil
}
