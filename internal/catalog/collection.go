package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateProductID is returned when two definitions share an id.
	ErrDuplicateProductID = errors.New("duplicate product id")

	// ErrEmptyProductID is returned when a definition has no id.
	ErrEmptyProductID = errors.New("empty product id")
)

// ValidateDefinitions checks configured definitions before a Collection is built.
//
// Ids must be non-empty and unique. An empty store-specific id is allowed; such
// a product is only reachable by id.
func ValidateDefinitions(defs []ProductDefinition) error {
	seen := make(map[string]int, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("product[%d]: %w", i, ErrEmptyProductID)
		}
		if first, ok := seen[d.ID]; ok {
			return fmt.Errorf("product[%d] %q (first at [%d]): %w", i, d.ID, first, ErrDuplicateProductID)
		}
		seen[d.ID] = i
	}
	return nil
}

// Collection owns the Products of one session.
//
// INVARIANTS:
//   - the product slice and both indices are built once and never resized
//   - every product is reachable by exactly one id in each index
//     (an empty store-specific id maps to no entry)
type Collection struct {
	all             []*Product
	byID            map[string]*Product
	byStoreSpecific map[string]*Product
}

// NewCollection builds a collection from validated definitions.
//
// The definitions slice is copied; each Product references its own copy of
// the definition so callers cannot mutate identity after construction.
// Duplicate ids must be rejected by ValidateDefinitions beforehand; if they
// slip through, the first definition wins in the index.
func NewCollection(defs []ProductDefinition) *Collection {
	owned := make([]ProductDefinition, len(defs))
	copy(owned, defs)

	c := &Collection{
		all:             make([]*Product, 0, len(owned)),
		byID:            make(map[string]*Product, len(owned)),
		byStoreSpecific: make(map[string]*Product, len(owned)),
	}

	for i := range owned {
		def := &owned[i]
		if _, dup := c.byID[def.ID]; dup {
			continue
		}
		p := NewProduct(def)
		c.all = append(c.all, p)
		c.byID[def.ID] = p
		if def.StoreSpecificID != "" {
			if _, dup := c.byStoreSpecific[def.StoreSpecificID]; !dup {
				c.byStoreSpecific[def.StoreSpecificID] = p
			}
		}
	}

	return c
}

// WithID returns the product with the given store-independent id, or nil.
func (c *Collection) WithID(id string) *Product {
	return c.byID[id]
}

// WithStoreSpecificID returns the product with the given store-specific id, or nil.
func (c *Collection) WithStoreSpecificID(id string) *Product {
	if id == "" {
		return nil
	}
	return c.byStoreSpecific[id]
}

// Contains reports whether p is owned by this collection.
// Synthesized products for unknown store ids are not.
func (c *Collection) Contains(p *Product) bool {
	if p == nil || p.Definition == nil {
		return false
	}
	return c.byID[p.Definition.ID] == p
}

// All returns the products in configuration order.
// The returned slice must not be modified.
func (c *Collection) All() []*Product {
	return c.all
}

// Definitions returns the definitions in configuration order.
func (c *Collection) Definitions() []ProductDefinition {
	defs := make([]ProductDefinition, len(c.all))
	for i, p := range c.all {
		defs[i] = *p.Definition
	}
	return defs
}

// Len returns the number of products.
func (c *Collection) Len() int {
	return len(c.all)
}
