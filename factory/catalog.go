package factory

import (
	"fmt"

	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/sol"
	"github.com/kotize/savings-engine/tikane"
)

// Catalog is an ordered, read-only set of products keyed by ID.
type Catalog struct {
	products []*Product
	byID     map[string]*Product
}

// NewCatalog parses every definition. IDs must be unique.
func NewCatalog(definitions ...string) (*Catalog, error) {
	f := NewProductFactory()
	c := &Catalog{byID: make(map[string]*Product, len(definitions))}
	for _, def := range definitions {
		p, err := f.ParseProduct(def)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, &generic.ValidationError{Field: "id", Reason: fmt.Sprintf("product %q defined twice", p.ID)}
		}
		c.products = append(c.products, p)
		c.byID[p.ID] = p
	}
	return c, nil
}

// DefaultCatalog holds the SOL and Ti Kanè presets.
func DefaultCatalog() (*Catalog, error) {
	return NewCatalog(append(sol.Presets(), tikane.Presets()...)...)
}

func (c *Catalog) Get(id string) (*Product, error) {
	p, ok := c.byID[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "product", ID: id}
	}
	return p, nil
}

// List returns the products of kind, or all of them when kind is empty.
func (c *Catalog) List(kind generic.AccountKind) []*Product {
	out := make([]*Product, 0, len(c.products))
	for _, p := range c.products {
		if kind == "" || p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}
