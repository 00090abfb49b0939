package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler builds a tool body from bound state. Handlers are registered at
// startup under a stable kind name so bound tools can be rebuilt after a
// restart.
type Handler func(state map[string]any) (Func, error)

// Catalog holds the statically registered handlers.
// All operations are thread-safe.
type Catalog struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{handlers: make(map[string]Handler)}
}

// Register adds a handler under kind, replacing any previous one.
func (c *Catalog) Register(kind string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// Lookup returns the handler registered under kind.
func (c *Catalog) Lookup(kind string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds in sorted order.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Bind builds a tool from the handler registered under kind.
func (c *Catalog) Bind(name, description, kind string, state map[string]any) (*Bound, error) {
	h, ok := c.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("unknown handler kind: %s", kind)
	}
	fn, err := h(state)
	if err != nil {
		return nil, fmt.Errorf("bind %s as %s: %w", name, kind, err)
	}
	return &Bound{name: name, description: description, kind: kind, state: state, fn: fn}, nil
}

// Bound is a tool produced by a catalog handler. Its kind and state are
// enough to rebuild it in another process with the same catalog.
type Bound struct {
	name        string
	description string
	kind        string
	state       map[string]any
	fn          Func
	params      map[string]any
}

func (b *Bound) Name() string        { return b.name }
func (b *Bound) Description() string { return b.description }

// Kind returns the catalog handler kind.
func (b *Bound) Kind() string { return b.kind }

// State returns the bound state.
func (b *Bound) State() map[string]any { return b.state }

// WithParameters attaches an argument schema and returns b.
func (b *Bound) WithParameters(p map[string]any) *Bound {
	b.params = p
	return b
}

func (b *Bound) Parameters() map[string]any { return b.params }

func (b *Bound) Call(ctx context.Context, args map[string]any) (any, error) {
	return b.fn(ctx, args)
}
