// Package tool defines the callable extensions an agent accumulates at
// runtime and the three forms they can take on disk: handlers bound from a
// static catalog, expression scripts, and opaque Go closures.
package tool

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotCallable is returned when invoking a tool that was restored without
// an executable body.
var ErrNotCallable = errors.New("tool not callable")

// Func is the executable body of a tool.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named, documented callable registered on an agent.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Schemaed is implemented by tools that can describe their arguments as a
// JSON schema for LLM function calling.
type Schemaed interface {
	Parameters() map[string]any
}

// Parameters returns the argument schema for t, or an empty object schema.
func Parameters(t Tool) map[string]any {
	if s, ok := t.(Schemaed); ok {
		if p := s.Parameters(); p != nil {
			return p
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// Callable reports whether t can be invoked.
func Callable(t Tool) bool {
	_, ok := t.(*Placeholder)
	return !ok
}

// FuncTool wraps a plain Go function. It has no durable form beyond its
// name and description.
type FuncTool struct {
	name        string
	description string
	fn          Func
}

// New creates a FuncTool.
func New(name, description string, fn Func) *FuncTool {
	return &FuncTool{name: name, description: description, fn: fn}
}

func (t *FuncTool) Name() string        { return t.name }
func (t *FuncTool) Description() string { return t.description }

func (t *FuncTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// Placeholder stands in for a tool whose body could not be restored. It is
// listed with its name and description but refuses to run.
type Placeholder struct {
	name        string
	description string
	reason      string
}

// NewPlaceholder creates a non-callable stand-in.
func NewPlaceholder(name, description, reason string) *Placeholder {
	return &Placeholder{name: name, description: description, reason: reason}
}

func (p *Placeholder) Name() string        { return p.name }
func (p *Placeholder) Description() string { return p.description }

// Reason explains why the tool body is unavailable.
func (p *Placeholder) Reason() string { return p.reason }

func (p *Placeholder) Call(context.Context, map[string]any) (any, error) {
	return nil, fmt.Errorf("%w: %s (%s)", ErrNotCallable, p.name, p.reason)
}
