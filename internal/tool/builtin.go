package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RegisterBuiltins adds the default handler kinds to a catalog.
func RegisterBuiltins(c *Catalog) {
	c.Register("constant", func(state map[string]any) (Func, error) {
		v, ok := state["value"]
		if !ok {
			return nil, fmt.Errorf("constant: missing value")
		}
		return func(context.Context, map[string]any) (any, error) {
			return v, nil
		}, nil
	})

	c.Register("linear", func(state map[string]any) (Func, error) {
		a, err := number(state, "a")
		if err != nil {
			return nil, fmt.Errorf("linear: %w", err)
		}
		b, err := number(state, "b")
		if err != nil {
			return nil, fmt.Errorf("linear: %w", err)
		}
		return func(_ context.Context, args map[string]any) (any, error) {
			x, err := number(args, "x")
			if err != nil {
				return nil, err
			}
			return a*x + b, nil
		}, nil
	})

	c.Register("lookup", func(state map[string]any) (Func, error) {
		table, ok := state["table"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("lookup: table must be a map")
		}
		return func(_ context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			v, ok := table[key]
			if !ok {
				return nil, fmt.Errorf("lookup: no entry for %q", key)
			}
			return v, nil
		}, nil
	})

	// template substitutes {name} placeholders with the matching argument.
	c.Register("template", func(state map[string]any) (Func, error) {
		tmpl, ok := state["template"].(string)
		if !ok {
			return nil, fmt.Errorf("template: template must be a string")
		}
		return func(_ context.Context, args map[string]any) (any, error) {
			keys := make([]string, 0, len(args))
			for k := range args {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys)*2)
			for _, k := range keys {
				pairs = append(pairs, "{"+k+"}", fmt.Sprint(args[k]))
			}
			return strings.NewReplacer(pairs...).Replace(tmpl), nil
		}, nil
	})

	c.Register("clock", func(state map[string]any) (Func, error) {
		layout, _ := state["layout"].(string)
		if layout == "" {
			layout = time.RFC3339
		}
		return func(context.Context, map[string]any) (any, error) {
			return time.Now().Format(layout), nil
		}, nil
	})
}

// number reads key from m as a float64, accepting the integer widths a
// decoder may produce.
func number(m map[string]any, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%q is %T, want a number", key, v)
	}
}
