package tool

import (
	"context"
	"fmt"
	"math"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Script is the source form of a tool: named parameters and an expression
// over them.
type Script struct {
	Params []string `json:"params" cbor:"params"`
	Expr   string   `json:"expr" cbor:"expr"`
}

// Sourced is implemented by tools that can hand back their source text.
type Sourced interface {
	Source() Script
}

var paramNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// helpers are the only names visible to a script besides its parameters.
var helpers = map[string]any{
	"sqrt": math.Sqrt,
	"pow":  math.Pow,
	"log":  math.Log,
	"exp":  math.Exp,
	"pi":   math.Pi,
}

// ScriptTool evaluates an expression in an environment holding only its
// declared parameters and the math helpers.
type ScriptTool struct {
	name        string
	description string
	script      Script
	program     *vm.Program
}

// Compile checks and compiles a script.
func Compile(s Script) (*vm.Program, error) {
	env := make(map[string]any, len(helpers)+len(s.Params))
	for k, v := range helpers {
		env[k] = v
	}
	for _, p := range s.Params {
		if !paramNameRe.MatchString(p) {
			return nil, fmt.Errorf("invalid parameter name %q", p)
		}
		if _, clash := helpers[p]; clash {
			return nil, fmt.Errorf("parameter %q shadows a builtin", p)
		}
		env[p] = nil
	}
	program, err := expr.Compile(s.Expr, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	return program, nil
}

// NewScript compiles expression over params and returns the tool.
func NewScript(name, description string, params []string, expression string) (*ScriptTool, error) {
	s := Script{Params: append([]string(nil), params...), Expr: expression}
	program, err := Compile(s)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	return &ScriptTool{name: name, description: description, script: s, program: program}, nil
}

func (t *ScriptTool) Name() string        { return t.name }
func (t *ScriptTool) Description() string { return t.description }

// Source returns a copy of the script.
func (t *ScriptTool) Source() Script {
	return Script{Params: append([]string(nil), t.script.Params...), Expr: t.script.Expr}
}

func (t *ScriptTool) Parameters() map[string]any {
	props := make(map[string]any, len(t.script.Params))
	for _, p := range t.script.Params {
		props[p] = map[string]any{"type": "number"}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   append([]string(nil), t.script.Params...),
	}
}

func (t *ScriptTool) Call(_ context.Context, args map[string]any) (any, error) {
	env := make(map[string]any, len(helpers)+len(t.script.Params))
	for k, v := range helpers {
		env[k] = v
	}
	for _, p := range t.script.Params {
		v, ok := args[p]
		if !ok {
			return nil, fmt.Errorf("tool %s: missing argument %q", t.name, p)
		}
		env[p] = v
	}
	out, err := expr.Run(t.program, env)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", t.name, err)
	}
	return out, nil
}
