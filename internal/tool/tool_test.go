package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScriptToolCall(t *testing.T) {
	sq, err := NewScript("square", "squares a number", []string{"x"}, "x * x")
	if err != nil {
		t.Fatalf("NewScript: %v", err)
	}
	out, err := sq.Call(context.Background(), map[string]any{"x": 5})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != 25 {
		t.Fatalf("square(5) = %v, want 25", out)
	}

	if _, err := sq.Call(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing argument")
	}
}

func TestScriptRejectsUnknownNames(t *testing.T) {
	if _, err := NewScript("bad", "", []string{"x"}, "x * y"); err == nil {
		t.Fatal("expected compile error for undeclared name")
	}
	if _, err := NewScript("bad", "", []string{"sqrt"}, "sqrt"); err == nil {
		t.Fatal("expected error for parameter shadowing a helper")
	}
	if _, err := NewScript("bad", "", []string{"a-b"}, "1"); err == nil {
		t.Fatal("expected error for invalid parameter name")
	}
}

func TestScriptHelpers(t *testing.T) {
	hyp, err := NewScript("hyp", "", []string{"a", "b"}, "sqrt(a*a + b*b)")
	if err != nil {
		t.Fatalf("NewScript: %v", err)
	}
	out, err := hyp.Call(context.Background(), map[string]any{"a": 3.0, "b": 4.0})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != 5.0 {
		t.Fatalf("hyp(3,4) = %v, want 5", out)
	}
}

func TestCatalogBind(t *testing.T) {
	c := NewCatalog()
	RegisterBuiltins(c)

	lin, err := c.Bind("double_plus_one", "2x+1", "linear", map[string]any{"a": 2.0, "b": 1})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	out, err := lin.Call(context.Background(), map[string]any{"x": 100})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != 201.0 {
		t.Fatalf("linear(100) = %v, want 201", out)
	}
	if lin.Kind() != "linear" {
		t.Errorf("Kind() = %q", lin.Kind())
	}

	if _, err := c.Bind("x", "", "missing", nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := c.Bind("x", "", "linear", map[string]any{"a": "one"}); err == nil {
		t.Fatal("expected error for bad state")
	}
}

func TestTemplateAndLookup(t *testing.T) {
	c := NewCatalog()
	RegisterBuiltins(c)

	greet, err := c.Bind("greet", "", "template", map[string]any{"template": "hello {who}"})
	if err != nil {
		t.Fatalf("Bind template: %v", err)
	}
	out, _ := greet.Call(context.Background(), map[string]any{"who": "lab"})
	if out != "hello lab" {
		t.Errorf("template = %v", out)
	}

	genes, err := c.Bind("gene", "", "lookup", map[string]any{"table": map[string]any{"TP53": "tumor suppressor"}})
	if err != nil {
		t.Fatalf("Bind lookup: %v", err)
	}
	out, err = genes.Call(context.Background(), map[string]any{"key": "TP53"})
	if err != nil || out != "tumor suppressor" {
		t.Errorf("lookup = %v, %v", out, err)
	}
	if _, err := genes.Call(context.Background(), map[string]any{"key": "BRCA9"}); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestPlaceholderNotCallable(t *testing.T) {
	p := NewPlaceholder("ghost", "was a closure", "no durable form")
	if Callable(p) {
		t.Fatal("placeholder reported callable")
	}
	_, err := p.Call(context.Background(), nil)
	if !errors.Is(err, ErrNotCallable) {
		t.Fatalf("err = %v, want ErrNotCallable", err)
	}
	if !Callable(New("f", "", nil)) {
		t.Fatal("FuncTool reported not callable")
	}
}

func TestLoadScripts(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "square")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "tool.json"), []byte(`{"params":["x"],"expr":"x * x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "doc.md"), []byte("squares a number\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Directories without tool.json are skipped.
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	tools, err := LoadScripts(dir)
	if err != nil {
		t.Fatalf("LoadScripts: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	if tools[0].Name() != "square" || tools[0].Description() != "squares a number" {
		t.Errorf("got %q / %q", tools[0].Name(), tools[0].Description())
	}

	none, err := LoadScripts(filepath.Join(dir, "nope"))
	if err != nil || len(none) != 0 {
		t.Fatalf("missing dir: %v, %d tools", err, len(none))
	}
}

func TestLoadScriptsReportsEveryBadDefinition(t *testing.T) {
	dir := t.TempDir()
	write := func(sub, body string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, sub, "tool.json"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("a", `{"name":"twice","params":["x"],"expr":"x"}`)
	write("b", `{"name":"twice","params":["x"],"expr":"x + 1"}`)
	write("blank", `{"params":["x"],"expr":"  "}`)
	write("repeat", `{"params":["x","x"],"expr":"x"}`)
	write("bad name", `{"params":[],"expr":"1"}`)
	write("typo", `{"params":["x"],"exp":"x"}`)
	write(".hidden", `not json`)

	tools, err := LoadScripts(dir)
	if err == nil {
		t.Fatalf("expected errors, got %d tools", len(tools))
	}
	for _, want := range []string{`already defined in a`, "expr is empty", `"x" listed twice`, `invalid tool name "bad name"`, "typo"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if strings.Contains(err.Error(), "hidden") {
		t.Errorf("hidden directory was read: %v", err)
	}
}

func TestLoadScriptsSortsByName(t *testing.T) {
	dir := t.TempDir()
	for sub, name := range map[string]string{"one": "zeta", "two": "alpha"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
		body := `{"name":"` + name + `","params":["x"],"expr":"x"}`
		if err := os.WriteFile(filepath.Join(dir, sub, "tool.json"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tools, err := LoadScripts(dir)
	if err != nil {
		t.Fatalf("LoadScripts: %v", err)
	}
	if len(tools) != 2 || tools[0].Name() != "alpha" || tools[1].Name() != "zeta" {
		t.Fatalf("unexpected order: %v", tools)
	}
}
