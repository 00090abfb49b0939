package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func vaultctl(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("vaultctl %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func writeScript(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tool.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	tools := t.TempDir()
	writeScript(t, tools, "square", `{"name":"square","description":"squares a number","params":["x"],"expr":"x * x"}`)

	vaultctl(t, "--dir", dir, "create", "r1")
	if out := vaultctl(t, "--dir", dir, "add-tools", "r1", tools); !strings.Contains(out, "added square") {
		t.Fatalf("add-tools output = %q", out)
	}

	exported := filepath.Join(t.TempDir(), "r1.json")
	vaultctl(t, "--dir", dir, "export", "r1", "-o", exported)
	vaultctl(t, "--dir", dir, "import", "r2", exported)

	out := vaultctl(t, "--dir", dir, "summary", "r2")
	if !strings.Contains(out, "tools:    square") {
		t.Errorf("summary = %q", out)
	}

	vaultctl(t, "--dir", dir, "clone", "r2", "r3")
	if out := vaultctl(t, "--dir", dir, "list"); out != "r1\nr2\nr3\n" {
		t.Errorf("list = %q", out)
	}

	vaultctl(t, "--dir", dir, "delete", "r3", "--keep-files")
	vaultctl(t, "--dir", dir, "delete", "r2")
	if out := vaultctl(t, "--dir", dir, "list"); out != "r1\nr3\n" {
		t.Errorf("list after delete = %q", out)
	}
}

func TestExportToStdout(t *testing.T) {
	dir := t.TempDir()
	vaultctl(t, "--dir", dir, "create", "r1")
	out := vaultctl(t, "--dir", dir, "export", "r1")
	if !strings.Contains(out, `"identity": "r1"`) {
		t.Errorf("export = %q", out)
	}
}

func TestSweepRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	vaultctl(t, "--dir", dir, "create", "r1")
	tmp := filepath.Join(dir, "states", ".r1.json.tmp-123")
	if err := os.WriteFile(tmp, []byte("{partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	if out := vaultctl(t, "--dir", dir, "sweep"); out != "removed 1 temporary files\n" {
		t.Errorf("sweep = %q", out)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("temp file still present")
	}
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	tests := [][]string{
		{"--dir", dir, "summary", "ghost"},
		{"--dir", dir, "export", "ghost"},
		{"--dir", dir, "delete", "ghost"},
		{"--dir", dir, "clone", "ghost", "r2"},
		{"--dir", dir, "create"},
		{"--dir", dir, "frobnicate"},
	}
	for _, args := range tests {
		if err := run(context.Background(), args, &bytes.Buffer{}); err == nil {
			t.Errorf("vaultctl %s: expected error", strings.Join(args, " "))
		}
	}
}

func TestHelp(t *testing.T) {
	out := vaultctl(t, "--help")
	if !strings.Contains(out, "add-tools <id> <dir>") {
		t.Errorf("help = %q", out)
	}
}
