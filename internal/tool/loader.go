package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// toolNameRe matches names accepted as model function names.
var toolNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// scriptFile is the on-disk shape of a script tool definition.
type scriptFile struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params"`
	Expr        string   `json:"expr"`
}

func (f *scriptFile) validate() error {
	if !toolNameRe.MatchString(f.Name) {
		return fmt.Errorf("invalid tool name %q", f.Name)
	}
	if strings.TrimSpace(f.Expr) == "" {
		return errors.New("expr is empty")
	}
	seen := make(map[string]bool, len(f.Params))
	for _, p := range f.Params {
		if seen[p] {
			return fmt.Errorf("parameter %q listed twice", p)
		}
		seen[p] = true
	}
	return nil
}

// LoadScripts compiles the script tools under dir, one per subdirectory
// holding a tool.json. A doc.md next to it replaces the description.
// Subdirectories without tool.json, and names starting with a dot, are
// skipped. A missing dir yields no tools.
//
// Every definition is checked before any is returned: all problems are
// reported together, and two definitions may not share a name. Tools come
// back sorted by name.
func LoadScripts(dir string) ([]*ScriptTool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tool directory %s: %w", dir, err)
	}

	var (
		tools []*ScriptTool
		errs  []error
		from  = make(map[string]string)
	)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		t, err := loadScript(sub)
		if err != nil {
			errs = append(errs, fmt.Errorf("tool %s: %w", entry.Name(), err))
			continue
		}
		if t == nil {
			continue
		}
		if prev, dup := from[t.Name()]; dup {
			errs = append(errs, fmt.Errorf("tool %s: name %q already defined in %s", entry.Name(), t.Name(), prev))
			continue
		}
		from[t.Name()] = entry.Name()
		tools = append(tools, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools, nil
}

// loadScript returns nil, nil when dir has no tool.json.
func loadScript(dir string) (*ScriptTool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tool.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var f scriptFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse tool.json: %w", err)
	}
	if f.Name == "" {
		f.Name = filepath.Base(dir)
	}
	if doc, err := os.ReadFile(filepath.Join(dir, "doc.md")); err == nil {
		f.Description = strings.TrimSpace(string(doc))
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return NewScript(f.Name, f.Description, f.Params, f.Expr)
}
