// Package state holds the durable representation of one agent: its tool
// records, data pointers, software references and creation-time config,
// together with the codec and stores that persist it.
package state

import (
	"context"
	"errors"
	"time"
)

// SchemaVersion is the document version written by this package.
const SchemaVersion = 1

// Method tags how a tool payload was produced and therefore how it decodes.
type Method string

const (
	MethodBinary   Method = "binary"
	MethodSource   Method = "source"
	MethodMetadata Method = "metadata_only"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodBinary, MethodSource, MethodMetadata:
		return true
	}
	return false
}

// ToolRecord is the durable form of one tool. Exactly one of Payload and
// Blob is set for binary and source records once persisted; Blob points at
// spilled payload bytes held alongside the document.
type ToolRecord struct {
	Name      string    `json:"name"`
	Doc       string    `json:"doc"`
	Method    Method    `json:"method"`
	Payload   []byte    `json:"payload,omitempty"`
	Blob      string    `json:"blob,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DataRecord points at a dataset; it never embeds the data itself.
type DataRecord struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

// SoftwareRecord references a package by ecosystem-prefixed specifier.
type SoftwareRecord struct {
	Spec        string `json:"spec"`
	Description string `json:"description"`
	Installed   bool   `json:"installed"`
}

// Config holds the parameters fixed when an agent is created.
// TimeoutSeconds bounds each Run; DataPath and Flags are recorded for the
// caller and not interpreted here.
type Config struct {
	Model          string          `json:"model" toml:"model"`
	DataPath       string          `json:"data_path,omitempty" toml:"data_path"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty" toml:"timeout_seconds"`
	Flags          map[string]bool `json:"flags,omitempty" toml:"flags"`
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	if c.Flags != nil {
		out.Flags = make(map[string]bool, len(c.Flags))
		for k, v := range c.Flags {
			out.Flags[k] = v
		}
	}
	return out
}

// AgentState is the complete persisted state of one agent.
type AgentState struct {
	Identity string                    `json:"identity"`
	Version  int                       `json:"version"`
	Config   Config                    `json:"config"`
	Tools    map[string]ToolRecord     `json:"tools"`
	Data     map[string]DataRecord     `json:"data"`
	Software map[string]SoftwareRecord `json:"software"`
	SavedAt  time.Time                 `json:"saved_at"`
}

// New returns an empty state for identity.
func New(identity string, cfg Config) *AgentState {
	return &AgentState{
		Identity: identity,
		Version:  SchemaVersion,
		Config:   cfg.Clone(),
		Tools:    make(map[string]ToolRecord),
		Data:     make(map[string]DataRecord),
		Software: make(map[string]SoftwareRecord),
	}
}

// Clone returns a deep copy; payload bytes are copied so the two states can
// diverge freely.
func (s *AgentState) Clone() *AgentState {
	out := &AgentState{
		Identity: s.Identity,
		Version:  s.Version,
		Config:   s.Config.Clone(),
		Tools:    make(map[string]ToolRecord, len(s.Tools)),
		Data:     make(map[string]DataRecord, len(s.Data)),
		Software: make(map[string]SoftwareRecord, len(s.Software)),
		SavedAt:  s.SavedAt,
	}
	for k, v := range s.Tools {
		if v.Payload != nil {
			v.Payload = append([]byte(nil), v.Payload...)
		}
		out.Tools[k] = v
	}
	for k, v := range s.Data {
		out.Data[k] = v
	}
	for k, v := range s.Software {
		out.Software[k] = v
	}
	return out
}

// normalize fills nil maps so decoded documents behave like fresh ones.
func (s *AgentState) normalize() {
	if s.Tools == nil {
		s.Tools = make(map[string]ToolRecord)
	}
	if s.Data == nil {
		s.Data = make(map[string]DataRecord)
	}
	if s.Software == nil {
		s.Software = make(map[string]SoftwareRecord)
	}
	for name, rec := range s.Tools {
		if rec.Name == "" {
			rec.Name = name
			s.Tools[name] = rec
		}
	}
	for path, rec := range s.Data {
		if rec.Path == "" {
			rec.Path = path
			s.Data[path] = rec
		}
	}
	for spec, rec := range s.Software {
		if rec.Spec == "" {
			rec.Spec = spec
			s.Software[spec] = rec
		}
	}
}

// Store persists agent states keyed by identity.
type Store interface {
	// Save atomically replaces the stored state and stamps SavedAt.
	Save(ctx context.Context, s *AgentState) error
	// Load returns ErrNotFound when nothing is stored and ErrCorrupt when
	// the stored document cannot be trusted.
	Load(ctx context.Context, identity string) (*AgentState, error)
	// Delete removes the stored state. Deleting a missing identity is not an
	// error.
	Delete(ctx context.Context, identity string) error
	// List returns the persisted identities in sorted order.
	List(ctx context.Context) ([]string, error)
}

// Exister is implemented by stores that can check for a document without
// reading it.
type Exister interface {
	Exists(ctx context.Context, identity string) (bool, error)
}

// Exists reports whether store holds a state for identity. Stores without
// an Exists method are probed with Load, where a corrupt document counts as
// absent.
func Exists(ctx context.Context, store Store, identity string) (bool, error) {
	if e, ok := store.(Exister); ok {
		return e.Exists(ctx, identity)
	}
	_, err := store.Load(ctx, identity)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt):
		return false, nil
	default:
		return false, err
	}
}
