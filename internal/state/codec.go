package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Marshal encodes s as indented JSON. Map keys are emitted in sorted order,
// so an unchanged state always produces the same bytes.
func Marshal(s *AgentState) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal agent state %s: %w", s.Identity, err)
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes a state document. Any parse failure, a missing identity
// or a schema version other than SchemaVersion is reported as ErrCorrupt.
func Unmarshal(data []byte) (*AgentState, error) {
	var s AgentState
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrCorrupt)
	}
	if s.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, s.Version)
	}
	if s.Identity == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrCorrupt)
	}
	s.normalize()
	return &s, nil
}

// Encode writes s to w.
func Encode(w io.Writer, s *AgentState) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decode reads one state document from r.
func Decode(r io.Reader) (*AgentState, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read agent state: %w", err)
	}
	return Unmarshal(data)
}
