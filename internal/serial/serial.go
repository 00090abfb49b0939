// Package serial converts tools to and from their durable records.
//
// Encoding tries each form in order and keeps the first that works:
//
//  1. binary: the tool was bound from a catalog handler; the payload is the
//     CBOR encoding of the handler kind and its bound state.
//  2. source: the tool carries a script; the payload is the script text,
//     recompiled on decode.
//  3. metadata_only: nothing executable survives; only name and doc do.
//
// Decoding never drops a record. A payload that cannot be rebuilt comes back
// as a non-callable placeholder together with an ErrSerialization error.
package serial

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/state"
	"github.com/nidhogg/agentvault/internal/tool"
)

// ErrSerialization marks a tool whose payload could not be rebuilt.
var ErrSerialization = errors.New("serialization failed")

// Binder is implemented by tools rebuilt from a catalog kind and state.
type Binder interface {
	Kind() string
	State() map[string]any
}

type binaryPayload struct {
	Kind   string         `cbor:"kind"`
	State  map[string]any `cbor:"state"`
	Params map[string]any `cbor:"params,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("serial: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("serial: CBOR decoder initialization failed: " + err.Error())
	}
}

// Engine encodes and decodes tool records against one catalog.
type Engine struct {
	catalog *tool.Catalog
	now     func() time.Time
	logger  *zap.Logger
}

// NewEngine creates an Engine. A nil catalog disables the binary form.
func NewEngine(catalog *tool.Catalog, logger *zap.Logger) *Engine {
	if catalog == nil {
		catalog = tool.NewCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{catalog: catalog, now: time.Now, logger: logger}
}

// Catalog returns the handler catalog used for binary records.
func (e *Engine) Catalog() *tool.Catalog { return e.catalog }

// Encode produces the durable record for t. It never fails; when no
// executable form can be captured the record is metadata only.
func (e *Engine) Encode(t tool.Tool) state.ToolRecord {
	rec := state.ToolRecord{
		Name:      t.Name(),
		Doc:       t.Description(),
		CreatedAt: e.now().UTC(),
	}

	if b, ok := t.(Binder); ok {
		payload, err := e.encodeBinary(t, b)
		if err == nil {
			rec.Method = state.MethodBinary
			rec.Payload = payload
			return rec
		}
		e.logger.Warn("binary encoding failed, trying source",
			zap.String("tool", rec.Name),
			zap.Error(err),
		)
	}

	if s, ok := t.(tool.Sourced); ok {
		payload, err := encMode.Marshal(s.Source())
		if err == nil {
			rec.Method = state.MethodSource
			rec.Payload = payload
			return rec
		}
		e.logger.Warn("source encoding failed, keeping metadata only",
			zap.String("tool", rec.Name),
			zap.Error(err),
		)
	}

	if p, ok := t.(*tool.Placeholder); ok {
		e.logger.Debug("re-encoding placeholder", zap.String("tool", rec.Name), zap.String("reason", p.Reason()))
	} else {
		e.logger.Info("tool has no durable form, keeping metadata only", zap.String("tool", rec.Name))
	}
	rec.Method = state.MethodMetadata
	return rec
}

func (e *Engine) encodeBinary(t tool.Tool, b Binder) ([]byte, error) {
	kind := b.Kind()
	if _, ok := e.catalog.Lookup(kind); !ok {
		return nil, fmt.Errorf("handler kind %q not registered", kind)
	}
	p := binaryPayload{Kind: kind, State: b.State()}
	if s, ok := t.(tool.Schemaed); ok {
		p.Params = s.Parameters()
	}
	return encMode.Marshal(p)
}

// Decode rebuilds a tool from rec. The returned tool is never nil.
func (e *Engine) Decode(rec state.ToolRecord) (tool.Tool, error) {
	switch rec.Method {
	case state.MethodBinary:
		t, err := e.decodeBinary(rec)
		if err != nil {
			return e.placeholder(rec, err)
		}
		return t, nil

	case state.MethodSource:
		var s tool.Script
		if err := decMode.Unmarshal(rec.Payload, &s); err != nil {
			return e.placeholder(rec, fmt.Errorf("decode script: %w", err))
		}
		t, err := tool.NewScript(rec.Name, rec.Doc, s.Params, s.Expr)
		if err != nil {
			return e.placeholder(rec, err)
		}
		return t, nil

	case state.MethodMetadata:
		return tool.NewPlaceholder(rec.Name, rec.Doc, "no executable form was saved"), nil

	default:
		return e.placeholder(rec, fmt.Errorf("unknown method %q", rec.Method))
	}
}

func (e *Engine) decodeBinary(rec state.ToolRecord) (tool.Tool, error) {
	if len(rec.Payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var p binaryPayload
	if err := decMode.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	b, err := e.catalog.Bind(rec.Name, rec.Doc, p.Kind, p.State)
	if err != nil {
		return nil, err
	}
	if p.Params != nil {
		b.WithParameters(p.Params)
	}
	return b, nil
}

func (e *Engine) placeholder(rec state.ToolRecord, cause error) (tool.Tool, error) {
	err := fmt.Errorf("%w: tool %s (%s): %v", ErrSerialization, rec.Name, rec.Method, cause)
	e.logger.Warn("tool restored without body",
		zap.String("tool", rec.Name),
		zap.String("method", string(rec.Method)),
		zap.Error(cause),
	)
	return tool.NewPlaceholder(rec.Name, rec.Doc, cause.Error()), err
}
