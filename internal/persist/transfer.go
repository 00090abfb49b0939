package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/state"
)

// Export writes the current state through the codec. Payloads are always
// inline and the output of an unchanged agent is byte-identical across
// calls.
func (a *Agent) Export(w io.Writer) error {
	snap := a.State()
	for name, rec := range snap.Tools {
		rec.Blob = ""
		snap.Tools[name] = rec
	}
	if err := state.Encode(w, snap); err != nil {
		return fmt.Errorf("export %s: %w", a.identity, err)
	}
	return nil
}

// importStep is one delegate call and the record change it licenses.
type importStep struct {
	what   string
	change func() error
	record func(st *state.AgentState)
}

// Import reads an exported state and applies it. With merge unset the
// tools, data and software are replaced wholesale; with merge set they are
// unioned and incoming entries win on collision. The receiver keeps its own
// identity and config.
//
// Entries are applied one at a time. If the delegate rejects one, the
// entries already applied stay applied and are persisted before the error
// is returned.
func (a *Agent) Import(ctx context.Context, r io.Reader, merge bool) error {
	incoming, err := state.Decode(r)
	if err != nil {
		return fmt.Errorf("import into %s: %w", a.identity, err)
	}

	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if a.Retired() {
		return ErrRetired
	}
	a.touch()

	steps := a.planImport(ctx, a.State(), incoming, merge)

	var failure error
	applied := 0
	for _, s := range steps {
		if err := s.change(); err != nil {
			failure = fmt.Errorf("%w: %s: %w", ErrDelegate, s.what, err)
			break
		}
		a.mu.Lock()
		s.record(a.st)
		a.dirty = true
		a.mu.Unlock()
		applied++
	}

	a.logger.Info("imported agent state",
		zap.String("source", incoming.Identity),
		zap.Bool("merge", merge),
		zap.Int("applied", applied),
		zap.Int("planned", len(steps)),
		zap.Error(failure))

	if applied == 0 && !a.Dirty() {
		return failure
	}
	if err := a.persist(ctx); err != nil {
		return errors.Join(failure, err)
	}
	return failure
}

func (a *Agent) planImport(ctx context.Context, cur, in *state.AgentState, merge bool) []importStep {
	var steps []importStep

	if !merge {
		for _, name := range sortedKeys(cur.Tools) {
			if _, keep := in.Tools[name]; keep {
				continue
			}
			steps = append(steps, importStep{
				what:   "remove tool " + name,
				change: a.drop(entry{kindTool, name}, func() error { return a.delegate.RemoveTool(ctx, name) }),
				record: func(st *state.AgentState) { delete(st.Tools, name) },
			})
		}
		for _, path := range sortedKeys(cur.Data) {
			if _, keep := in.Data[path]; keep {
				continue
			}
			steps = append(steps, importStep{
				what:   "remove data " + path,
				change: a.drop(entry{kindData, path}, func() error { return a.delegate.RemoveData(ctx, path) }),
				record: func(st *state.AgentState) { delete(st.Data, path) },
			})
		}
		for _, spec := range sortedKeys(cur.Software) {
			if _, keep := in.Software[spec]; keep {
				continue
			}
			steps = append(steps, importStep{
				what:   "remove software " + spec,
				change: a.drop(entry{kindSoftware, spec}, func() error { return a.delegate.RemoveSoftware(ctx, spec) }),
				record: func(st *state.AgentState) { delete(st.Software, spec) },
			})
		}
	}

	for _, name := range sortedKeys(in.Tools) {
		rec := in.Tools[name]
		rec.Name = name
		rec.Blob = ""
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = a.now().UTC()
		}
		steps = append(steps, importStep{
			what: "add tool " + name,
			change: a.add(entry{kindTool, name}, func() error {
				t, err := a.serializer.Decode(rec)
				if err != nil {
					a.logger.Warn("imported tool restored as placeholder", zap.String("tool", name), zap.Error(err))
				}
				return a.delegate.AddTool(ctx, t)
			}),
			record: func(st *state.AgentState) { st.Tools[name] = rec },
		})
	}
	for _, path := range sortedKeys(in.Data) {
		rec := in.Data[path]
		rec.Path = path
		steps = append(steps, importStep{
			what:   "add data " + path,
			change: a.add(entry{kindData, path}, func() error { return a.delegate.AddData(ctx, rec.Path, rec.Description) }),
			record: func(st *state.AgentState) { st.Data[path] = rec },
		})
	}
	for _, spec := range sortedKeys(in.Software) {
		rec := in.Software[spec]
		rec.Spec = spec
		steps = append(steps, importStep{
			what: "add software " + spec,
			change: a.add(entry{kindSoftware, spec}, func() error {
				_, err := a.delegate.AddSoftware(ctx, rec.Spec, rec.Description, false)
				return err
			}),
			record: func(st *state.AgentState) { st.Software[spec] = rec },
		})
	}
	return steps
}

// Summary is a read-only overview of an agent.
type Summary struct {
	Identity string            `json:"identity"`
	Config   state.Config      `json:"config"`
	Tools    []string          `json:"tools"`
	Data     []string          `json:"data"`
	Software []string          `json:"software"`
	Resident bool              `json:"resident"`
	Dirty    bool              `json:"dirty"`
	SavedAt  time.Time         `json:"saved_at"`
	LastUsed time.Time         `json:"last_used,omitempty"`
	// Rejected lists records kept in the state that the delegate refused
	// at load time, as "kind:key" -> reason.
	Rejected map[string]string `json:"rejected,omitempty"`
}

// Summarize builds a summary straight from a stored state.
func Summarize(st *state.AgentState) Summary {
	return Summary{
		Identity: st.Identity,
		Config:   st.Config.Clone(),
		Tools:    sortedKeys(st.Tools),
		Data:     sortedKeys(st.Data),
		Software: sortedKeys(st.Software),
		SavedAt:  st.SavedAt,
	}
}

// Summary describes the resident agent.
func (a *Agent) Summary() Summary {
	a.mu.RLock()
	s := Summarize(a.st)
	s.Dirty = a.dirty
	for e, err := range a.rejected {
		if s.Rejected == nil {
			s.Rejected = make(map[string]string, len(a.rejected))
		}
		s.Rejected[e.kind+":"+e.key] = err.Error()
	}
	a.mu.RUnlock()
	s.Resident = true
	s.LastUsed = a.LastUsed()
	return s
}
