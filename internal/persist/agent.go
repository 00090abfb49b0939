// Package persist wraps an agent delegate so that every confirmed change to
// its tools, data or software is written to durable storage before the call
// returns.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/agent"
	"github.com/nidhogg/agentvault/internal/serial"
	"github.com/nidhogg/agentvault/internal/state"
	"github.com/nidhogg/agentvault/internal/tool"
)

var (
	// ErrDelegate wraps an error returned by the delegate. Both errors.Is
	// checks succeed on the result.
	ErrDelegate = errors.New("delegate rejected change")

	// ErrLockTimeout is returned when the agent's lock was not acquired in
	// time.
	ErrLockTimeout = errors.New("agent lock timeout")

	// ErrPersist is returned when the delegate accepted a change but the
	// state could not be written. The change stays in memory, marked dirty.
	ErrPersist = errors.New("persist agent state")

	// ErrRetired is returned by an instance that was evicted or deleted.
	ErrRetired = errors.New("agent retired")

	// ErrUnknownEntry is returned when removing or calling something the
	// agent does not have.
	ErrUnknownEntry = errors.New("unknown entry")
)

// Delegate is the agent being made persistent.
type Delegate interface {
	AddTool(ctx context.Context, t tool.Tool) error
	RemoveTool(ctx context.Context, name string) error
	ListTools() []tool.Tool
	AddData(ctx context.Context, path, description string) error
	RemoveData(ctx context.Context, path string) error
	AddSoftware(ctx context.Context, spec, description string, install bool) (bool, error)
	RemoveSoftware(ctx context.Context, spec string) error
	Run(ctx context.Context, prompt string) (*agent.RunResult, error)
}

// Options configures an Agent.
type Options struct {
	Store      state.Store
	Serializer *serial.Engine
	Logger     *zap.Logger
	// LockTimeout bounds lock acquisition. Zero waits on the context only.
	LockTimeout time.Duration
	// OnSave is called with a snapshot after every successful write, once
	// the mutation lock has been released.
	OnSave func(st *state.AgentState)
	Now    func() time.Time
}

// Agent is a delegate plus the durable record of everything added to it.
type Agent struct {
	identity    string
	delegate    Delegate
	store       state.Store
	serializer  *serial.Engine
	lockTimeout time.Duration
	onSave      func(*state.AgentState)
	now         func() time.Time
	logger      *zap.Logger

	// lock serialises mutations, including the write that follows them.
	lock chan struct{}

	mu       sync.RWMutex
	st       *state.AgentState
	dirty    bool
	retired  bool
	pending  *state.AgentState
	rejected map[entry]error

	lastUsed atomic.Int64
	inflight atomic.Int32
}

// entry names one recorded tool, dataset or software reference.
type entry struct {
	kind string
	key  string
}

const (
	kindTool     = "tool"
	kindData     = "data"
	kindSoftware = "software"
)

// New builds an Agent from st, replaying its tools, data and software into
// d. Tools are replayed in name order; records that cannot be rebuilt are
// added as placeholders. Software is never reinstalled.
//
// A record the delegate refuses stays in the state, listed but not
// callable, and does not stop the rest from loading.
func New(ctx context.Context, st *state.AgentState, d Delegate, opts Options) (*Agent, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Serializer == nil {
		opts.Serializer = serial.NewEngine(nil, opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Agent{
		identity:    st.Identity,
		delegate:    d,
		store:       opts.Store,
		serializer:  opts.Serializer,
		lockTimeout: opts.LockTimeout,
		onSave:      opts.OnSave,
		now:         opts.Now,
		logger:      opts.Logger.With(zap.String("identity", st.Identity)),
		lock:        make(chan struct{}, 1),
		st:          st.Clone(),
		rejected:    make(map[entry]error),
	}
	a.touch()

	for _, name := range sortedKeys(a.st.Tools) {
		rec := a.st.Tools[name]
		t, err := a.serializer.Decode(rec)
		if err != nil {
			a.logger.Warn("tool restored as placeholder", zap.String("tool", name), zap.Error(err))
		}
		if err := d.AddTool(ctx, t); err != nil {
			a.reject(entry{kindTool, name}, err)
		}
	}
	for _, path := range sortedKeys(a.st.Data) {
		rec := a.st.Data[path]
		if err := d.AddData(ctx, rec.Path, rec.Description); err != nil {
			a.reject(entry{kindData, path}, err)
		}
	}
	for _, spec := range sortedKeys(a.st.Software) {
		rec := a.st.Software[spec]
		if _, err := d.AddSoftware(ctx, rec.Spec, rec.Description, false); err != nil {
			a.reject(entry{kindSoftware, spec}, err)
		}
	}

	a.logger.Debug("agent ready",
		zap.Int("tools", len(a.st.Tools)),
		zap.Int("data", len(a.st.Data)),
		zap.Int("software", len(a.st.Software)),
		zap.Int("rejected", len(a.rejected)))
	return a, nil
}

func (a *Agent) reject(e entry, err error) {
	a.logger.Warn("record not restored", zap.String("kind", e.kind), zap.String("key", e.key), zap.Error(err))
	a.mu.Lock()
	a.rejected[e] = err
	a.mu.Unlock()
}

// accept clears a rejection once the delegate holds the entry again.
func (a *Agent) accept(e entry) {
	a.mu.Lock()
	delete(a.rejected, e)
	a.mu.Unlock()
}

// add runs a delegate add and clears any earlier rejection of e.
func (a *Agent) add(e entry, change func() error) func() error {
	return func() error {
		if err := change(); err != nil {
			return err
		}
		a.accept(e)
		return nil
	}
}

// drop runs a delegate removal, skipping it for an entry the delegate never
// accepted.
func (a *Agent) drop(e entry, change func() error) func() error {
	return func() error {
		a.mu.Lock()
		_, skip := a.rejected[e]
		delete(a.rejected, e)
		a.mu.Unlock()
		if skip {
			return nil
		}
		return change()
	}
}

// Rejected returns the records the delegate refused at load time, keyed as
// "kind:key".
func (a *Agent) Rejected() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.rejected))
	for e, err := range a.rejected {
		out[e.kind+":"+e.key] = err.Error()
	}
	return out
}

// Identity returns the agent's identity.
func (a *Agent) Identity() string { return a.identity }

// Delegate returns the wrapped delegate.
func (a *Agent) Delegate() Delegate { return a.delegate }

// LastUsed returns when the agent was last touched by a caller.
func (a *Agent) LastUsed() time.Time { return time.Unix(0, a.lastUsed.Load()) }

// Busy reports whether a run or tool call is in progress.
func (a *Agent) Busy() bool { return a.inflight.Load() > 0 }

// Dirty reports whether in-memory changes have not been written.
func (a *Agent) Dirty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dirty
}

// Retired reports whether the instance was evicted or deleted.
func (a *Agent) Retired() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retired
}

// State returns a deep copy of the current state.
func (a *Agent) State() *state.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.st.Clone()
}

// Touch marks the agent as used now.
func (a *Agent) Touch() { a.touch() }

func (a *Agent) touch() { a.lastUsed.Store(a.now().UnixNano()) }

// acquire takes the mutation lock, bounded by the lock timeout and ctx.
func (a *Agent) acquire(ctx context.Context) (func(), error) {
	var timeout <-chan time.Time
	if a.lockTimeout > 0 {
		timer := time.NewTimer(a.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case a.lock <- struct{}{}:
		return a.unlock, nil
	case <-timeout:
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, a.identity)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// unlock releases the mutation lock and then reports the last write, so a
// slow OnSave never holds up the next mutation.
func (a *Agent) unlock() {
	a.mu.Lock()
	snap := a.pending
	a.pending = nil
	a.mu.Unlock()
	<-a.lock
	if snap != nil && a.onSave != nil {
		a.onSave(snap)
	}
}

// mutate runs change against the delegate and, only if it succeeds, applies
// record to the state and persists it.
func (a *Agent) mutate(ctx context.Context, change func() error, record func(st *state.AgentState)) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if a.Retired() {
		return ErrRetired
	}
	a.touch()

	if err := change(); err != nil {
		return fmt.Errorf("%w: %w", ErrDelegate, err)
	}

	a.mu.Lock()
	record(a.st)
	a.dirty = true
	a.mu.Unlock()

	return a.persist(ctx)
}

// persist writes a snapshot of the state. The caller holds the mutation
// lock.
func (a *Agent) persist(ctx context.Context) error {
	if a.store == nil {
		return fmt.Errorf("%w: no store configured", ErrPersist)
	}
	snap := a.State()
	if err := a.store.Save(ctx, snap); err != nil {
		a.logger.Error("failed to persist agent state", zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrPersist, a.identity, err)
	}

	a.mu.Lock()
	a.dirty = false
	a.st.SavedAt = snap.SavedAt
	a.st.Version = snap.Version
	a.pending = snap
	a.mu.Unlock()
	return nil
}

// AddTool registers t with the delegate and records its durable form.
func (a *Agent) AddTool(ctx context.Context, t tool.Tool) error {
	rec := a.serializer.Encode(t)
	return a.mutate(ctx,
		a.add(entry{kindTool, rec.Name}, func() error { return a.delegate.AddTool(ctx, t) }),
		func(st *state.AgentState) { st.Tools[rec.Name] = rec },
	)
}

// RemoveTool unregisters the named tool.
func (a *Agent) RemoveTool(ctx context.Context, name string) error {
	if !a.has(func(st *state.AgentState) bool { _, ok := st.Tools[name]; return ok }) {
		return fmt.Errorf("%w: tool %s", ErrUnknownEntry, name)
	}
	return a.mutate(ctx,
		a.drop(entry{kindTool, name}, func() error { return a.delegate.RemoveTool(ctx, name) }),
		func(st *state.AgentState) { delete(st.Tools, name) },
	)
}

// AddData attaches a dataset pointer.
func (a *Agent) AddData(ctx context.Context, path, description string) error {
	return a.mutate(ctx,
		a.add(entry{kindData, path}, func() error { return a.delegate.AddData(ctx, path, description) }),
		func(st *state.AgentState) {
			st.Data[path] = state.DataRecord{Path: path, Description: description}
		},
	)
}

// RemoveData detaches a dataset pointer.
func (a *Agent) RemoveData(ctx context.Context, path string) error {
	if !a.has(func(st *state.AgentState) bool { _, ok := st.Data[path]; return ok }) {
		return fmt.Errorf("%w: data %s", ErrUnknownEntry, path)
	}
	return a.mutate(ctx,
		a.drop(entry{kindData, path}, func() error { return a.delegate.RemoveData(ctx, path) }),
		func(st *state.AgentState) { delete(st.Data, path) },
	)
}

// AddSoftware attaches a software reference, asking the delegate to install
// it when install is set.
func (a *Agent) AddSoftware(ctx context.Context, spec, description string, install bool) error {
	var installed bool
	return a.mutate(ctx,
		a.add(entry{kindSoftware, spec}, func() error {
			var err error
			installed, err = a.delegate.AddSoftware(ctx, spec, description, install)
			return err
		}),
		func(st *state.AgentState) {
			st.Software[spec] = state.SoftwareRecord{Spec: spec, Description: description, Installed: installed}
		},
	)
}

// RemoveSoftware detaches a software reference.
func (a *Agent) RemoveSoftware(ctx context.Context, spec string) error {
	if !a.has(func(st *state.AgentState) bool { _, ok := st.Software[spec]; return ok }) {
		return fmt.Errorf("%w: software %s", ErrUnknownEntry, spec)
	}
	return a.mutate(ctx,
		a.drop(entry{kindSoftware, spec}, func() error { return a.delegate.RemoveSoftware(ctx, spec) }),
		func(st *state.AgentState) { delete(st.Software, spec) },
	)
}

func (a *Agent) has(check func(st *state.AgentState) bool) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return check(a.st)
}

// ToolInfo describes one recorded tool.
type ToolInfo struct {
	Name     string       `json:"name"`
	Doc      string       `json:"doc"`
	Method   state.Method `json:"method"`
	Callable bool         `json:"callable"`
	Error    string       `json:"error,omitempty"`
}

// ListTools returns the recorded tools sorted by name.
func (a *Agent) ListTools() []ToolInfo {
	callable := make(map[string]bool)
	for _, t := range a.delegate.ListTools() {
		callable[t.Name()] = tool.Callable(t)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ToolInfo, 0, len(a.st.Tools))
	for _, name := range sortedKeys(a.st.Tools) {
		rec := a.st.Tools[name]
		ti := ToolInfo{Name: name, Doc: rec.Doc, Method: rec.Method, Callable: callable[name]}
		if err, ok := a.rejected[entry{kindTool, name}]; ok {
			ti.Callable = false
			ti.Error = err.Error()
		}
		out = append(out, ti)
	}
	return out
}

// CallTool invokes a registered tool directly.
func (a *Agent) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	a.touch()
	a.inflight.Add(1)
	defer a.inflight.Add(-1)

	for _, t := range a.delegate.ListTools() {
		if t.Name() == name {
			return t.Call(ctx, args)
		}
	}
	return nil, fmt.Errorf("%w: tool %s", ErrUnknownEntry, name)
}

// Run passes prompt to the delegate. It does not change the recorded state.
func (a *Agent) Run(ctx context.Context, prompt string) (*agent.RunResult, error) {
	if a.Retired() {
		return nil, ErrRetired
	}
	a.touch()
	a.inflight.Add(1)
	defer a.inflight.Add(-1)

	res, err := a.delegate.Run(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDelegate, err)
	}
	return res, nil
}

// Save writes the current state unconditionally.
func (a *Agent) Save(ctx context.Context) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if a.Retired() {
		return ErrRetired
	}
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
	return a.persist(ctx)
}

// Flush writes the state if it has unsaved changes.
func (a *Agent) Flush(ctx context.Context) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if !a.Dirty() {
		return nil
	}
	return a.persist(ctx)
}

// TryRetire retires the agent if it is idle: its lock must be free, no run
// may be in flight, and any unsaved changes must flush. It never blocks on
// the lock.
func (a *Agent) TryRetire(ctx context.Context) bool {
	if a.Busy() {
		return false
	}
	select {
	case a.lock <- struct{}{}:
	default:
		return false
	}
	defer a.unlock()

	if a.Busy() {
		return false
	}
	if a.Dirty() {
		if err := a.persist(ctx); err != nil {
			return false
		}
	}
	a.mu.Lock()
	a.retired = true
	a.mu.Unlock()
	return true
}

// Retire marks the agent retired, waiting for the lock. With flush set,
// unsaved changes are written first and a write failure aborts retirement.
func (a *Agent) Retire(ctx context.Context, flush bool) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if flush && a.Dirty() {
		if err := a.persist(ctx); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.retired = true
	a.mu.Unlock()
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
