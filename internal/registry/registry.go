// Package registry is the process-wide directory of persistent agents. It
// owns the in-memory cache of resident agents, loads and creates them on
// demand, and evicts idle ones without losing state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nidhogg/agentvault/internal/events"
	"github.com/nidhogg/agentvault/internal/persist"
	"github.com/nidhogg/agentvault/internal/serial"
	"github.com/nidhogg/agentvault/internal/state"
)

var (
	// ErrAlreadyExists is returned by Create and Clone when the target
	// identity is resident or stored.
	ErrAlreadyExists = errors.New("agent already exists")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("registry closed")
)

// publishTimeout bounds a single event publish.
const publishTimeout = 5 * time.Second

// DelegateFactory builds a fresh delegate for an identity.
type DelegateFactory func(identity string, cfg state.Config) (persist.Delegate, error)

// Publisher receives committed change events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Registry creates, caches and retires persistent agents.
type Registry struct {
	store       state.Store
	factory     DelegateFactory
	serializer  *serial.Engine
	lockTimeout time.Duration
	maxResident int
	defaults    state.Config
	publisher   Publisher
	origin      string
	now         func() time.Time
	logger      *zap.Logger

	mu     sync.RWMutex
	agents map[string]*persist.Agent
	closed bool

	locks keyedMutex
	loads singleflight.Group

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSerializer sets the tool serialization engine.
func WithSerializer(e *serial.Engine) Option {
	return func(r *Registry) { r.serializer = e }
}

// WithLockTimeout bounds per-agent lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) { r.lockTimeout = d }
}

// WithDefaults sets the config used for agents created without one.
func WithDefaults(cfg state.Config) Option {
	return func(r *Registry) { r.defaults = cfg.Clone() }
}

// WithPublisher sets where committed change events go.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOrigin fixes the origin stamped on published events.
func WithOrigin(origin string) Option {
	return func(r *Registry) { r.origin = origin }
}

// WithMaxResident bounds the cache. Zero means unbounded.
func WithMaxResident(n int) Option {
	return func(r *Registry) { r.maxResident = n }
}

// New creates a Registry over store.
func New(store state.Store, factory DelegateFactory, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		factory: factory,
		origin:  uuid.New().String(),
		now:     time.Now,
		logger:  zap.NewNop(),
		agents:  make(map[string]*persist.Agent),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.serializer == nil {
		r.serializer = serial.NewEngine(nil, r.logger)
	}
	r.locks.init()
	return r
}

// Origin identifies this registry in published events.
func (r *Registry) Origin() string { return r.origin }

// Create makes a new agent and persists its empty state immediately.
func (r *Registry) Create(ctx context.Context, id string, cfg state.Config) (*persist.Agent, error) {
	if err := state.ValidateIdentity(id); err != nil {
		return nil, err
	}
	unlock := r.locks.lock(id)
	defer unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := r.ensureAbsent(ctx, id); err != nil {
		return nil, err
	}

	a, err := r.build(ctx, state.New(id, r.withDefaults(cfg)))
	if err != nil {
		return nil, err
	}
	if err := a.Save(ctx); err != nil {
		return nil, err
	}
	r.insert(ctx, id, a)
	r.publish(ctx, events.TypeCreated, id, time.Time{})
	r.logger.Info("created agent", zap.String("identity", id))
	return a, nil
}

// Get returns the resident agent for id, loading it from the store if
// needed. An identity with no stored state yields a fresh agent that is not
// written until its first change; a corrupt stored state is quarantined and
// likewise replaced by a fresh agent. Concurrent loads of one identity share
// a single load.
func (r *Registry) Get(ctx context.Context, id string) (*persist.Agent, error) {
	if err := state.ValidateIdentity(id); err != nil {
		return nil, err
	}
	if a := r.resident(id); a != nil {
		a.Touch()
		return a, nil
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	v, err, _ := r.loads.Do(id, func() (any, error) {
		return r.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*persist.Agent), nil
}

func (r *Registry) load(ctx context.Context, id string) (*persist.Agent, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	if a := r.resident(id); a != nil {
		return a, nil
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	st, err := r.store.Load(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrNotFound):
		st = state.New(id, r.defaults)
	case errors.Is(err, state.ErrCorrupt):
		r.logger.Warn("stored state unusable, starting fresh", zap.String("identity", id), zap.Error(err))
		st = state.New(id, r.defaults)
	default:
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}

	a, err := r.build(ctx, st)
	if err != nil {
		return nil, err
	}
	r.insert(ctx, id, a)
	r.logger.Debug("loaded agent", zap.String("identity", id), zap.Int("tools", len(st.Tools)))
	return a, nil
}

// Delete retires the resident agent and, with removeFiles set, deletes its
// stored state. When files are kept, unsaved changes are flushed first.
func (r *Registry) Delete(ctx context.Context, id string, removeFiles bool) error {
	if err := state.ValidateIdentity(id); err != nil {
		return err
	}
	unlock := r.locks.lock(id)
	defer unlock()

	a := r.resident(id)
	if a == nil {
		exists, err := state.Exists(ctx, r.store, id)
		if err != nil {
			return err
		}
		if !exists {
			return state.ErrNotFound
		}
	} else {
		if err := a.Retire(ctx, !removeFiles); err != nil {
			return fmt.Errorf("retire agent %s: %w", id, err)
		}
		r.remove(id, a)
	}

	if removeFiles {
		if err := r.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete agent %s: %w", id, err)
		}
		r.publish(ctx, events.TypeDeleted, id, time.Time{})
	}
	r.logger.Info("deleted agent", zap.String("identity", id), zap.Bool("remove_files", removeFiles))
	return nil
}

// Clone copies the state of src into a new agent dst. The copy shares
// nothing with the source in memory or on disk.
func (r *Registry) Clone(ctx context.Context, src, dst string) (*persist.Agent, error) {
	if err := state.ValidateIdentity(src); err != nil {
		return nil, err
	}
	if err := state.ValidateIdentity(dst); err != nil {
		return nil, err
	}
	if src == dst {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, dst)
	}

	var snap *state.AgentState
	if a := r.resident(src); a != nil {
		snap = a.State()
	} else {
		st, err := r.store.Load(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", src, err)
		}
		snap = st
	}

	unlock := r.locks.lock(dst)
	defer unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := r.ensureAbsent(ctx, dst); err != nil {
		return nil, err
	}

	st := snap.Clone()
	st.Identity = dst
	a, err := r.build(ctx, st)
	if err != nil {
		return nil, err
	}
	if err := a.Save(ctx); err != nil {
		return nil, err
	}
	r.insert(ctx, dst, a)
	r.publish(ctx, events.TypeCloned, dst, time.Time{})
	r.logger.Info("cloned agent", zap.String("source", src), zap.String("identity", dst))
	return a, nil
}

// List returns every known identity, resident or stored, sorted.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	stored, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	seen := make(map[string]bool, len(stored))
	for _, id := range stored {
		seen[id] = true
	}
	for _, id := range r.Resident() {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Resident returns the identities currently cached, sorted.
func (r *Registry) Resident() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary describes an agent without making it resident.
func (r *Registry) Summary(ctx context.Context, id string) (persist.Summary, error) {
	if err := state.ValidateIdentity(id); err != nil {
		return persist.Summary{}, err
	}
	if a := r.resident(id); a != nil {
		return a.Summary(), nil
	}
	st, err := r.store.Load(ctx, id)
	if err != nil {
		return persist.Summary{}, err
	}
	return persist.Summarize(st), nil
}

// EvictIdle drops agents unused for at least maxIdle from memory. Agents
// that are busy, locked, or cannot flush are kept. It returns the evicted
// identities.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := r.now().Add(-maxIdle)

	r.mu.RLock()
	candidates := make(map[string]*persist.Agent)
	for id, a := range r.agents {
		if !a.LastUsed().After(cutoff) {
			candidates[id] = a
		}
	}
	r.mu.RUnlock()

	var evicted []string
	for id, a := range candidates {
		if !a.TryRetire(ctx) {
			continue
		}
		r.remove(id, a)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		r.logger.Info("evicted idle agents", zap.Strings("identities", evicted))
	}
	return evicted
}

// HandleEvent retires the resident copy of an agent changed by another
// registry, so the next Get reloads it from the store.
func (r *Registry) HandleEvent(ctx context.Context, ev events.Event) {
	if ev.Origin == r.origin {
		return
	}
	a := r.resident(ev.Identity)
	if a == nil {
		return
	}
	if a.Dirty() {
		r.logger.Warn("dropping unsaved changes after remote update",
			zap.String("identity", ev.Identity),
			zap.String("origin", ev.Origin))
	}
	if err := a.Retire(ctx, false); err != nil {
		r.logger.Warn("retire after remote update", zap.String("identity", ev.Identity), zap.Error(err))
		return
	}
	r.remove(ev.Identity, a)
	r.logger.Debug("retired stale agent",
		zap.String("identity", ev.Identity),
		zap.String("type", ev.Type))
}

// Start launches a janitor that evicts agents idle for maxIdle every
// interval. It is a no-op when interval is not positive.
func (r *Registry) Start(interval, maxIdle time.Duration) {
	if interval <= 0 {
		return
	}
	r.mu.Lock()
	if r.janitorStop != nil || r.closed {
		r.mu.Unlock()
		return
	}
	r.janitorStop = make(chan struct{})
	r.janitorDone = make(chan struct{})
	stop, done := r.janitorStop, r.janitorDone
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.EvictIdle(context.Background(), maxIdle)
			}
		}
	}()
	r.logger.Info("registry janitor started", zap.Duration("interval", interval), zap.Duration("max_idle", maxIdle))
}

// Shutdown stops the janitor, refuses further loads, and flushes every
// resident agent. Flush failures are joined into the returned error.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	stop, done := r.janitorStop, r.janitorDone
	r.janitorStop = nil
	agents := make([]*persist.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(8)
	for _, a := range agents {
		g.Go(func() error {
			if err := a.Flush(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("flush %s: %w", a.Identity(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	r.logger.Info("registry shut down", zap.Int("flushed", len(agents)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (r *Registry) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *Registry) resident(id string) *persist.Agent {
	r.mu.RLock()
	a := r.agents[id]
	r.mu.RUnlock()
	if a == nil || a.Retired() {
		return nil
	}
	return a
}

func (r *Registry) ensureAbsent(ctx context.Context, id string) error {
	if r.resident(id) != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	exists, err := state.Exists(ctx, r.store, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	return nil
}

func (r *Registry) withDefaults(cfg state.Config) state.Config {
	out := cfg.Clone()
	if out.Model == "" {
		out.Model = r.defaults.Model
	}
	if out.DataPath == "" {
		out.DataPath = r.defaults.DataPath
	}
	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = r.defaults.TimeoutSeconds
	}
	if out.Flags == nil && r.defaults.Flags != nil {
		out.Flags = r.defaults.Clone().Flags
	}
	return out
}

func (r *Registry) build(ctx context.Context, st *state.AgentState) (*persist.Agent, error) {
	d, err := r.factory(st.Identity, st.Config)
	if err != nil {
		return nil, fmt.Errorf("create delegate for %s: %w", st.Identity, err)
	}
	return persist.New(ctx, st, d, persist.Options{
		Store:       r.store,
		Serializer:  r.serializer,
		Logger:      r.logger,
		LockTimeout: r.lockTimeout,
		OnSave: func(snap *state.AgentState) {
			r.publish(context.Background(), events.TypeSaved, snap.Identity, snap.SavedAt)
		},
		Now: r.now,
	})
}

// insert caches a, first evicting least recently used idle agents when the
// cache is full.
func (r *Registry) insert(ctx context.Context, id string, a *persist.Agent) {
	if r.maxResident > 0 {
		r.makeRoom(ctx, id)
	}
	r.mu.Lock()
	r.agents[id] = a
	r.mu.Unlock()
}

func (r *Registry) makeRoom(ctx context.Context, incoming string) {
	r.mu.RLock()
	type entry struct {
		id string
		a  *persist.Agent
	}
	entries := make([]entry, 0, len(r.agents))
	for id, a := range r.agents {
		if id != incoming {
			entries = append(entries, entry{id, a})
		}
	}
	r.mu.RUnlock()

	excess := len(entries) + 1 - r.maxResident
	if excess <= 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].a.LastUsed().Before(entries[j].a.LastUsed())
	})
	for _, e := range entries {
		if excess == 0 {
			break
		}
		if e.a.TryRetire(ctx) {
			r.remove(e.id, e.a)
			excess--
			r.logger.Debug("evicted agent to make room", zap.String("identity", e.id))
		}
	}
	if excess > 0 {
		r.logger.Warn("resident limit exceeded, no idle agent to evict",
			zap.Int("max_resident", r.maxResident))
	}
}

// remove drops id from the cache if it still maps to a.
func (r *Registry) remove(id string, a *persist.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents[id] == a {
		delete(r.agents, id)
	}
}

func (r *Registry) publish(ctx context.Context, typ, id string, savedAt time.Time) {
	if r.publisher == nil {
		return
	}
	if savedAt.IsZero() {
		savedAt = r.now().UTC()
	}
	ev := events.Event{
		ID:       uuid.New().String(),
		Origin:   r.origin,
		Identity: id,
		Type:     typ,
		SavedAt:  savedAt,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("publish event failed", zap.String("identity", id), zap.String("type", typ), zap.Error(err))
	}
}
