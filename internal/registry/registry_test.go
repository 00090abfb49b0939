package registry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/agent"
	"github.com/nidhogg/agentvault/internal/events"
	"github.com/nidhogg/agentvault/internal/persist"
	"github.com/nidhogg/agentvault/internal/serial"
	"github.com/nidhogg/agentvault/internal/state"
	"github.com/nidhogg/agentvault/internal/tool"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recorder) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recorder) last(typ string) (events.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == typ {
			return p.events[i], true
		}
	}
	return events.Event{}, false
}

type flakyStore struct {
	state.Store
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) Save(ctx context.Context, st *state.AgentState) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return f.Store.Save(ctx, st)
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func engineFactory(id string, cfg state.Config) (persist.Delegate, error) {
	return agent.NewEngine(id, agent.Options{Model: cfg.Model}), nil
}

type harness struct {
	dir    string
	store  *state.FileStore
	clock  *clock
	events *recorder
	reg    *Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	return openHarness(t, dir, opts...)
}

func openHarness(t *testing.T, dir string, opts ...Option) *harness {
	t.Helper()
	fs, err := state.NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	c := tool.NewCatalog()
	tool.RegisterBuiltins(c)
	h := &harness{dir: dir, store: fs, clock: newClock(), events: &recorder{}}
	base := []Option{
		WithLogger(zap.NewNop()),
		WithSerializer(serial.NewEngine(c, zap.NewNop())),
		WithLockTimeout(time.Second),
		WithDefaults(state.Config{Model: "gpt-4o", TimeoutSeconds: 60}),
		WithPublisher(h.events),
		WithClock(h.clock.Now),
	}
	h.reg = New(fs, engineFactory, append(base, opts...)...)
	return h
}

func square(t *testing.T) tool.Tool {
	t.Helper()
	sq, err := tool.NewScript("square", "squares a number", []string{"x"}, "x * x")
	require.NoError(t, err)
	return sq
}

func toolNames(a *persist.Agent) []string {
	var names []string
	for _, ti := range a.ListTools() {
		names = append(names, ti.Name)
	}
	return names
}

func TestCreatePersistsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.reg.Create(ctx, "r1", state.Config{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", a.State().Config.Model)
	assert.Equal(t, 60, a.State().Config.TimeoutSeconds)

	_, err = os.Stat(h.store.Path("r1"))
	require.NoError(t, err)
	_, ok := h.events.last(events.TypeCreated)
	assert.True(t, ok)

	_, err = h.reg.Create(ctx, "r1", state.Config{})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = h.reg.Create(ctx, "../escape", state.Config{})
	assert.ErrorIs(t, err, state.ErrInvalidIdentity)
}

func TestGetFreshAgentIsNotWritten(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.reg.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Empty(t, a.ListTools())
	assert.Equal(t, "gpt-4o", a.State().Config.Model)

	_, err = os.Stat(h.store.Path("fresh"))
	assert.True(t, os.IsNotExist(err))

	ids, err := h.reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)

	require.NoError(t, a.AddData(ctx, "lab.csv", "lab results"))
	_, err = os.Stat(h.store.Path("fresh"))
	assert.NoError(t, err)
}

func TestGetCorruptStartsFresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.store.Path("bad"), []byte("{not json"), 0o644))

	a, err := h.reg.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Empty(t, a.ListTools())

	_, err = os.Stat(h.store.Path("bad"))
	assert.True(t, os.IsNotExist(err), "corrupt file should be moved aside")
	quarantined, err := os.ReadDir(filepath.Join(h.dir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestGetKeepsRecordsTheEngineRefuses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ok, err := tool.NewScript("ok", "squares a number", []string{"x"}, "x * x")
	require.NoError(t, err)
	st := state.New("a1", state.Config{Model: "gpt-4o"})
	st.Tools["ok"] = h.reg.serializer.Encode(ok)
	st.Tools["list_data"] = state.ToolRecord{Name: "list_data", Doc: "shadows a builtin", Method: state.MethodMetadata}
	st.Data["lab.csv"] = state.DataRecord{Path: "lab.csv", Description: "lab results"}
	st.Software["pip:"] = state.SoftwareRecord{Spec: "pip:"}
	st.Software["pip:numpy"] = state.SoftwareRecord{Spec: "pip:numpy", Description: "arrays"}
	require.NoError(t, h.store.Save(ctx, st))

	a, err := h.reg.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"list_data", "ok"}, toolNames(a))
	for _, ti := range a.ListTools() {
		switch ti.Name {
		case "list_data":
			assert.False(t, ti.Callable)
			assert.Contains(t, ti.Error, "reserved")
		case "ok":
			assert.True(t, ti.Callable)
			assert.Empty(t, ti.Error)
		}
	}
	out, err := a.CallTool(ctx, "ok", map[string]any{"x": 3})
	require.NoError(t, err)
	assert.Equal(t, 9, out)

	eng := a.Delegate().(*agent.Engine)
	assert.Equal(t, map[string]string{"lab.csv": "lab results"}, eng.Data())
	require.Len(t, eng.Software(), 1)
	assert.Equal(t, "pip:numpy", eng.Software()[0].Spec)

	summary := a.Summary()
	assert.Contains(t, summary.Rejected, "tool:list_data")
	assert.Contains(t, summary.Rejected, "software:pip:")
	assert.Equal(t, []string{"pip:", "pip:numpy"}, summary.Software)

	require.NoError(t, a.RemoveTool(ctx, "list_data"))
	require.NoError(t, a.RemoveSoftware(ctx, "pip:"))
	assert.Empty(t, a.Rejected())
	stored, err := h.store.Load(ctx, "a1")
	require.NoError(t, err)
	assert.NotContains(t, stored.Tools, "list_data")
	assert.NotContains(t, stored.Software, "pip:")
	assert.Contains(t, stored.Tools, "ok")
}

// blockingPublisher stalls the first publish after arm until release is
// closed.
type blockingPublisher struct {
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, _ events.Event) error {
	if !p.armed.CompareAndSwap(true, false) {
		return nil
	}
	close(p.entered)
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSlowPublishDoesNotHoldAgentLock(t *testing.T) {
	ctx := context.Background()
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, WithLockTimeout(300*time.Millisecond), WithPublisher(pub))

	a, err := h.reg.Create(ctx, "p1", state.Config{})
	require.NoError(t, err)

	pub.armed.Store(true)
	first := make(chan error, 1)
	go func() { first <- a.AddData(ctx, "a.csv", "") }()
	<-pub.entered

	require.NoError(t, a.AddData(ctx, "b.csv", ""))
	close(pub.release)
	require.NoError(t, <-first)

	stored, err := h.store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Contains(t, stored.Data, "a.csv")
	assert.Contains(t, stored.Data, "b.csv")
}

func TestConcurrentGetSharesOneAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.reg.Create(ctx, "r1", state.Config{})
	require.NoError(t, err)
	require.NoError(t, h.reg.Delete(ctx, "r1", false))

	const n = 16
	got := make([]*persist.Agent, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.reg.Get(ctx, "r1")
			assert.NoError(t, err)
			got[i] = a
		}()
	}
	wg.Wait()
	for _, a := range got {
		assert.Same(t, got[0], a)
	}
	assert.Equal(t, []string{"r1"}, h.reg.Resident())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.ErrorIs(t, h.reg.Delete(ctx, "nope", true), state.ErrNotFound)

	a, err := h.reg.Create(ctx, "keep", state.Config{})
	require.NoError(t, err)
	require.NoError(t, a.AddData(ctx, "lab.csv", "lab results"))
	require.NoError(t, h.reg.Delete(ctx, "keep", false))
	assert.True(t, a.Retired())
	assert.ErrorIs(t, a.AddData(ctx, "more.csv", ""), persist.ErrRetired)
	assert.Empty(t, h.reg.Resident())

	again, err := h.reg.Get(ctx, "keep")
	require.NoError(t, err)
	assert.NotSame(t, a, again)
	assert.Equal(t, "lab results", again.State().Data["lab.csv"].Description)

	require.NoError(t, h.reg.Delete(ctx, "keep", true))
	_, err = os.Stat(h.store.Path("keep"))
	assert.True(t, os.IsNotExist(err))
	ids, err := h.reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, ok := h.events.last(events.TypeDeleted)
	assert.True(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	src, err := h.reg.Create(ctx, "r1", state.Config{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	require.NoError(t, src.AddTool(ctx, square(t)))
	require.NoError(t, src.AddData(ctx, "lab.csv", "lab results"))

	dst, err := h.reg.Clone(ctx, "r1", "r2")
	require.NoError(t, err)
	assert.Equal(t, "r2", dst.Identity())
	assert.Equal(t, "gpt-4o-mini", dst.State().Config.Model)
	assert.Equal(t, []string{"square"}, toolNames(dst))

	require.NoError(t, dst.AddData(ctx, "extra.csv", "only on the clone"))
	assert.NotContains(t, src.State().Data, "extra.csv")

	stored, err := h.store.Load(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, stored.Data, "extra.csv")
	stored, err = h.store.Load(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "r2", stored.Identity)
	assert.Contains(t, stored.Data, "extra.csv")

	require.NoError(t, src.RemoveTool(ctx, "square"))
	require.NoError(t, src.AddData(ctx, "source-only.csv", ""))
	assert.Equal(t, []string{"square"}, toolNames(dst))
	assert.NotContains(t, dst.State().Data, "source-only.csv")
	stored, err = h.store.Load(ctx, "r2")
	require.NoError(t, err)
	assert.Contains(t, stored.Tools, "square")
	assert.NotContains(t, stored.Data, "source-only.csv")

	out, err := dst.CallTool(ctx, "square", map[string]any{"x": 4})
	require.NoError(t, err)
	assert.Equal(t, 16, out)
}

func TestCloneErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.reg.Clone(ctx, "missing", "r2")
	assert.ErrorIs(t, err, state.ErrNotFound)

	_, err = h.reg.Create(ctx, "r1", state.Config{})
	require.NoError(t, err)
	_, err = h.reg.Create(ctx, "r2", state.Config{})
	require.NoError(t, err)

	_, err = h.reg.Clone(ctx, "r1", "r2")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = h.reg.Clone(ctx, "r1", "r1")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestListIsUnionOfStoredAndResident(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.reg.Create(ctx, "stored", state.Config{})
	require.NoError(t, err)
	require.NoError(t, h.reg.Delete(ctx, "stored", false))
	_, err = h.reg.Get(ctx, "memory")
	require.NoError(t, err)
	_, err = h.reg.Create(ctx, "both", state.Config{})
	require.NoError(t, err)

	ids, err := h.reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"both", "memory", "stored"}, ids)
	assert.Equal(t, []string{"both", "memory"}, h.reg.Resident())
}

func TestEvictIdleIsTransparent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.reg.Get(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, a.AddTool(ctx, square(t)))
	require.NoError(t, a.AddData(ctx, "lab.csv", "lab results"))

	h.clock.advance(10 * time.Minute)
	recent, err := h.reg.Get(ctx, "r2")
	require.NoError(t, err)

	evicted := h.reg.EvictIdle(ctx, 5*time.Minute)
	assert.Equal(t, []string{"r1"}, evicted)
	assert.True(t, a.Retired())
	assert.False(t, recent.Retired())
	assert.Equal(t, []string{"r2"}, h.reg.Resident())

	b, err := h.reg.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	out, err := b.CallTool(ctx, "square", map[string]any{"x": 5})
	require.NoError(t, err)
	assert.Equal(t, 25, out)
	assert.Contains(t, b.State().Data, "lab.csv")
}

// stallingEngine holds AddData until release is closed.
type stallingEngine struct {
	*agent.Engine
	entered chan struct{}
	release chan struct{}
}

func (s *stallingEngine) AddData(ctx context.Context, path, description string) error {
	close(s.entered)
	<-s.release
	return s.Engine.AddData(ctx, path, description)
}

func TestEvictIdleSkipsLockedAgent(t *testing.T) {
	ctx := context.Background()
	stall := &stallingEngine{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t)
	h.reg.factory = func(id string, cfg state.Config) (persist.Delegate, error) {
		stall.Engine = agent.NewEngine(id, agent.Options{Model: cfg.Model})
		return stall, nil
	}

	a, err := h.reg.Get(ctx, "r1")
	require.NoError(t, err)
	h.clock.advance(time.Hour)

	done := make(chan error, 1)
	go func() { done <- a.AddData(ctx, "lab.csv", "lab results") }()
	<-stall.entered

	assert.Empty(t, h.reg.EvictIdle(ctx, time.Minute))
	assert.False(t, a.Retired())

	close(stall.release)
	require.NoError(t, <-done)
	h.clock.advance(time.Hour)
	assert.Equal(t, []string{"r1"}, h.reg.EvictIdle(ctx, time.Minute))
	assert.True(t, a.Retired())
}

func TestMaxResidentEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithMaxResident(2))

	for _, id := range []string{"a", "b"} {
		_, err := h.reg.Create(ctx, id, state.Config{})
		require.NoError(t, err)
		h.clock.advance(time.Minute)
	}
	_, err := h.reg.Get(ctx, "a")
	require.NoError(t, err)
	h.clock.advance(time.Minute)

	_, err = h.reg.Create(ctx, "c", state.Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, h.reg.Resident())

	ids, err := h.reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestShutdownFlushesDirtyAgents(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := state.NewFileStore(dir)
	require.NoError(t, err)
	defer fs.Close()
	flaky := &flakyStore{Store: fs}
	reg := New(flaky, engineFactory, WithLogger(zap.NewNop()))

	a, err := reg.Get(ctx, "r1")
	require.NoError(t, err)
	flaky.setFailing(true)
	err = a.AddData(ctx, "lab.csv", "lab results")
	assert.ErrorIs(t, err, persist.ErrPersist)
	assert.True(t, a.Dirty())

	flaky.setFailing(false)
	require.NoError(t, reg.Shutdown(ctx))
	assert.False(t, a.Dirty())

	stored, err := fs.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, stored.Data, "lab.csv")

	_, err = reg.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = reg.Create(ctx, "other", state.Config{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdownReportsFlushFailures(t *testing.T) {
	ctx := context.Background()
	fs, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer fs.Close()
	flaky := &flakyStore{Store: fs}
	reg := New(flaky, engineFactory)

	a, err := reg.Get(ctx, "r1")
	require.NoError(t, err)
	flaky.setFailing(true)
	_ = a.AddData(ctx, "lab.csv", "lab results")

	err = reg.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush r1")
}

func TestHandleEventRetiresStaleCopy(t *testing.T) {
	ctx := context.Background()
	first := newHarness(t, WithOrigin("node-a"))
	second := openHarness(t, first.dir, WithOrigin("node-b"))

	a, err := first.reg.Create(ctx, "r1", state.Config{})
	require.NoError(t, err)
	stale, err := second.reg.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, stale.State().Data)

	require.NoError(t, a.AddData(ctx, "lab.csv", "lab results"))
	ev, ok := first.events.last(events.TypeSaved)
	require.True(t, ok)
	assert.Equal(t, "node-a", ev.Origin)
	assert.Equal(t, "r1", ev.Identity)

	first.reg.HandleEvent(ctx, ev)
	assert.False(t, a.Retired(), "own events are ignored")

	second.reg.HandleEvent(ctx, ev)
	assert.True(t, stale.Retired())

	fresh, err := second.reg.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, fresh.State().Data, "lab.csv")
}

func TestSummaryDoesNotLoad(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.reg.Create(ctx, "r1", state.Config{})
	require.NoError(t, err)
	require.NoError(t, a.AddTool(ctx, square(t)))

	s, err := h.reg.Summary(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, s.Resident)
	assert.Equal(t, []string{"square"}, s.Tools)

	require.NoError(t, h.reg.Delete(ctx, "r1", false))
	s, err = h.reg.Summary(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, s.Resident)
	assert.Equal(t, []string{"square"}, s.Tools)
	assert.Empty(t, h.reg.Resident())

	_, err = h.reg.Summary(ctx, "nope")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestRestartExportImportScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	r1, err := h.reg.Create(ctx, "r1", state.Config{})
	require.NoError(t, err)
	require.NoError(t, r1.AddTool(ctx, square(t)))
	require.NoError(t, h.reg.Shutdown(ctx))

	restarted := openHarness(t, h.dir)
	r1, err = restarted.reg.Get(ctx, "r1")
	require.NoError(t, err)
	out, err := r1.CallTool(ctx, "square", map[string]any{"x": 5})
	require.NoError(t, err)
	assert.Equal(t, 25, out)

	require.NoError(t, r1.AddData(ctx, "lab.csv", "lab results"))
	var buf bytes.Buffer
	require.NoError(t, r1.Export(&buf))

	r2, err := restarted.reg.Get(ctx, "r2")
	require.NoError(t, err)
	require.NoError(t, r2.Import(ctx, &buf, false))
	assert.Contains(t, toolNames(r2), "square")
	assert.Equal(t, "lab results", r2.State().Data["lab.csv"].Description)
	assert.Equal(t, "r2", r2.State().Identity)
}
