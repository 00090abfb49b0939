package state

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(id string) *AgentState {
	st := New(id, Config{Model: "gpt-4o", TimeoutSeconds: 600, Flags: map[string]bool{"use_tool_retriever": true}})
	st.Tools["square"] = ToolRecord{
		Name:      "square",
		Doc:       "squares a number",
		Method:    MethodSource,
		Payload:   []byte(`{"params":["x"],"expr":"x * x"}`),
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	st.Data["lab.csv"] = DataRecord{Path: "lab.csv", Description: "lab results"}
	st.Software["pip:numpy"] = SoftwareRecord{Spec: "pip:numpy", Description: "arrays"}
	return st
}

func newTestStore(t *testing.T, opts ...Option) (*FileStore, string) {
	t.Helper()
	base := t.TempDir()
	s, err := NewFileStore(base, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, base
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"r1", true},
		{"user-42_session.a", true},
		{"", false},
		{".hidden", false},
		{"a/b", false},
		{`a\b`, false},
		{"a..b", false},
		{"nul\x00", false},
		{strings.Repeat("x", MaxIdentityLen+1), false},
	}
	for _, tt := range tests {
		err := ValidateIdentity(tt.id)
		if tt.want {
			assert.NoError(t, err, tt.id)
		} else {
			assert.ErrorIs(t, err, ErrInvalidIdentity, tt.id)
		}
	}
}

func TestCodecDeterministic(t *testing.T) {
	st := sampleState("r1")
	a, err := Marshal(st)
	require.NoError(t, err)
	b, err := Marshal(st.Clone())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	back, err := Unmarshal(a)
	require.NoError(t, err)
	assert.Equal(t, st.Tools, back.Tools)
	assert.Equal(t, st.Config, back.Config)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, back))
	assert.Equal(t, a, buf.Bytes())
}

func TestUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"garbage", "{not json"},
		{"truncated", `{"identity":"r1","version":1,"tools":{`},
		{"missing version", `{"identity":"r1"}`},
		{"future version", `{"identity":"r1","version":99}`},
		{"missing identity", `{"version":1}`},
		{"trailing", `{"identity":"r1","version":1} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestUnmarshalFillsMaps(t *testing.T) {
	st, err := Unmarshal([]byte(`{"identity":"r1","version":1,"tools":{"t":{"method":"metadata_only"}}}`))
	require.NoError(t, err)
	assert.NotNil(t, st.Data)
	assert.NotNil(t, st.Software)
	assert.Equal(t, "t", st.Tools["t"].Name)
}

func TestCloneIsDeep(t *testing.T) {
	st := sampleState("r1")
	cp := st.Clone()
	cp.Tools["square"].Payload[0] = 'X'
	cp.Config.Flags["use_tool_retriever"] = false
	delete(cp.Data, "lab.csv")

	assert.Equal(t, byte('{'), st.Tools["square"].Payload[0])
	assert.True(t, st.Config.Flags["use_tool_retriever"])
	assert.Contains(t, st.Data, "lab.csv")
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, WithClock(func() time.Time { return fixed }))

	_, err := s.Load(ctx, "r1")
	require.ErrorIs(t, err, ErrNotFound)

	st := sampleState("r1")
	require.NoError(t, s.Save(ctx, st))
	assert.Equal(t, fixed, st.SavedAt)

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, st.Tools, got.Tools)
	assert.Equal(t, st.Data, got.Data)
	assert.Equal(t, st.Software, got.Software)
	assert.Equal(t, fixed, got.SavedAt)

	require.NoError(t, s.Save(ctx, sampleState("r0")))
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r0", "r1"}, ids)

	require.NoError(t, s.Delete(ctx, "r1"))
	require.NoError(t, s.Delete(ctx, "r1"))
	_, err = s.Load(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRejectsBadIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Save(context.Background(), New("../escape", Config{}))
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = s.Load(context.Background(), "a/b")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestFileStoreIgnoresTempFiles(t *testing.T) {
	ctx := context.Background()
	s, base := newTestStore(t)
	st := sampleState("r1")
	require.NoError(t, s.Save(ctx, st))

	// A crash mid-write leaves a half-written temp file next to the document.
	tmp := filepath.Join(base, "states", ".r1.json"+tempMarker+"123")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"identity":"r1","ver`), 0o644))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, st.Tools, got.Tools)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(tmp)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileStoreQuarantinesCorrupt(t *testing.T) {
	ctx := context.Background()
	s, base := newTestStore(t)
	path := s.Path("r1")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err := s.Load(ctx, "r1")
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "corrupt document should be moved aside")
	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "r1."))

	_, err = s.Load(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreKeepsCorruptWithoutQuarantine(t *testing.T) {
	s, _ := newTestStore(t, WithQuarantine(false))
	require.NoError(t, os.WriteFile(s.Path("r1"), []byte(`{"identity":"other","version":1}`), 0o644))

	_, err := s.Load(context.Background(), "r1")
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = os.Stat(s.Path("r1"))
	assert.NoError(t, err)
}

func TestFileStoreSpillsLargePayloads(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithInlineLimit(32))

	st := sampleState("r1")
	big := bytes.Repeat([]byte("payload-"), 64)
	st.Tools["big"] = ToolRecord{Name: "big", Method: MethodBinary, Payload: big}
	require.NoError(t, s.Save(ctx, st))

	raw, err := os.ReadFile(s.Path("r1"))
	require.NoError(t, err)
	doc, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Empty(t, doc.Tools["big"].Payload)
	require.NotEmpty(t, doc.Tools["big"].Blob)
	assert.Equal(t, big, st.Tools["big"].Payload, "caller's state keeps its payload")

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, big, got.Tools["big"].Payload)
	assert.Empty(t, got.Tools["big"].Blob)

	delete(st.Tools, "big")
	require.NoError(t, s.Save(ctx, st))
	_, err = os.Stat(s.blobDir("r1"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "unreferenced blobs are collected")
}

func TestFileStoreMissingBlobDegradesOneTool(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithInlineLimit(32))

	st := sampleState("r1")
	st.Tools["big"] = ToolRecord{Name: "big", Method: MethodBinary, Payload: bytes.Repeat([]byte("z"), 100)}
	require.NoError(t, s.Save(ctx, st))
	require.NoError(t, os.RemoveAll(s.blobDir("r1")))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, got.Tools["big"].Payload)
	assert.NotEmpty(t, got.Tools["big"].Blob)
	assert.Equal(t, st.Tools["square"].Payload, got.Tools["square"].Payload)
}
