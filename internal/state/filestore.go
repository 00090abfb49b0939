package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// DefaultInlineLimit is the payload size above which tool payloads are
// spilled out of the state document.
const DefaultInlineLimit = 64 * 1024

const docExt = ".json"

// FileStore keeps one JSON document per identity under <base>/states.
// Large payloads are spilled to a per-identity blob directory and corrupt
// documents are moved aside to <base>/quarantine.
type FileStore struct {
	statesDir     string
	quarantineDir string
	inlineLimit   int64
	quarantine    bool
	now           func() time.Time
	logger        *zap.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithInlineLimit sets the spill threshold in bytes. Zero or less disables
// spilling.
func WithInlineLimit(n int64) Option {
	return func(s *FileStore) { s.inlineLimit = n }
}

// WithQuarantine toggles moving corrupt documents aside on load.
func WithQuarantine(enabled bool) Option {
	return func(s *FileStore) { s.quarantine = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *FileStore) { s.logger = l }
}

// WithClock overrides the time source used to stamp SavedAt.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore creates the directory layout under base.
func NewFileStore(base string, opts ...Option) (*FileStore, error) {
	if base == "" {
		return nil, fmt.Errorf("base directory required")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	s := &FileStore{
		statesDir:     filepath.Join(abs, "states"),
		quarantineDir: filepath.Join(abs, "quarantine"),
		inlineLimit:   DefaultInlineLimit,
		quarantine:    true,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.statesDir, s.quarantineDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s.encoder, err = zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	s.decoder, err = zstd.NewReader(nil)
	if err != nil {
		s.encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return s, nil
}

// Close releases the compression workers.
func (s *FileStore) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// Path returns the document path for identity.
func (s *FileStore) Path(identity string) string {
	return filepath.Join(s.statesDir, identity+docExt)
}

func (s *FileStore) blobDir(identity string) string {
	return filepath.Join(s.statesDir, identity+".blobs")
}

// Save writes s atomically. Spilled blobs are written before the document
// rename; blobs the committed document no longer references are removed
// afterwards.
func (s *FileStore) Save(ctx context.Context, st *AgentState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateIdentity(st.Identity); err != nil {
		return err
	}

	st.Version = SchemaVersion
	st.SavedAt = s.now().UTC()

	doc := *st
	doc.Tools = make(map[string]ToolRecord, len(st.Tools))
	referenced := make(map[string]bool)
	for name, rec := range st.Tools {
		if s.inlineLimit > 0 && int64(len(rec.Payload)) > s.inlineLimit {
			hash, err := s.writeBlob(st.Identity, rec.Payload)
			if err != nil {
				return fmt.Errorf("spill payload for tool %s: %w", name, err)
			}
			rec.Payload = nil
			rec.Blob = hash
		}
		if rec.Blob != "" {
			referenced[rec.Blob] = true
		}
		doc.Tools[name] = rec
	}

	data, err := Marshal(&doc)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.Path(st.Identity), data); err != nil {
		return err
	}

	s.collectBlobs(st.Identity, referenced)
	s.logger.Debug("saved agent state",
		zap.String("identity", st.Identity),
		zap.Int("tools", len(st.Tools)),
		zap.Int("blobs", len(referenced)),
	)
	return nil
}

// Load reads the document for identity and inlines its spilled payloads.
// A blob that is missing or fails verification leaves its record without a
// payload; only that tool is affected.
func (s *FileStore) Load(ctx context.Context, identity string) (*AgentState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}

	path := s.Path(identity)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read agent state %s: %w", identity, err)
	}

	st, err := Unmarshal(data)
	if err == nil && st.Identity != identity {
		err = fmt.Errorf("%w: document identity %q does not match %q", ErrCorrupt, st.Identity, identity)
	}
	if err != nil {
		s.logger.Warn("corrupt agent state",
			zap.String("identity", identity),
			zap.Error(err),
		)
		if s.quarantine {
			s.quarantineDoc(identity, path)
		}
		return nil, err
	}

	for name, rec := range st.Tools {
		if rec.Blob == "" {
			continue
		}
		payload, err := s.readBlob(identity, rec.Blob)
		if err != nil {
			s.logger.Warn("tool payload unavailable",
				zap.String("identity", identity),
				zap.String("tool", name),
				zap.Error(err),
			)
			continue
		}
		rec.Payload = payload
		rec.Blob = ""
		st.Tools[name] = rec
	}
	return st, nil
}

// Delete removes the document and its blobs.
func (s *FileStore) Delete(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	if err := os.Remove(s.Path(identity)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove agent state %s: %w", identity, err)
	}
	if err := os.RemoveAll(s.blobDir(identity)); err != nil {
		return fmt.Errorf("remove blobs for %s: %w", identity, err)
	}
	s.logger.Debug("deleted agent state", zap.String("identity", identity))
	return nil
}

// List returns every identity with a committed document.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.statesDir)
	if err != nil {
		return nil, fmt.Errorf("read states directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || isTemp(name) || !strings.HasSuffix(name, docExt) {
			continue
		}
		id := strings.TrimSuffix(name, docExt)
		if ValidateIdentity(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Exists reports whether a committed document exists for identity.
func (s *FileStore) Exists(ctx context.Context, identity string) (bool, error) {
	if err := ValidateIdentity(identity); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(identity))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat agent state %s: %w", identity, err)
}

// Sweep removes temporary files left behind by interrupted writes and
// returns how many were removed.
func (s *FileStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.statesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !isTemp(d.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep states directory: %w", err)
	}
	if removed > 0 {
		s.logger.Info("swept temporary files", zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *FileStore) quarantineDoc(identity, path string) {
	dest := filepath.Join(s.quarantineDir, identity+"."+strconv.FormatInt(s.now().UnixNano(), 10)+docExt)
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("quarantine failed",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("quarantined agent state",
		zap.String("identity", identity),
		zap.String("path", dest),
	)
}
