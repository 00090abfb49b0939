package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const blobExt = ".zst"

// writeBlob stores payload compressed under its BLAKE3 hash and returns the
// hash. Existing blobs are left alone since the name fixes the content.
func (s *FileStore) writeBlob(identity string, payload []byte) (string, error) {
	sum := blake3.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	dir := s.blobDir(identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	path := filepath.Join(dir, hash+blobExt)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := writeAtomic(path, s.encoder.EncodeAll(payload, nil)); err != nil {
		return "", err
	}
	return hash, nil
}

func (s *FileStore) readBlob(identity, hash string) ([]byte, error) {
	if strings.ContainsAny(hash, `/\.`) {
		return nil, fmt.Errorf("invalid blob reference %q", hash)
	}
	compressed, err := os.ReadFile(filepath.Join(s.blobDir(identity), hash+blobExt))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	payload, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", hash, err)
	}
	sum := blake3.Sum256(payload)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, fmt.Errorf("blob %s: content hash mismatch", hash)
	}
	return payload, nil
}

// collectBlobs removes blobs not in keep. Failures are logged only; a stray
// blob never affects correctness.
func (s *FileStore) collectBlobs(identity string, keep map[string]bool) {
	dir := s.blobDir(identity)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read blob directory", zap.String("identity", identity), zap.Error(err))
		}
		return
	}
	remaining := 0
	for _, e := range entries {
		name := e.Name()
		if isTemp(name) || keep[strings.TrimSuffix(name, blobExt)] {
			remaining++
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			s.logger.Warn("remove stale blob",
				zap.String("identity", identity),
				zap.String("blob", name),
				zap.Error(err),
			)
			remaining++
		}
	}
	if remaining == 0 {
		os.Remove(dir)
	}
}
