package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"ofs/internal/model"
	"ofs/internal/state"
)

// FileName is the snapshot file written under each snapshot directory.
const FileName = "hybrid.json"

// Snapshotter dumps every hybrid record and reports how many it wrote.
type Snapshotter interface {
	WriteSnapshot(snapshotID string, st state.Store) (int, error)
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

// Path returns the file a snapshot with the given id is written to.
func (f *FilesystemSnapshotter) Path(snapshotID string) string {
	return filepath.Join(f.baseDir, snapshotID, FileName)
}

func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, st state.Store) (int, error) {
	if snapshotID == "" {
		return 0, fmt.Errorf("empty snapshot id")
	}
	if err := os.MkdirAll(filepath.Join(f.baseDir, snapshotID), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}
	dump := make(map[string]model.HybridStockRecord)
	if err := st.Range(func(key string, rec model.HybridStockRecord) error {
		dump[key] = rec
		return nil
	}); err != nil {
		return 0, err
	}

	// write to a temp file first so a crash never leaves a truncated snapshot behind
	tmp := f.Path(snapshotID) + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		out.Close()
		return 0, fmt.Errorf("encode: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, f.Path(snapshotID)); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}
	return len(dump), nil
}

// Load reads a snapshot written by WriteSnapshot.
func Load(path string) (map[string]model.HybridStockRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var m map[string]model.HybridStockRecord
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return m, nil
}
