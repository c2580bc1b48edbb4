package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cursor is the request-scoped progress of a feed run. It is saved after every page
// so a failed run resumes from the page that failed.
type Cursor struct {
	RunID      string    `json:"runId"`
	Page       int       `json:"page"`
	TotalPages int       `json:"totalPages"`
	Since      time.Time `json:"since"`
	MaxSeen    time.Time `json:"maxSeen"`
	Done       bool      `json:"done"`
}

// CheckpointStore persists the cursor between runs.
type CheckpointStore interface {
	Load(ctx context.Context) (Cursor, bool, error)
	Save(ctx context.Context, c Cursor) error
}

type MemoryCheckpoint struct {
	mu  sync.Mutex
	cur *Cursor
}

func (m *MemoryCheckpoint) Load(context.Context) (Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Cursor{}, false, nil
	}
	return *m.cur, true, nil
}

func (m *MemoryCheckpoint) Save(_ context.Context, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = &c
	return nil
}

// FileCheckpoint keeps the cursor in a JSON file replaced atomically on save.
type FileCheckpoint struct {
	path string
}

func NewFileCheckpoint(path string) *FileCheckpoint {
	return &FileCheckpoint{path: path}
}

func (f *FileCheckpoint) Load(context.Context) (Cursor, bool, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return c, true, nil
}

func (f *FileCheckpoint) Save(_ context.Context, c Cursor) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
