package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/GoPolymarket/polyloop/internal/model"
)

// FileCheckpointRepo keeps the latest snapshot in one JSON file, replaced atomically.
type FileCheckpointRepo struct {
	path string
	mu   sync.Mutex
}

func NewFileCheckpointRepo(path string) *FileCheckpointRepo {
	return &FileCheckpointRepo{path: path}
}

func (r *FileCheckpointRepo) Load(ctx context.Context) (*model.PortfolioState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked()
}

func (r *FileCheckpointRepo) readLocked() (*model.PortfolioState, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.PortfolioState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *FileCheckpointRepo) Save(ctx context.Context, st *model.PortfolioState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, err := r.readLocked(); err == nil && cur != nil && cur.Version >= st.Version {
		return nil
	}
	payload, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".checkpoint-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}
