package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"postpilot/internal/job"
	logx "postpilot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Save writes the whole job set to <path>.tmp and renames it over <path>,
// so a crashed write never corrupts the last good snapshot.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) (job.Set, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return job.Set{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return job.Set{}, nil
	}

	var jobs job.Set
	if err := json.Unmarshal(b, &jobs); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = job.Set{}
	}
	return jobs, nil
}

func (s *fileStore) Save(ctx context.Context, jobs job.Set) error {
	_ = ctx
	b, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
