package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "reminderd/pkg/logx"
)

// fileStore keeps every key in memory and mirrors the map to a single JSON
// file. Each write goes to <path>.tmp and is renamed over <path>, so a crash
// leaves either the old or the new file, never a torn one.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// on-disk shape: {"key": "<base64>"}
type fileSnapshot map[string]string

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	data := map[string][]byte{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case len(strings.TrimSpace(string(b))) > 0:
		var snap fileSnapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, err
		}
		for k, v := range snap {
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				log.Warn("skipping undecodable key", logx.String("key", k), logx.Err(err))
				continue
			}
			data[k] = raw
		}
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("keys", len(data)))
	return &fileStore{log: log, path: path, data: data}, nil
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *fileStore) Put(ctx context.Context, key string, value []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.data[key]
	s.data[key] = append([]byte(nil), value...)
	if err := s.flushLocked(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.data[key]
	if !had {
		return nil
	}
	delete(s.data, key)
	if err := s.flushLocked(); err != nil {
		s.data[key] = prev
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) flushLocked() error {
	snap := make(fileSnapshot, len(s.data))
	for k, v := range s.data {
		snap[k] = base64.StdEncoding.EncodeToString(v)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

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
