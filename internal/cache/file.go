package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileEntry is the on-disk layout of one cached response.
type fileEntry struct {
	Timestamp int64           `json:"timestamp"` // unix ms
	Value     json.RawMessage `json:"value"`
}

// File stores one <key>.json file per entry under a directory.
type File struct {
	dir string
	ttl time.Duration
	now func() time.Time
	mu  sync.Mutex
}

// NewFile creates the directory if needed.
func NewFile(dir string, ttl time.Duration, opts ...Option) (*File, error) {
	ttl = normalizeTTL(ttl)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	o := resolveOptions(opts)
	return &File{dir: dir, ttl: ttl, now: o.now}, nil
}

func (f *File) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

func (f *File) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache file: %w", err)
	}

	var e fileEntry
	if err := json.Unmarshal(data, &e); err != nil {
		// A torn or foreign file is treated as absent and replaced on next Set.
		_ = os.Remove(p)
		return nil, false, nil
	}
	if expired(time.UnixMilli(e.Timestamp), f.now(), f.ttl) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("failed to remove expired cache file: %w", err)
		}
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (f *File) Set(_ context.Context, key string, value json.RawMessage) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fileEntry{Timestamp: f.now().UnixMilli(), Value: value})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move cache file: %w", err)
	}
	return nil
}

// Sweep removes every expired entry file and returns how many were removed.
func (f *File) Sweep(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list cache dir: %w", err)
	}
	now := f.now()
	removed := 0
	for _, p := range matches {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var e fileEntry
		if json.Unmarshal(data, &e) == nil && !expired(time.UnixMilli(e.Timestamp), now, f.ttl) {
			continue
		}
		if err := os.Remove(p); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Ping checks that the directory is still there.
func (f *File) Ping(_ context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("cache dir unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cache dir %s is not a directory", f.dir)
	}
	return nil
}
