// Package disk persists objects as plain files under a root directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Nach0t/siss/internal/storage"
)

const tmpDirName = ".tmp"

// Config captures the tunables for the disk sink.
type Config struct {
	Root string
}

// Sink implements storage.Sink backed by the local filesystem. Keys map
// directly to file names under the root directory.
type Sink struct {
	root   string
	tmpDir string
}

// New initialises a disk sink rooted at cfg.Root. The directory is not
// touched until Prepare runs.
func New(cfg Config) (*Sink, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	return &Sink{
		root:   root,
		tmpDir: filepath.Join(root, tmpDirName),
	}, nil
}

// Root returns the directory files are written to.
func (s *Sink) Root() string { return s.root }

// Prepare clears the root directory and recreates it empty. Every object
// from a previous run is removed.
func (s *Sink) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("disk: clear root %q: %w", s.root, err)
	}
	if err := os.MkdirAll(s.tmpDir, 0o755); err != nil {
		return fmt.Errorf("disk: prepare root %q: %w", s.root, err)
	}
	return nil
}

// Put writes payload to root/key atomically via a temp file and rename.
func (s *Sink) Put(ctx context.Context, key string, payload []byte, contentType string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(s.tmpDir, 0o755); err != nil {
		return 0, fmt.Errorf("disk: prepare temp directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return 0, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("disk: sync object %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("disk: close object %q: %w", key, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("disk: chmod object %q: %w", key, err)
	}
	dest := filepath.Join(s.root, key)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	return int64(len(payload)), nil
}

// Get reads the payload stored under key.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(filepath.Join(s.root, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read object %q: %w", key, err)
	}
	return payload, nil
}

// List returns the keys under prefix in lexical order. Temp files and
// subdirectories are skipped.
func (s *Sink) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("disk: list root %q: %w", s.root, err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases nothing for the disk sink.
func (s *Sink) Close() error { return nil }

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("disk: empty object key")
	}
	if filepath.IsAbs(key) || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("disk: invalid object key %q", key)
	}
	return nil
}
