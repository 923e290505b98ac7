package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore is an ObjectStore backed by the local filesystem. Paths are
// file:// URIs or plain filesystem paths. PutIfAbsent relies on O_EXCL, which
// is atomic on POSIX filesystems and is what makes the Delta commit point
// safe against concurrent local writers.
type LocalStore struct{}

// NewLocalStore creates a local filesystem object store.
func NewLocalStore() *LocalStore {
	return &LocalStore{}
}

// localPath strips a file:// scheme if present.
func localPath(path string) string {
	return strings.TrimPrefix(path, "file://")
}

// Put writes an object, replacing any existing one.
func (s *LocalStore) Put(ctx context.Context, path string, data []byte) (ObjectInfo, error) {
	p := localPath(path)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to write object: %w", err)
	}
	return ObjectInfo{Path: path, Size: int64(len(data))}, nil
}

// PutIfAbsent writes an object only if it does not exist yet.
func (s *LocalStore) PutIfAbsent(ctx context.Context, path string, data []byte) (ObjectInfo, error) {
	p := localPath(path)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ObjectInfo{}, ErrAlreadyExists
		}
		return ObjectInfo{}, fmt.Errorf("failed to create object: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p)
		return ObjectInfo{}, fmt.Errorf("failed to write object: %w", err)
	}
	if err := f.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to close object: %w", err)
	}
	return ObjectInfo{Path: path, Size: int64(len(data))}, nil
}

// Get reads an object in full.
func (s *LocalStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(localPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// List returns the objects directly under a prefix, sorted by path.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	dir := localPath(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	var infos []ObjectInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, ObjectInfo{
			Path: strings.TrimSuffix(prefix, "/") + "/" + e.Name(),
			Size: fi.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Exists reports whether an object exists.
func (s *LocalStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(localPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// Delete removes an object.
func (s *LocalStore) Delete(ctx context.Context, path string) error {
	if err := os.Remove(localPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
