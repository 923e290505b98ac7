// Package storage provides the object store abstraction and storage path
// resolution for Delta tables.
package storage

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrEmptyBucket   = errors.New("bucket name is required")
	ErrUnsupported   = errors.New("unsupported storage type")
)

// Type identifies a storage backend.
type Type string

const (
	TypeS3    Type = "S3"
	TypeLocal Type = "LOCAL"
	TypeHDFS  Type = "HDFS"
	TypeAzure Type = "AZURE"
	TypeGCS   Type = "GCS"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path string
	Size int64
}

// ObjectStore is the narrow capability a Delta table needs from its backing
// store. PutIfAbsent is the commit primitive: it must fail with
// ErrAlreadyExists when the target object exists, atomically with respect to
// concurrent writers.
type ObjectStore interface {
	// Put writes an object, replacing any existing one.
	Put(ctx context.Context, path string, data []byte) (ObjectInfo, error)

	// PutIfAbsent writes an object only if it does not exist yet.
	PutIfAbsent(ctx context.Context, path string, data []byte) (ObjectInfo, error)

	// Get reads an object in full.
	Get(ctx context.Context, path string) ([]byte, error)

	// List returns the objects directly under a prefix, sorted by path.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Exists reports whether an object exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
}

// NewObjectStore creates the object store for the given backend type. Only
// the local filesystem backend ships a client; cloud backends participate in
// path resolution but their clients are provided by the embedding service.
func NewObjectStore(storageType Type) (ObjectStore, error) {
	switch storageType {
	case TypeLocal:
		return NewLocalStore(), nil
	case TypeS3, TypeHDFS, TypeAzure, TypeGCS:
		return nil, errors.Join(ErrUnsupported, errors.New("no client configured for "+string(storageType)))
	default:
		return nil, ErrUnsupported
	}
}
