// Package storage provides object storage abstractions for the tidelake engine.
// It supports local filesystem storage for development and S3-compatible
// storage for production deployments.
//
// The PutIfAbsent operation is the concurrency primitive the transaction log
// is built on: exactly one writer can create a given object, so claiming a
// log slot is an atomic create-if-absent against the backing store.
package storage

import (
	"context"
	"errors"
	"time"
)

// ObjectInfo describes a single stored object as returned by List.
type ObjectInfo struct {
	// Path is the object path relative to the storage root.
	Path string

	// Size is the object size in bytes.
	Size int64

	// LastModified is the storage-reported modification time.
	LastModified time.Time
}

// ObjectStorage abstracts the backing object store. Paths use forward
// slashes regardless of platform and are interpreted relative to the
// store's root.
type ObjectStorage interface {
	// Put writes data to objectPath, replacing any existing object.
	// The write is atomic: readers never observe partial content.
	Put(ctx context.Context, objectPath string, data []byte) error

	// PutIfAbsent writes data to objectPath only if no object exists
	// there. Returns ErrObjectExists when the path is already taken,
	// including when a concurrent writer won the race.
	PutIfAbsent(ctx context.Context, objectPath string, data []byte) error

	// Get reads the full content of the object at objectPath.
	// Returns ErrObjectNotFound if the object does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Upload copies a local file to objectPath. Implementations may use
	// multipart transfers for large files.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies the object at objectPath to a local file.
	// Returns ErrObjectNotFound if the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes the object at objectPath. Deleting a missing
	// object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists at objectPath.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns info for every object whose path starts with prefix,
	// in unspecified order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Common storage errors.
var (
	// ErrObjectNotFound is returned when the requested object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectExists is returned by PutIfAbsent when the target path is
	// already occupied.
	ErrObjectExists = errors.New("object already exists")

	// ErrUploadFailed is returned when an upload operation fails.
	ErrUploadFailed = errors.New("upload failed")

	// ErrDownloadFailed is returned when a download operation fails.
	ErrDownloadFailed = errors.New("download failed")

	// ErrDeleteFailed is returned when a delete operation fails.
	ErrDeleteFailed = errors.New("delete failed")
)

// MultipartUploadConfig tunes multipart uploads for stores that support them.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (minimum 5MB for S3).
	PartSize int64

	// Concurrency is the number of parts uploaded in parallel.
	Concurrency int
}

// DefaultMultipartConfig returns sensible defaults for multipart uploads.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024,
		Concurrency: 5,
	}
}
