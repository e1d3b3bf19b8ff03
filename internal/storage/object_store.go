package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Object store errors.
var (
	// ErrObjectNotFound indicates no object exists at the requested path.
	ErrObjectNotFound = errors.New("object not found")

	// ErrEmptyBucket indicates an empty bucket name was provided.
	ErrEmptyBucket = errors.New("bucket cannot be empty")

	// ErrEmptyObjectPath indicates an empty object path was provided.
	ErrEmptyObjectPath = errors.New("object path cannot be empty")

	// ErrNilObjectData indicates a nil payload was provided for upload.
	ErrNilObjectData = errors.New("object data cannot be nil")
)

// ObjectMetadata carries caller-supplied key/value attributes stored
// alongside an object. Values are free-form strings.
type ObjectMetadata map[string]string

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	// Bucket is the logical container holding the object.
	Bucket string `json:"bucket"`

	// Path is the object key within the bucket.
	Path string `json:"path"`

	// Size is the payload length in bytes.
	Size int64 `json:"size"`

	// Digest is the hex-encoded BLAKE2b-256 hash of the payload.
	Digest string `json:"digest"`

	// Metadata holds caller-supplied attributes.
	Metadata ObjectMetadata `json:"metadata,omitempty"`
}

// ObjectStore persists binary artifacts such as staged correction snapshots
// and trained model blobs. Uploads are idempotent on (bucket, path): writing
// the same path twice replaces the payload and metadata.
type ObjectStore interface {
	// Upload stores data at the given path and returns the object descriptor.
	Upload(ctx context.Context, bucket, path string, data []byte, metadata ObjectMetadata) (*ObjectInfo, error)

	// Download returns the payload stored at the given path.
	// Returns ErrObjectNotFound when no object exists.
	Download(ctx context.Context, bucket, path string) ([]byte, error)

	// Delete removes the object at the given path. Deleting a missing
	// object is not an error.
	Delete(ctx context.Context, bucket, path string) error

	// List returns descriptors for objects whose path starts with prefix,
	// ordered by path. A non-empty delimiter restricts results to paths with
	// no delimiter occurrence after the prefix, so "run-1/" with delimiter
	// "/" lists run-1's direct children only.
	List(ctx context.Context, bucket, prefix, delimiter string) ([]ObjectInfo, error)

	// Exists reports whether an object is stored at the given path.
	Exists(ctx context.Context, bucket, path string) (bool, error)

	// GetMetadata returns the descriptor for the object at the given path.
	// Returns ErrObjectNotFound when no object exists.
	GetMetadata(ctx context.Context, bucket, path string) (*ObjectInfo, error)

	// UpdateMetadata replaces the caller-supplied attributes of an existing
	// object and returns the updated descriptor.
	UpdateMetadata(ctx context.Context, bucket, path string, metadata ObjectMetadata) (*ObjectInfo, error)

	// Copy duplicates an object to a new path, payload and metadata included.
	Copy(ctx context.Context, bucket, srcPath, dstPath string) (*ObjectInfo, error)

	// Move relocates an object to a new path, removing the source.
	Move(ctx context.Context, bucket, srcPath, dstPath string) (*ObjectInfo, error)

	// HealthCheck verifies the backing storage is usable.
	HealthCheck(ctx context.Context) error
}

// listMatch reports whether an object path belongs in List output for the
// given prefix and delimiter.
func listMatch(path, prefix, delimiter string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}

	if delimiter == "" {
		return true
	}

	return !strings.Contains(path[len(prefix):], delimiter)
}

// digestBytes computes the hex-encoded BLAKE2b-256 digest of a payload.
// Digests let callers verify staged artifacts were not altered between
// staging and rollback.
func digestBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// validateObjectKey checks bucket and path arguments shared by all
// ObjectStore implementations.
func validateObjectKey(bucket, path string) error {
	if strings.TrimSpace(bucket) == "" {
		return ErrEmptyBucket
	}

	if strings.TrimSpace(path) == "" {
		return ErrEmptyObjectPath
	}

	return nil
}
