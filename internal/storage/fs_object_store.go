package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// metadataSuffix names the sidecar file holding each object's descriptor.
const metadataSuffix = ".pfmeta"

// ErrInvalidObjectPath indicates a path that escapes the bucket root or
// collides with metadata sidecars.
var ErrInvalidObjectPath = errors.New("invalid object path")

// FSObjectStore is a filesystem-backed ObjectStore. Objects live under
// <root>/<bucket>/<path> with a sidecar descriptor next to each payload.
// It serves single-node deployments where a blob service is unavailable.
type FSObjectStore struct {
	root string
}

var _ ObjectStore = (*FSObjectStore)(nil)

// NewFSObjectStore creates an object store rooted at the given directory,
// creating it if needed.
func NewFSObjectStore(root string) (*FSObjectStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: root directory cannot be empty", ErrInvalidObjectPath)
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}

	return &FSObjectStore{root: root}, nil
}

// Upload stores data at the given path and returns the object descriptor.
func (s *FSObjectStore) Upload(
	_ context.Context, bucket, path string, data []byte, metadata ObjectMetadata,
) (*ObjectInfo, error) {
	if data == nil {
		return nil, ErrNilObjectData
	}

	target, err := s.resolve(bucket, path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	info := ObjectInfo{
		Bucket:   bucket,
		Path:     path,
		Size:     int64(len(data)),
		Digest:   digestBytes(data),
		Metadata: copyObjectMetadata(metadata),
	}

	if err := os.WriteFile(target, data, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write object: %w", err)
	}

	if err := s.writeSidecar(target, info); err != nil {
		return nil, err
	}

	result := info
	result.Metadata = copyObjectMetadata(info.Metadata)

	return &result, nil
}

// Download returns the payload stored at the given path.
func (s *FSObjectStore) Download(_ context.Context, bucket, path string) ([]byte, error) {
	target, err := s.resolve(bucket, path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}

		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	return data, nil
}

// Delete removes the object at the given path.
func (s *FSObjectStore) Delete(_ context.Context, bucket, path string) error {
	target, err := s.resolve(bucket, path)
	if err != nil {
		return err
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	if err := os.Remove(target + metadataSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object metadata: %w", err)
	}

	return nil
}

// List returns descriptors for objects whose path starts with prefix.
func (s *FSObjectStore) List(_ context.Context, bucket, prefix, delimiter string) ([]ObjectInfo, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, ErrEmptyBucket
	}

	bucketRoot := filepath.Join(s.root, bucket)

	var infos []ObjectInfo

	err := filepath.WalkDir(bucketRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() || strings.HasSuffix(p, metadataSuffix) {
			return nil
		}

		rel, err := filepath.Rel(bucketRoot, p)
		if err != nil {
			return err
		}

		objectPath := filepath.ToSlash(rel)
		if !listMatch(objectPath, prefix, delimiter) {
			return nil
		}

		info, err := s.readSidecar(p)
		if err != nil {
			return err
		}

		infos = append(infos, *info)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Path < infos[j].Path
	})

	return infos, nil
}

// Exists reports whether an object is stored at the given path.
func (s *FSObjectStore) Exists(_ context.Context, bucket, path string) (bool, error) {
	target, err := s.resolve(bucket, path)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat object: %w", err)
	}

	return true, nil
}

// GetMetadata returns the descriptor for the object at the given path.
func (s *FSObjectStore) GetMetadata(_ context.Context, bucket, path string) (*ObjectInfo, error) {
	target, err := s.resolve(bucket, path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}

		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	return s.readSidecar(target)
}

// UpdateMetadata replaces the custom metadata on an existing object.
func (s *FSObjectStore) UpdateMetadata(
	ctx context.Context, bucket, path string, metadata ObjectMetadata,
) (*ObjectInfo, error) {
	info, err := s.GetMetadata(ctx, bucket, path)
	if err != nil {
		return nil, err
	}

	target, err := s.resolve(bucket, path)
	if err != nil {
		return nil, err
	}

	info.Metadata = copyObjectMetadata(metadata)
	if err := s.writeSidecar(target, *info); err != nil {
		return nil, err
	}

	result := *info
	result.Metadata = copyObjectMetadata(info.Metadata)

	return &result, nil
}

// Copy duplicates an object to a new path.
func (s *FSObjectStore) Copy(ctx context.Context, bucket, srcPath, dstPath string) (*ObjectInfo, error) {
	data, err := s.Download(ctx, bucket, srcPath)
	if err != nil {
		return nil, err
	}

	src, err := s.GetMetadata(ctx, bucket, srcPath)
	if err != nil {
		return nil, err
	}

	return s.Upload(ctx, bucket, dstPath, data, src.Metadata)
}

// Move copies an object to a new path and removes the original.
func (s *FSObjectStore) Move(ctx context.Context, bucket, srcPath, dstPath string) (*ObjectInfo, error) {
	info, err := s.Copy(ctx, bucket, srcPath, dstPath)
	if err != nil {
		return nil, err
	}

	if err := s.Delete(ctx, bucket, srcPath); err != nil {
		return nil, err
	}

	return info, nil
}

// HealthCheck verifies the root directory is writable.
func (s *FSObjectStore) HealthCheck(_ context.Context) error {
	probe := filepath.Join(s.root, ".healthcheck")

	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("%w: %s", ErrStoreUnreachable, err)
	}

	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("%w: %s", ErrStoreUnreachable, err)
	}

	return nil
}

// resolve maps a bucket/path pair to a filesystem location, rejecting
// traversal outside the bucket root.
func (s *FSObjectStore) resolve(bucket, path string) (string, error) {
	if err := validateObjectKey(bucket, path); err != nil {
		return "", err
	}

	if strings.HasSuffix(path, metadataSuffix) {
		return "", fmt.Errorf("%w: reserved suffix %q", ErrInvalidObjectPath, metadataSuffix)
	}

	bucketRoot := filepath.Join(s.root, filepath.Clean(bucket))
	target := filepath.Join(bucketRoot, filepath.FromSlash(path))

	if !strings.HasPrefix(target, bucketRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes bucket", ErrInvalidObjectPath, path)
	}

	return target, nil
}

func (s *FSObjectStore) writeSidecar(target string, info ObjectInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal object metadata: %w", err)
	}

	if err := os.WriteFile(target+metadataSuffix, data, 0o640); err != nil {
		return fmt.Errorf("failed to write object metadata: %w", err)
	}

	return nil
}

func (s *FSObjectStore) readSidecar(target string) (*ObjectInfo, error) {
	data, err := os.ReadFile(target + metadataSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}

		return nil, fmt.Errorf("failed to read object metadata: %w", err)
	}

	var info ObjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal object metadata: %w", err)
	}

	return &info, nil
}
