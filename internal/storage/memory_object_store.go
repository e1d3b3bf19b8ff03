package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memoryObject bundles payload and descriptor for the in-memory store.
type memoryObject struct {
	data []byte
	info ObjectInfo
}

// MemoryObjectStore is an in-memory ObjectStore used by unit tests and
// single-node development setups.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
}

var _ ObjectStore = (*MemoryObjectStore)(nil)

// NewMemoryObjectStore creates an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		buckets: make(map[string]map[string]memoryObject),
	}
}

// Upload stores data at the given path and returns the object descriptor.
func (s *MemoryObjectStore) Upload(
	_ context.Context, bucket, path string, data []byte, metadata ObjectMetadata,
) (*ObjectInfo, error) {
	if err := validateObjectKey(bucket, path); err != nil {
		return nil, err
	}

	if data == nil {
		return nil, ErrNilObjectData
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	info := ObjectInfo{
		Bucket:   bucket,
		Path:     path,
		Size:     int64(len(payload)),
		Digest:   digestBytes(payload),
		Metadata: copyObjectMetadata(metadata),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		objects = make(map[string]memoryObject)
		s.buckets[bucket] = objects
	}

	objects[path] = memoryObject{data: payload, info: info}

	result := info
	result.Metadata = copyObjectMetadata(info.Metadata)

	return &result, nil
}

// Download returns the payload stored at the given path.
func (s *MemoryObjectStore) Download(_ context.Context, bucket, path string) ([]byte, error) {
	if err := validateObjectKey(bucket, path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][path]
	if !ok {
		return nil, ErrObjectNotFound
	}

	payload := make([]byte, len(obj.data))
	copy(payload, obj.data)

	return payload, nil
}

// Delete removes the object at the given path.
func (s *MemoryObjectStore) Delete(_ context.Context, bucket, path string) error {
	if err := validateObjectKey(bucket, path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets[bucket], path)

	return nil
}

// List returns descriptors for objects whose path starts with prefix.
func (s *MemoryObjectStore) List(_ context.Context, bucket, prefix, delimiter string) ([]ObjectInfo, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, ErrEmptyBucket
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []ObjectInfo

	for path, obj := range s.buckets[bucket] {
		if !listMatch(path, prefix, delimiter) {
			continue
		}

		info := obj.info
		info.Metadata = copyObjectMetadata(obj.info.Metadata)
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Path < infos[j].Path
	})

	return infos, nil
}

// Exists reports whether an object is stored at the given path.
func (s *MemoryObjectStore) Exists(_ context.Context, bucket, path string) (bool, error) {
	if err := validateObjectKey(bucket, path); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.buckets[bucket][path]

	return ok, nil
}

// GetMetadata returns the descriptor for the object at the given path.
func (s *MemoryObjectStore) GetMetadata(_ context.Context, bucket, path string) (*ObjectInfo, error) {
	if err := validateObjectKey(bucket, path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][path]
	if !ok {
		return nil, ErrObjectNotFound
	}

	info := obj.info
	info.Metadata = copyObjectMetadata(obj.info.Metadata)

	return &info, nil
}

// UpdateMetadata replaces the attributes of an existing object.
func (s *MemoryObjectStore) UpdateMetadata(
	_ context.Context, bucket, path string, metadata ObjectMetadata,
) (*ObjectInfo, error) {
	if err := validateObjectKey(bucket, path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.buckets[bucket][path]
	if !ok {
		return nil, ErrObjectNotFound
	}

	obj.info.Metadata = copyObjectMetadata(metadata)
	s.buckets[bucket][path] = obj

	info := obj.info
	info.Metadata = copyObjectMetadata(obj.info.Metadata)

	return &info, nil
}

// Copy duplicates an object to a new path.
func (s *MemoryObjectStore) Copy(_ context.Context, bucket, srcPath, dstPath string) (*ObjectInfo, error) {
	if err := validateObjectKey(bucket, srcPath); err != nil {
		return nil, err
	}

	if err := validateObjectKey(bucket, dstPath); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.buckets[bucket][srcPath]
	if !ok {
		return nil, ErrObjectNotFound
	}

	payload := make([]byte, len(src.data))
	copy(payload, src.data)

	info := src.info
	info.Path = dstPath
	info.Metadata = copyObjectMetadata(src.info.Metadata)

	s.buckets[bucket][dstPath] = memoryObject{data: payload, info: info}

	result := info
	result.Metadata = copyObjectMetadata(info.Metadata)

	return &result, nil
}

// Move relocates an object to a new path, removing the source.
func (s *MemoryObjectStore) Move(ctx context.Context, bucket, srcPath, dstPath string) (*ObjectInfo, error) {
	info, err := s.Copy(ctx, bucket, srcPath, dstPath)
	if err != nil {
		return nil, err
	}

	if err := s.Delete(ctx, bucket, srcPath); err != nil {
		return nil, err
	}

	return info, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryObjectStore) HealthCheck(_ context.Context) error {
	return nil
}

func copyObjectMetadata(metadata ObjectMetadata) ObjectMetadata {
	if metadata == nil {
		return nil
	}

	out := make(ObjectMetadata, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}

	return out
}
