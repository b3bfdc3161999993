// Package memory implements an in-memory object store.
package memory

import (
	"bytes"
	"context"
	"io"
	"slices"
	"sync"

	"github.com/marmos91/dittobackup/pkg/store/object"
)

// Store implements object.Store using a map.
//
// It is meant for tests and for ephemeral accounts. Writes copy the caller's
// buffer and reads copy the stored one, so callers can never alias stored
// objects.
//
// Thread Safety:
// All operations are protected by a sync.RWMutex.
type Store struct {
	// objects maps object ID to its committed contents
	objects map[int64][]byte

	closed bool
	mu     sync.RWMutex
}

// New creates an empty in-memory object store.
func New(ctx context.Context) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Store{objects: make(map[int64][]byte)}, nil
}

// ReadObject returns a reader over a copy of the object.
func (s *Store) ReadObject(ctx context.Context, id int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, object.ErrStoreClosed
	}
	data, ok := s.objects[id]
	if !ok {
		return nil, object.NotFound(id)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// WriteObject stores a copy of data. Replacing the map value under the write
// lock makes the commit atomic.
func (s *Store) WriteObject(ctx context.Context, id int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := bytes.Clone(data)
	if stored == nil {
		stored = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return object.ErrStoreClosed
	}
	s.objects[id] = stored
	return nil
}

// ObjectExists reports whether id is stored.
func (s *Store) ObjectExists(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, object.ErrStoreClosed
	}
	_, ok := s.objects[id]
	return ok, nil
}

// ObjectSize returns the stored length of id.
func (s *Store) ObjectSize(ctx context.Context, id int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, object.ErrStoreClosed
	}
	data, ok := s.objects[id]
	if !ok {
		return 0, object.NotFound(id)
	}
	return int64(len(data)), nil
}

// DeleteObject removes id. Missing objects are ignored.
func (s *Store) DeleteObject(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return object.ErrStoreClosed
	}
	delete(s.objects, id)
	return nil
}

// ListObjects returns every stored ID in ascending order.
func (s *Store) ListObjects(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, object.ErrStoreClosed
	}
	ids := make([]int64, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Close drops every object.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.objects = nil
	return nil
}
