package object

import (
	"context"
	"io"
	"time"

	"github.com/marmos91/dittobackup/pkg/metrics"
)

// Instrumented wraps a Store and reports every call to an
// ObjectStoreMetrics. A nil m returns s unchanged.
func Instrumented(s Store, m metrics.ObjectStoreMetrics) Store {
	if m == nil {
		return s
	}
	return &instrumentedStore{store: s, metrics: m}
}

type instrumentedStore struct {
	store   Store
	metrics metrics.ObjectStoreMetrics
}

// countingReader records the read once the caller closes it, so the byte
// count covers what was actually consumed.
type countingReader struct {
	io.ReadCloser
	start   time.Time
	n       int64
	err     error
	metrics metrics.ObjectStoreMetrics
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

func (r *countingReader) Close() error {
	err := r.ReadCloser.Close()
	r.metrics.RecordOperation("read", time.Since(r.start), r.n, r.err)
	return err
}

func (s *instrumentedStore) ReadObject(ctx context.Context, id int64) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.ReadObject(ctx, id)
	if err != nil {
		s.metrics.RecordOperation("read", time.Since(start), 0, err)
		return nil, err
	}
	return &countingReader{ReadCloser: rc, start: start, metrics: s.metrics}, nil
}

func (s *instrumentedStore) WriteObject(ctx context.Context, id int64, data []byte) error {
	start := time.Now()
	err := s.store.WriteObject(ctx, id, data)
	s.metrics.RecordOperation("write", time.Since(start), int64(len(data)), err)
	return err
}

func (s *instrumentedStore) ObjectExists(ctx context.Context, id int64) (bool, error) {
	start := time.Now()
	ok, err := s.store.ObjectExists(ctx, id)
	s.metrics.RecordOperation("exists", time.Since(start), 0, err)
	return ok, err
}

func (s *instrumentedStore) ObjectSize(ctx context.Context, id int64) (int64, error) {
	start := time.Now()
	size, err := s.store.ObjectSize(ctx, id)
	s.metrics.RecordOperation("size", time.Since(start), 0, err)
	return size, err
}

func (s *instrumentedStore) DeleteObject(ctx context.Context, id int64) error {
	start := time.Now()
	err := s.store.DeleteObject(ctx, id)
	s.metrics.RecordOperation("delete", time.Since(start), 0, err)
	return err
}

func (s *instrumentedStore) ListObjects(ctx context.Context) ([]int64, error) {
	start := time.Now()
	ids, err := s.store.ListObjects(ctx)
	s.metrics.RecordOperation("list", time.Since(start), 0, err)
	return ids, err
}

func (s *instrumentedStore) Close() error {
	return s.store.Close()
}
