// Package object defines the object store adapter: numbered, opaque,
// atomically written objects belonging to one account.
package object

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrObjectNotFound indicates the requested object does not exist.
	//
	// Implementations wrap it with the object ID:
	//
	//	return fmt.Errorf("object %s: %w", FormatID(id), object.ErrObjectNotFound)
	ErrObjectNotFound = errors.New("object not found")

	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("object store closed")
)

// ============================================================================
// Store Interface
// ============================================================================

// Store holds the objects of one account, addressed by numeric ID.
//
// Guarantees every implementation provides:
//   - WriteObject is all-or-nothing: a reader sees either the previous
//     object or the complete new one, never a partial write
//   - a committed write is visible to every subsequent read
//   - DeleteObject is idempotent
//
// Object IDs are allocated by the caller (see store.FileSystem); the store
// never interprets object contents.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// ReadObject returns a reader over the whole object. The caller closes
	// it. Returns ErrObjectNotFound if the object does not exist.
	ReadObject(ctx context.Context, id int64) (io.ReadCloser, error)

	// WriteObject atomically creates or replaces an object.
	WriteObject(ctx context.Context, id int64, data []byte) error

	// ObjectExists reports whether the object exists. It only returns an
	// error for context cancellation or storage failures.
	ObjectExists(ctx context.Context, id int64) (bool, error)

	// ObjectSize returns the stored size of the object in bytes.
	ObjectSize(ctx context.Context, id int64) (int64, error)

	// DeleteObject removes an object. Deleting a missing object succeeds.
	DeleteObject(ctx context.Context, id int64) error

	// ListObjects returns the IDs of every stored object in ascending order.
	ListObjects(ctx context.Context) ([]int64, error)

	// Close releases resources held by the store.
	Close() error
}

// ReadAll reads a whole object into memory.
func ReadAll(ctx context.Context, s Store, id int64) ([]byte, error) {
	r, err := s.ReadObject(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", FormatID(id), err)
	}
	return data, nil
}

// FormatID renders an object ID in errors and logs.
func FormatID(id int64) string {
	return fmt.Sprintf("0x%x", id)
}

// NotFound builds the wrapped ErrObjectNotFound for id.
func NotFound(id int64) error {
	return fmt.Errorf("object %s: %w", FormatID(id), ErrObjectNotFound)
}
