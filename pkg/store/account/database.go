// Package account defines the account database: the per-account StoreInfo
// record and the reference count of every object.
package account

import (
	"context"
	"errors"

	"github.com/marmos91/dittobackup/pkg/backup"
)

// ErrInfoNotFound indicates that no StoreInfo record exists for the account.
var ErrInfoNotFound = errors.New("store info not found")

// Database persists account metadata that lives outside the object store.
//
// Reference counts are kept per object: the number of directory entries
// across the account's tree that name the object (the root directory holds
// one implicit reference). An object whose count drops to zero is garbage
// that housekeeping may delete.
//
// Implementations must be safe for concurrent use.
type Database interface {
	// LoadInfo returns the StoreInfo of an account, or ErrInfoNotFound.
	// A record that exists but cannot be decoded is a StructuralCorruption
	// error.
	LoadInfo(ctx context.Context, accountID uint32) (*backup.StoreInfo, error)

	// SaveInfo writes the StoreInfo record of info.AccountID.
	SaveInfo(ctx context.Context, info *backup.StoreInfo) error

	// DeleteInfo removes the StoreInfo record. Deleting a missing record
	// succeeds.
	DeleteInfo(ctx context.Context, accountID uint32) error

	// RefCount returns the reference count of an object (0 if unknown).
	RefCount(ctx context.Context, accountID uint32, objectID int64) (uint32, error)

	// AddReference increments the reference count of an object and returns
	// the new count.
	AddReference(ctx context.Context, accountID uint32, objectID int64) (uint32, error)

	// RemoveReference decrements the reference count of an object and
	// returns the new count. Removing from a zero count is a
	// ReferentialInconsistency error.
	RemoveReference(ctx context.Context, accountID uint32, objectID int64) (uint32, error)

	// RefCounts returns every non-zero reference count of the account.
	RefCounts(ctx context.Context, accountID uint32) (map[int64]uint32, error)

	// ReplaceRefCounts atomically replaces the account's whole reference
	// count table. The checker uses it to install a rebuilt table.
	ReplaceRefCounts(ctx context.Context, accountID uint32, counts map[int64]uint32) error

	// ListAccounts returns the IDs of every account with a StoreInfo record,
	// in ascending order.
	ListAccounts(ctx context.Context) ([]uint32, error)

	// Close releases the database.
	Close() error
}
