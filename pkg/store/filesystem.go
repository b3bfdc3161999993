// Package store binds the object store and the account database of one
// account into the FileSystem used by the session context, the checker and
// housekeeping.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/store/account"
	"github.com/marmos91/dittobackup/pkg/store/object"
)

// Config assembles a FileSystem.
type Config struct {
	AccountID uint32
	Objects   object.Store
	Accounts  account.Database

	// BlockSize is the accounting block size (default backup.DefaultBlockSize).
	BlockSize int64

	// Locker provides the account write lock (default: a private
	// MemoryLocker, which only serialises users of this FileSystem).
	Locker Locker
}

// FileSystem is the store adapter of one account: typed access to
// directory and file objects, StoreInfo, reference counts and the account
// lock.
//
// A FileSystem holds at most one lock at a time, identified by a random
// owner token generated on TryLock.
type FileSystem struct {
	accountID uint32
	objects   object.Store
	accounts  account.Database
	blockSize int64
	locker    Locker

	lockOwner string
}

// New returns a FileSystem for cfg.AccountID.
func New(cfg Config) (*FileSystem, error) {
	if cfg.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("account database is required")
	}
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = backup.DefaultBlockSize
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &FileSystem{
		accountID: cfg.AccountID,
		objects:   cfg.Objects,
		accounts:  cfg.Accounts,
		blockSize: blockSize,
		locker:    locker,
	}, nil
}

func (fs *FileSystem) AccountID() uint32          { return fs.accountID }
func (fs *FileSystem) BlockSize() int64           { return fs.blockSize }
func (fs *FileSystem) Objects() object.Store      { return fs.objects }
func (fs *FileSystem) Accounts() account.Database { return fs.accounts }

// Blocks converts a stored size in bytes to accounting blocks.
func (fs *FileSystem) Blocks(size int64) int64 {
	return backup.SizeInBlocks(size, fs.blockSize)
}

// ============================================================================
// Objects
// ============================================================================

// ReadRaw returns the stored bytes of an object. A missing object is a
// NotFound StoreError; any other failure is FatalIO.
func (fs *FileSystem) ReadRaw(ctx context.Context, id int64) ([]byte, error) {
	data, err := object.ReadAll(ctx, fs.objects, id)
	if err != nil {
		return nil, fs.objectError("ReadObject", id, err)
	}
	return data, nil
}

// GetDirectory loads a directory object. It returns the directory and its
// stored size in blocks. The header's object ID must match id.
func (fs *FileSystem) GetDirectory(ctx context.Context, id int64) (*backup.Directory, int64, error) {
	data, err := fs.ReadRaw(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	dir, err := backup.OpenDirectory(data)
	if err != nil {
		return nil, 0, annotate(err, "GetDirectory", id)
	}
	if dir.ObjectID() != id {
		return nil, 0, backup.NewError(backup.KindStructuralCorruption, "GetDirectory", id,
			"directory header claims object %s", backup.FormatObjectID(dir.ObjectID()))
	}
	dir.SetRevision(xxhash.Sum64(data))
	return dir, fs.Blocks(int64(len(data))), nil
}

// PutDirectory stores a directory under its own object ID and returns its
// stored size in blocks. The directory's revision is updated.
func (fs *FileSystem) PutDirectory(ctx context.Context, dir *backup.Directory) (int64, error) {
	data, err := backup.SealDirectory(dir)
	if err != nil {
		return 0, err
	}
	if err := fs.objects.WriteObject(ctx, dir.ObjectID(), data); err != nil {
		return 0, fs.objectError("PutDirectory", dir.ObjectID(), err)
	}
	dir.SetRevision(xxhash.Sum64(data))
	return fs.Blocks(int64(len(data))), nil
}

// DirectoryBlocks returns the size a directory would occupy once stored.
func (fs *FileSystem) DirectoryBlocks(dir *backup.Directory) (int64, error) {
	data, err := backup.SealDirectory(dir)
	if err != nil {
		return 0, err
	}
	return fs.Blocks(int64(len(data))), nil
}

// PutFile stores a file object and returns its size in blocks.
func (fs *FileSystem) PutFile(ctx context.Context, id int64, h backup.FileHeader, payload []byte) (int64, error) {
	data, err := backup.SealFile(h, payload)
	if err != nil {
		return 0, err
	}
	if err := fs.objects.WriteObject(ctx, id, data); err != nil {
		return 0, fs.objectError("PutFile", id, err)
	}
	return fs.Blocks(int64(len(data))), nil
}

// FileBlocks returns the size a file object would occupy once stored.
func (fs *FileSystem) FileBlocks(h backup.FileHeader, payload []byte) (int64, error) {
	data, err := backup.SealFile(h, payload)
	if err != nil {
		return 0, err
	}
	return fs.Blocks(int64(len(data))), nil
}

// GetFile loads a file object: header, payload and stored size in blocks.
func (fs *FileSystem) GetFile(ctx context.Context, id int64) (*backup.FileHeader, []byte, int64, error) {
	data, err := fs.ReadRaw(ctx, id)
	if err != nil {
		return nil, nil, 0, err
	}
	h, payload, err := backup.OpenFile(data)
	if err != nil {
		return nil, nil, 0, annotate(err, "GetFile", id)
	}
	return h, payload, fs.Blocks(int64(len(data))), nil
}

// GetFileHeader loads only the header of a file object.
func (fs *FileSystem) GetFileHeader(ctx context.Context, id int64) (*backup.FileHeader, error) {
	h, _, _, err := fs.GetFile(ctx, id)
	return h, err
}

// ObjectExists reports whether the object is stored.
func (fs *FileSystem) ObjectExists(ctx context.Context, id int64) (bool, error) {
	ok, err := fs.objects.ObjectExists(ctx, id)
	if err != nil {
		return false, fs.objectError("ObjectExists", id, err)
	}
	return ok, nil
}

// ObjectBlocks returns the stored size of an object in blocks.
func (fs *FileSystem) ObjectBlocks(ctx context.Context, id int64) (int64, error) {
	size, err := fs.objects.ObjectSize(ctx, id)
	if err != nil {
		return 0, fs.objectError("ObjectSize", id, err)
	}
	return fs.Blocks(size), nil
}

// DeleteObject removes an object. Missing objects are ignored.
func (fs *FileSystem) DeleteObject(ctx context.Context, id int64) error {
	if err := fs.objects.DeleteObject(ctx, id); err != nil {
		return fs.objectError("DeleteObject", id, err)
	}
	return nil
}

// ListObjects returns every stored object ID in ascending order.
func (fs *FileSystem) ListObjects(ctx context.Context) ([]int64, error) {
	ids, err := fs.objects.ListObjects(ctx)
	if err != nil {
		return nil, backup.WrapError(backup.KindFatalIO, "ListObjects", 0, err)
	}
	return ids, nil
}

func (fs *FileSystem) objectError(op string, id int64, err error) error {
	if errors.Is(err, object.ErrObjectNotFound) {
		return backup.WrapError(backup.KindNotFound, op, id, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return backup.WrapError(backup.KindFatalIO, op, id, err)
}

// annotate fills in the operation and object of a decoding error.
func annotate(err error, op string, id int64) error {
	var se *backup.StoreError
	if errors.As(err, &se) {
		c := *se
		c.Op = op
		c.ObjectID = id
		return &c
	}
	return err
}

// ============================================================================
// StoreInfo and reference counts
// ============================================================================

// LoadInfo loads the account's StoreInfo. A missing record is a NotFound
// StoreError wrapping account.ErrInfoNotFound.
func (fs *FileSystem) LoadInfo(ctx context.Context) (*backup.StoreInfo, error) {
	info, err := fs.accounts.LoadInfo(ctx, fs.accountID)
	if err != nil {
		if errors.Is(err, account.ErrInfoNotFound) {
			return nil, backup.WrapError(backup.KindNotFound, "LoadInfo", 0, err)
		}
		if backup.KindOf(err) != 0 {
			return nil, err
		}
		return nil, backup.WrapError(backup.KindFatalIO, "LoadInfo", 0, err)
	}
	return info, nil
}

// SaveInfo writes the account's StoreInfo.
func (fs *FileSystem) SaveInfo(ctx context.Context, info *backup.StoreInfo) error {
	if info.AccountID != fs.accountID {
		return fmt.Errorf("store info of account %08x saved through account %08x", info.AccountID, fs.accountID)
	}
	if err := fs.accounts.SaveInfo(ctx, info); err != nil {
		return backup.WrapError(backup.KindFatalIO, "SaveInfo", 0, err)
	}
	return nil
}

// AddReference increments an object's reference count.
func (fs *FileSystem) AddReference(ctx context.Context, id int64) (uint32, error) {
	return fs.accounts.AddReference(ctx, fs.accountID, id)
}

// RemoveReference decrements an object's reference count.
func (fs *FileSystem) RemoveReference(ctx context.Context, id int64) (uint32, error) {
	return fs.accounts.RemoveReference(ctx, fs.accountID, id)
}

// RefCount returns an object's reference count.
func (fs *FileSystem) RefCount(ctx context.Context, id int64) (uint32, error) {
	return fs.accounts.RefCount(ctx, fs.accountID, id)
}

// RefCounts returns the account's whole reference count table.
func (fs *FileSystem) RefCounts(ctx context.Context) (map[int64]uint32, error) {
	return fs.accounts.RefCounts(ctx, fs.accountID)
}

// ReplaceRefCounts installs a rebuilt reference count table.
func (fs *FileSystem) ReplaceRefCounts(ctx context.Context, counts map[int64]uint32) error {
	return fs.accounts.ReplaceRefCounts(ctx, fs.accountID, counts)
}

// ============================================================================
// Locking
// ============================================================================

// TryLock acquires the account write lock. It returns ErrLocked (wrapped)
// if another owner holds it. Calling it again while holding the lock is a
// no-op.
func (fs *FileSystem) TryLock(ctx context.Context) error {
	if fs.lockOwner != "" {
		return nil
	}
	owner := uuid.NewString()
	if err := fs.locker.TryLock(ctx, fs.accountID, owner); err != nil {
		return err
	}
	fs.lockOwner = owner
	logger.Debug("Account %08x locked by %s", fs.accountID, owner)
	return nil
}

// HoldsLock reports whether this FileSystem holds the account lock.
func (fs *FileSystem) HoldsLock() bool {
	return fs.lockOwner != ""
}

// ReleaseLock releases any lock this FileSystem holds. It is safe to call
// when no lock is held.
func (fs *FileSystem) ReleaseLock(ctx context.Context) error {
	if fs.lockOwner == "" {
		return nil
	}
	owner := fs.lockOwner
	fs.lockOwner = ""
	if err := fs.locker.Unlock(ctx, fs.accountID, owner); err != nil {
		return err
	}
	logger.Debug("Account %08x unlocked by %s", fs.accountID, owner)
	return nil
}

// ============================================================================
// Account creation
// ============================================================================

// CreateAccount initialises an empty account: the root directory, its
// reference and a StoreInfo that accounts for it. It fails if the account
// already has a StoreInfo record.
func CreateAccount(ctx context.Context, fs *FileSystem, name string, softLimit, hardLimit int64) (*backup.StoreInfo, error) {
	if _, err := fs.accounts.LoadInfo(ctx, fs.accountID); err == nil {
		return nil, fmt.Errorf("account %08x already exists", fs.accountID)
	} else if !errors.Is(err, account.ErrInfoNotFound) {
		return nil, err
	}

	root := backup.NewDirectory(backup.RootDirectoryID, backup.NoObject)
	blocks, err := fs.PutDirectory(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := fs.ReplaceRefCounts(ctx, map[int64]uint32{backup.RootDirectoryID: 1}); err != nil {
		return nil, err
	}

	info := backup.NewStoreInfo(fs.accountID, name, softLimit, hardLimit)
	info.AccountDirectory(blocks, 1)
	if err := fs.SaveInfo(ctx, info); err != nil {
		return nil, err
	}

	logger.Info("Created account %08x (%s): soft limit %d, hard limit %d blocks",
		fs.accountID, name, softLimit, hardLimit)
	return info, nil
}
