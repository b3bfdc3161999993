package store

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/dittobackup/pkg/backup"
	accountmemory "github.com/marmos91/dittobackup/pkg/store/account/memory"
	objectmemory "github.com/marmos91/dittobackup/pkg/store/object/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestFileSystem(t *testing.T, locker Locker) *FileSystem {
	t.Helper()
	objects, err := objectmemory.New(context.Background())
	require.NoError(t, err)
	fs, err := New(Config{
		AccountID: 0x1234,
		Objects:   objects,
		Accounts:  accountmemory.New(),
		BlockSize: 256,
		Locker:    locker,
	})
	require.NoError(t, err)
	return fs
}

// ============================================================================
// FileSystem Tests
// ============================================================================

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileSystem(t, nil)

	info, err := CreateAccount(ctx, fs, "alice", 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.NumDirectories)
	assert.Equal(t, info.BlocksInDirectories, info.BlocksUsed)
	assert.Equal(t, backup.RootDirectoryID, info.LastObjectIDUsed)

	root, blocks, err := fs.GetDirectory(ctx, backup.RootDirectoryID)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Len())
	assert.Equal(t, info.BlocksUsed, blocks)
	assert.NotZero(t, root.Revision())

	n, err := fs.RefCount(ctx, backup.RootDirectoryID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	_, err = CreateAccount(ctx, fs, "alice", 1000, 2000)
	assert.Error(t, err)
}

func TestFileSystemObjects(t *testing.T) {
	ctx := context.Background()

	t.Run("FileRoundTrip", func(t *testing.T) {
		fs := newTestFileSystem(t, nil)
		h := backup.FileHeader{ContainerID: 1, Name: backup.ClearFilename("f")}
		blocks, err := fs.PutFile(ctx, 5, h, []byte("content"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), blocks)

		got, payload, gotBlocks, err := fs.GetFile(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, []byte("content"), payload)
		assert.Equal(t, "f", got.Name.String())
		assert.Equal(t, blocks, gotBlocks)

		_, _, err = fs.GetDirectory(ctx, 5)
		assert.ErrorIs(t, err, backup.ErrCorrupt)
	})

	t.Run("MissingObjectIsNotFound", func(t *testing.T) {
		fs := newTestFileSystem(t, nil)
		_, _, _, err := fs.GetFile(ctx, 77)
		assert.ErrorIs(t, err, backup.ErrNotFound)
	})

	t.Run("DirectoryUnderWrongIDIsCorrupt", func(t *testing.T) {
		fs := newTestFileSystem(t, nil)
		data, err := backup.SealDirectory(backup.NewDirectory(3, 1))
		require.NoError(t, err)
		require.NoError(t, fs.Objects().WriteObject(ctx, 4, data))

		_, _, err = fs.GetDirectory(ctx, 4)
		assert.ErrorIs(t, err, backup.ErrCorrupt)
	})

	t.Run("CorruptObjectCarriesID", func(t *testing.T) {
		fs := newTestFileSystem(t, nil)
		require.NoError(t, fs.Objects().WriteObject(ctx, 9, []byte("junk")))
		_, _, _, err := fs.GetFile(ctx, 9)
		var se *backup.StoreError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, int64(9), se.ObjectID)
		assert.Equal(t, backup.KindStructuralCorruption, se.Kind)
	})

	t.Run("MissingInfoIsNotFound", func(t *testing.T) {
		fs := newTestFileSystem(t, nil)
		_, err := fs.LoadInfo(ctx)
		assert.ErrorIs(t, err, backup.ErrNotFound)
	})
}

// ============================================================================
// Locking Tests
// ============================================================================

func TestFileSystemLocking(t *testing.T) {
	ctx := context.Background()

	lockers := map[string]func(t *testing.T) Locker{
		"Memory": func(t *testing.T) Locker { return NewMemoryLocker() },
		"File": func(t *testing.T) Locker {
			l, err := NewFileLocker(t.TempDir())
			require.NoError(t, err)
			return l
		},
	}

	for name, newLocker := range lockers {
		t.Run(name, func(t *testing.T) {
			locker := newLocker(t)
			a := newTestFileSystem(t, locker)
			b := newTestFileSystem(t, locker)

			require.NoError(t, a.TryLock(ctx))
			assert.True(t, a.HoldsLock())
			require.NoError(t, a.TryLock(ctx), "re-locking is a no-op")

			err := b.TryLock(ctx)
			assert.ErrorIs(t, err, ErrLocked)
			assert.False(t, b.HoldsLock())

			require.NoError(t, b.ReleaseLock(ctx), "releasing without holding is fine")
			require.NoError(t, a.ReleaseLock(ctx))
			require.NoError(t, a.ReleaseLock(ctx))

			require.NoError(t, b.TryLock(ctx))
			require.NoError(t, b.ReleaseLock(ctx))
		})
	}
}

func TestFileLockerForeignOwner(t *testing.T) {
	ctx := context.Background()
	l, err := NewFileLocker(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.TryLock(ctx, 1, "owner-a"))
	require.NoError(t, l.Unlock(ctx, 1, "owner-b"))
	assert.ErrorIs(t, l.TryLock(ctx, 1, "owner-b"), ErrLocked)
	require.NoError(t, l.Unlock(ctx, 1, "owner-a"))
	require.NoError(t, l.TryLock(ctx, 1, "owner-b"))
}
