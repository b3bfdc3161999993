// Package testing provides a conformance suite for account.Database
// implementations.
package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/store/account"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DatabaseTestSuite tests the account.Database contract.
type DatabaseTestSuite struct {
	// NewDatabase creates a fresh, empty database for each test.
	NewDatabase func(t *testing.T) account.Database
}

// Run executes all tests in the suite.
func (suite *DatabaseTestSuite) Run(t *testing.T) {
	t.Run("StoreInfo", suite.RunInfoTests)
	t.Run("RefCounts", suite.RunRefCountTests)
}

func (suite *DatabaseTestSuite) newDatabase(t *testing.T) account.Database {
	t.Helper()
	db := suite.NewDatabase(t)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// RunInfoTests checks StoreInfo persistence.
func (suite *DatabaseTestSuite) RunInfoTests(t *testing.T) {
	ctx := context.Background()

	t.Run("MissingInfo", func(t *testing.T) {
		db := suite.newDatabase(t)
		_, err := db.LoadInfo(ctx, 0x1234)
		assert.True(t, errors.Is(err, account.ErrInfoNotFound), "got %v", err)
	})

	t.Run("SaveLoadDelete", func(t *testing.T) {
		db := suite.newDatabase(t)
		info := backup.NewStoreInfo(0x1234, "alice", 100, 200)
		info.BlocksUsed = 42
		require.NoError(t, db.SaveInfo(ctx, info))

		loaded, err := db.LoadInfo(ctx, 0x1234)
		require.NoError(t, err)
		assert.Equal(t, info, loaded)

		loaded.BlocksUsed = 1
		again, err := db.LoadInfo(ctx, 0x1234)
		require.NoError(t, err)
		assert.Equal(t, int64(42), again.BlocksUsed, "loaded records must not alias")

		require.NoError(t, db.DeleteInfo(ctx, 0x1234))
		_, err = db.LoadInfo(ctx, 0x1234)
		assert.True(t, errors.Is(err, account.ErrInfoNotFound))
		require.NoError(t, db.DeleteInfo(ctx, 0x1234))
	})

	t.Run("ListAccounts", func(t *testing.T) {
		db := suite.newDatabase(t)
		for _, id := range []uint32{7, 3, 0xffffffff} {
			require.NoError(t, db.SaveInfo(ctx, backup.NewStoreInfo(id, "x", 0, 0)))
		}
		ids, err := db.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint32{3, 7, 0xffffffff}, ids)
	})
}

// RunRefCountTests checks reference counting.
func (suite *DatabaseTestSuite) RunRefCountTests(t *testing.T) {
	ctx := context.Background()

	t.Run("AddRemove", func(t *testing.T) {
		db := suite.newDatabase(t)
		n, err := db.AddReference(ctx, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), n)
		n, err = db.AddReference(ctx, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), n)

		n, err = db.RemoveReference(ctx, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), n)
		n, err = db.RemoveReference(ctx, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), n)

		_, err = db.RemoveReference(ctx, 1, 10)
		assert.ErrorIs(t, err, backup.ErrInconsistent)

		counts, err := db.RefCounts(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, counts)
	})

	t.Run("AccountsAreIsolated", func(t *testing.T) {
		db := suite.newDatabase(t)
		_, err := db.AddReference(ctx, 1, 10)
		require.NoError(t, err)

		n, err := db.RefCount(ctx, 2, 10)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ReplaceRefCounts", func(t *testing.T) {
		db := suite.newDatabase(t)
		for _, id := range []int64{1, 2, 3} {
			_, err := db.AddReference(ctx, 5, id)
			require.NoError(t, err)
		}
		_, err := db.AddReference(ctx, 6, 2)
		require.NoError(t, err)

		require.NoError(t, db.ReplaceRefCounts(ctx, 5, map[int64]uint32{1: 1, 3: 4, 9: 0}))

		counts, err := db.RefCounts(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, map[int64]uint32{1: 1, 3: 4}, counts)

		other, err := db.RefCounts(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, map[int64]uint32{2: 1}, other)
	})
}
