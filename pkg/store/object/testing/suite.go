// Package testing provides a conformance suite for object.Store
// implementations.
package testing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/marmos91/dittobackup/pkg/store/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the object.Store contract, not implementation
// details, so every backend runs the same checks.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &objecttesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) object.Store { return mystore.New() },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) object.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("ReadWrite", suite.RunReadWriteTests)
	t.Run("Delete", suite.RunDeleteTests)
	t.Run("List", suite.RunListTests)
	t.Run("Concurrency", suite.RunConcurrencyTests)
	t.Run("Context", suite.RunContextTests)
}

func testContext() context.Context {
	return context.Background()
}

func (suite *StoreTestSuite) newStore(t *testing.T) object.Store {
	t.Helper()
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustWrite(t *testing.T, s object.Store, id int64, data []byte) {
	t.Helper()
	require.NoError(t, s.WriteObject(testContext(), id, data), "WriteObject should succeed")
}

func mustRead(t *testing.T, s object.Store, id int64) []byte {
	t.Helper()
	data, err := object.ReadAll(testContext(), s, id)
	require.NoError(t, err, "ReadObject should succeed")
	return data
}

// ============================================================================
// Read / Write
// ============================================================================

// RunReadWriteTests checks basic persistence and overwrite semantics.
func (suite *StoreTestSuite) RunReadWriteTests(t *testing.T) {
	t.Run("WriteThenRead", func(t *testing.T) {
		s := suite.newStore(t)
		mustWrite(t, s, 2, []byte("hello"))
		assert.Equal(t, []byte("hello"), mustRead(t, s, 2))

		size, err := s.ObjectSize(testContext(), 2)
		require.NoError(t, err)
		assert.Equal(t, int64(5), size)
	})

	t.Run("OverwriteReplacesWholeObject", func(t *testing.T) {
		s := suite.newStore(t)
		mustWrite(t, s, 2, []byte("a much longer first version"))
		mustWrite(t, s, 2, []byte("short"))
		assert.Equal(t, []byte("short"), mustRead(t, s, 2))
	})

	t.Run("EmptyObject", func(t *testing.T) {
		s := suite.newStore(t)
		mustWrite(t, s, 3, nil)
		exists, err := s.ObjectExists(testContext(), 3)
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Empty(t, mustRead(t, s, 3))
	})

	t.Run("CallerBufferNotAliased", func(t *testing.T) {
		s := suite.newStore(t)
		buf := []byte("original")
		mustWrite(t, s, 4, buf)
		copy(buf, "XXXXXXXX")
		assert.Equal(t, []byte("original"), mustRead(t, s, 4))
	})

	t.Run("MissingObject", func(t *testing.T) {
		s := suite.newStore(t)
		_, err := s.ReadObject(testContext(), 99)
		assert.True(t, errors.Is(err, object.ErrObjectNotFound), "got %v", err)

		_, err = s.ObjectSize(testContext(), 99)
		assert.True(t, errors.Is(err, object.ErrObjectNotFound), "got %v", err)

		exists, err := s.ObjectExists(testContext(), 99)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("LargeIDs", func(t *testing.T) {
		s := suite.newStore(t)
		mustWrite(t, s, 0x7fffffffffffff01, []byte("big"))
		assert.Equal(t, []byte("big"), mustRead(t, s, 0x7fffffffffffff01))
	})
}

// ============================================================================
// Delete
// ============================================================================

// RunDeleteTests checks deletion and its idempotency.
func (suite *StoreTestSuite) RunDeleteTests(t *testing.T) {
	t.Run("DeleteRemoves", func(t *testing.T) {
		s := suite.newStore(t)
		mustWrite(t, s, 2, []byte("x"))
		require.NoError(t, s.DeleteObject(testContext(), 2))

		exists, err := s.ObjectExists(testContext(), 2)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("DeleteMissingSucceeds", func(t *testing.T) {
		s := suite.newStore(t)
		assert.NoError(t, s.DeleteObject(testContext(), 12345))
	})
}

// ============================================================================
// List
// ============================================================================

// RunListTests checks enumeration order and completeness.
func (suite *StoreTestSuite) RunListTests(t *testing.T) {
	t.Run("EmptyStore", func(t *testing.T) {
		s := suite.newStore(t)
		ids, err := s.ListObjects(testContext())
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("AscendingOrder", func(t *testing.T) {
		s := suite.newStore(t)
		for _, id := range []int64{0x300, 5, 1, 0x1ff, 42} {
			mustWrite(t, s, id, []byte{byte(id)})
		}
		require.NoError(t, s.DeleteObject(testContext(), 42))

		ids, err := s.ListObjects(testContext())
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 5, 0x1ff, 0x300}, ids)
	})
}

// ============================================================================
// Concurrency
// ============================================================================

// RunConcurrencyTests checks that concurrent writers to one object never
// expose a torn write.
func (suite *StoreTestSuite) RunConcurrencyTests(t *testing.T) {
	s := suite.newStore(t)
	versions := [][]byte{
		[]byte("version-a-aaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		[]byte("version-b-bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
	}
	mustWrite(t, s, 7, versions[0])

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				_ = s.WriteObject(testContext(), 7, versions[(i+j)%2])
			}
		}()
	}
	for range 20 {
		data, err := object.ReadAll(testContext(), s, 7)
		require.NoError(t, err)
		assert.Contains(t, []string{string(versions[0]), string(versions[1])}, string(data))
	}
	wg.Wait()
}

// ============================================================================
// Context
// ============================================================================

// RunContextTests checks that cancelled contexts are honoured.
func (suite *StoreTestSuite) RunContextTests(t *testing.T) {
	s := suite.newStore(t)
	ctx, cancel := context.WithCancel(testContext())
	cancel()

	assert.ErrorIs(t, s.WriteObject(ctx, 1, []byte("x")), context.Canceled)
	_, err := s.ReadObject(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.ObjectExists(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
