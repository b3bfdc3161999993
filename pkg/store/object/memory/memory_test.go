package memory

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/dittobackup/pkg/store/object"
	objecttesting "github.com/marmos91/dittobackup/pkg/store/object/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryObjectStore runs the object store suite against Store.
func TestMemoryObjectStore(t *testing.T) {
	suite := &objecttesting.StoreTestSuite{
		NewStore: func(t *testing.T) object.Store {
			store, err := New(context.Background())
			require.NoError(t, err)
			return store
		},
	}

	suite.Run(t)
}

func TestMemoryObjectStoreClosed(t *testing.T) {
	store, err := New(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.WriteObject(context.Background(), 1, []byte("x"))
	require.ErrorIs(t, err, object.ErrStoreClosed)
}

type recordedOp struct {
	op    string
	bytes int64
	err   error
}

type recordingMetrics struct {
	ops []recordedOp
}

func (m *recordingMetrics) RecordOperation(op string, _ time.Duration, bytes int64, err error) {
	m.ops = append(m.ops, recordedOp{op: op, bytes: bytes, err: err})
}

// TestInstrumentedObjectStore runs the suite through the metrics wrapper and
// checks what it records.
func TestInstrumentedObjectStore(t *testing.T) {
	suite := &objecttesting.StoreTestSuite{
		NewStore: func(t *testing.T) object.Store {
			store, err := New(context.Background())
			require.NoError(t, err)
			return object.Instrumented(store, &recordingMetrics{})
		},
	}
	suite.Run(t)

	t.Run("RecordsOperations", func(t *testing.T) {
		ctx := context.Background()
		inner, err := New(ctx)
		require.NoError(t, err)
		m := &recordingMetrics{}
		store := object.Instrumented(inner, m)

		require.NoError(t, store.WriteObject(ctx, 2, []byte("hello")))
		data, err := object.ReadAll(ctx, store, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
		_, err = store.ReadObject(ctx, 3)
		require.ErrorIs(t, err, object.ErrObjectNotFound)

		require.Len(t, m.ops, 3)
		assert.Equal(t, recordedOp{op: "write", bytes: 5}, m.ops[0])
		assert.Equal(t, recordedOp{op: "read", bytes: 5}, m.ops[1])
		assert.Equal(t, "read", m.ops[2].op)
		assert.Error(t, m.ops[2].err)
	})

	t.Run("NilMetricsReturnsStore", func(t *testing.T) {
		inner, err := New(context.Background())
		require.NoError(t, err)
		assert.Same(t, inner, object.Instrumented(inner, nil))
	})
}
