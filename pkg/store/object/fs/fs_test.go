package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittobackup/pkg/store/object"
	objecttesting "github.com/marmos91/dittobackup/pkg/store/object/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMirroredStore(t *testing.T) (*Store, []string) {
	t.Helper()
	root := t.TempDir()
	mirrors := []string{filepath.Join(root, "disc0"), filepath.Join(root, "disc1")}
	store, err := New(context.Background(), Config{Mirrors: mirrors})
	require.NoError(t, err)
	return store, mirrors
}

// TestFilesystemObjectStore runs the object store suite against a two
// mirror disc set.
func TestFilesystemObjectStore(t *testing.T) {
	suite := &objecttesting.StoreTestSuite{
		NewStore: func(t *testing.T) object.Store {
			store, _ := newMirroredStore(t)
			return store
		},
	}

	suite.Run(t)
}

func TestFilesystemMirrors(t *testing.T) {
	ctx := context.Background()

	t.Run("EveryMirrorHoldsACopy", func(t *testing.T) {
		store, mirrors := newMirroredStore(t)
		require.NoError(t, store.WriteObject(ctx, 0x1234, []byte("data")))

		for _, m := range mirrors {
			data, err := os.ReadFile(objectPath(m, 0x1234))
			require.NoError(t, err)
			assert.Equal(t, []byte("data"), data)
		}
		assert.Equal(t, filepath.Join(mirrors[0], "12", "34", "o0000000000001234"), objectPath(mirrors[0], 0x1234))
	})

	t.Run("ReadSurvivesLostMirrorCopy", func(t *testing.T) {
		store, mirrors := newMirroredStore(t)
		require.NoError(t, store.WriteObject(ctx, 9, []byte("data")))
		require.NoError(t, os.Remove(objectPath(mirrors[0], 9)))

		data, err := object.ReadAll(ctx, store, 9)
		require.NoError(t, err)
		assert.Equal(t, []byte("data"), data)

		ids, err := store.ListObjects(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{9}, ids)
	})

	t.Run("ListIgnoresTemporaryFiles", func(t *testing.T) {
		store, mirrors := newMirroredStore(t)
		require.NoError(t, store.WriteObject(ctx, 3, []byte("x")))
		stray := objectPath(mirrors[0], 4) + ".123" + tempSuffix
		require.NoError(t, os.MkdirAll(filepath.Dir(stray), 0755))
		require.NoError(t, os.WriteFile(stray, []byte("partial"), 0644))

		ids, err := store.ListObjects(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, ids)
	})

	t.Run("RequiresMirror", func(t *testing.T) {
		_, err := New(ctx, Config{})
		assert.Error(t, err)
	})
}
