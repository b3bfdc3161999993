package housekeeping_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/check"
	"github.com/marmos91/dittobackup/pkg/housekeeping"
	"github.com/marmos91/dittobackup/pkg/session"
	"github.com/marmos91/dittobackup/pkg/store"
	accountmemory "github.com/marmos91/dittobackup/pkg/store/account/memory"
	objectmemory "github.com/marmos91/dittobackup/pkg/store/object/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testAccount uint32 = 0x51

type fixture struct {
	ctx      context.Context
	objects  *objectmemory.Store
	accounts *accountmemory.Database
	locker   *store.MemoryLocker
}

func newFixture(t *testing.T, softLimit int64) *fixture {
	t.Helper()
	ctx := context.Background()
	objects, err := objectmemory.New(ctx)
	require.NoError(t, err)
	f := &fixture{ctx: ctx, objects: objects, accounts: accountmemory.New(), locker: store.NewMemoryLocker()}
	_, err = store.CreateAccount(ctx, f.fileSystem(t), "hk", softLimit, 1_000_000)
	require.NoError(t, err)
	return f
}

func (f *fixture) fileSystem(t *testing.T) *store.FileSystem {
	t.Helper()
	fs, err := store.New(store.Config{
		AccountID: testAccount,
		Objects:   f.objects,
		Accounts:  f.accounts,
		BlockSize: 256,
		Locker:    f.locker,
	})
	require.NoError(t, err)
	return fs
}

// session opens a writing session. The caller ends it with CleanUp.
func (f *fixture) session(t *testing.T) *session.Context {
	t.Helper()
	c, err := session.New(session.Config{FileSystem: f.fileSystem(t), LockRetries: -1})
	require.NoError(t, err)
	require.NoError(t, c.Version(session.ProtocolVersion))
	require.NoError(t, c.Login(f.ctx, testAccount, false))
	return c
}

func (f *fixture) info(t *testing.T) *backup.StoreInfo {
	t.Helper()
	info, err := f.fileSystem(t).LoadInfo(f.ctx)
	require.NoError(t, err)
	return info
}

func (f *fixture) exists(t *testing.T, id int64) bool {
	t.Helper()
	ok, err := f.objects.ObjectExists(f.ctx, id)
	require.NoError(t, err)
	return ok
}

func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	result, err := check.Run(f.ctx, f.fileSystem(t), check.Options{Quiet: true})
	require.NoError(t, err)
	require.Zero(t, result.ErrorsFound, "repairs: %v", result.Repairs)
}

func content(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func storeFile(t *testing.T, c *session.Context, dir int64, name string, data []byte, diffFrom int64) int64 {
	t.Helper()
	id, err := c.AddFile(context.Background(), session.AddFileRequest{
		Directory:         dir,
		Name:              backup.ClearFilename(name),
		DiffFromID:        diffFrom,
		Data:              data,
		MarkSameNameAsOld: true,
	})
	require.NoError(t, err)
	return id
}

// versions stores three full versions of "f" and one deleted file "g".
func (f *fixture) versions(t *testing.T) (v1, v2, v3, g int64) {
	t.Helper()
	c := f.session(t)
	v1 = storeFile(t, c, backup.RootDirectoryID, "f", content(1, 1024), 0)
	v2 = storeFile(t, c, backup.RootDirectoryID, "f", content(2, 1024), 0)
	v3 = storeFile(t, c, backup.RootDirectoryID, "f", content(3, 1024), 0)
	g = storeFile(t, c, backup.RootDirectoryID, "g", content(4, 1024), 0)
	_, _, err := c.DeleteFile(f.ctx, backup.RootDirectoryID, backup.ClearFilename("g"))
	require.NoError(t, err)
	require.NoError(t, c.CleanUp(f.ctx))
	return v1, v2, v3, g
}

// ============================================================================
// Pass
// ============================================================================

func TestRunReclaimsOldVersions(t *testing.T) {
	f := newFixture(t, 1)
	v1, v2, v3, g := f.versions(t)
	before := f.info(t)

	stats, err := housekeeping.Run(f.ctx, f.fileSystem(t), housekeeping.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FilesRemoved)
	assert.Equal(t, 3, stats.ObjectsDeleted)
	assert.Positive(t, stats.BlocksFreed)
	assert.False(t, stats.Interrupted)

	for _, id := range []int64{v1, v2, g} {
		assert.False(t, f.exists(t, id), "object %d", id)
	}
	assert.True(t, f.exists(t, v3))

	after := f.info(t)
	assert.Equal(t, int64(1), after.NumFiles)
	assert.Zero(t, after.NumOldFiles)
	assert.Zero(t, after.NumDeletedFiles)
	assert.Equal(t, before.BlocksUsed-stats.BlocksFreed, after.BlocksUsed)

	f.requireConsistent(t)
}

func TestRunUnderSoftLimitKeepsVersions(t *testing.T) {
	f := newFixture(t, 100_000)
	v1, _, _, g := f.versions(t)

	stats, err := housekeeping.Run(f.ctx, f.fileSystem(t), housekeeping.Options{})
	require.NoError(t, err)
	assert.Zero(t, stats.FilesRemoved)
	assert.Zero(t, stats.ObjectsDeleted)
	assert.True(t, f.exists(t, v1))
	assert.True(t, f.exists(t, g))
	f.requireConsistent(t)
}

func TestRunRemovesDiffChainOldestFirst(t *testing.T) {
	f := newFixture(t, 1)
	c := f.session(t)

	v1 := content(10, 4096)
	v2 := append([]byte(nil), v1...)
	copy(v2[:100], content(11, 100))
	v3 := append([]byte(nil), v2...)
	copy(v3[4000:], content(12, 96))

	id1 := storeFile(t, c, backup.RootDirectoryID, "chain", v1, 0)
	id2 := storeFile(t, c, backup.RootDirectoryID, "chain", backup.EncodeDiff(v1, v2, 256), id1)
	id3 := storeFile(t, c, backup.RootDirectoryID, "chain", backup.EncodeDiff(v2, v3, 256), id2)
	require.NoError(t, c.CleanUp(f.ctx))

	stats, err := housekeeping.Run(f.ctx, f.fileSystem(t), housekeeping.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesRemoved)
	assert.False(t, f.exists(t, id1))
	assert.False(t, f.exists(t, id2))

	f.requireConsistent(t)

	c = f.session(t)
	defer func() { require.NoError(t, c.CleanUp(f.ctx)) }()
	file, err := c.GetFile(f.ctx, id3, backup.RootDirectoryID)
	require.NoError(t, err)
	assert.Equal(t, v3, file.Content)
}

func TestRunRemovesEmptyDeletedDirectories(t *testing.T) {
	f := newFixture(t, 100_000)
	c := f.session(t)
	empty, _, err := c.AddDirectory(f.ctx, session.AddDirectoryRequest{
		Container: backup.RootDirectoryID, Name: backup.ClearFilename("empty"),
	})
	require.NoError(t, err)
	full, _, err := c.AddDirectory(f.ctx, session.AddDirectoryRequest{
		Container: backup.RootDirectoryID, Name: backup.ClearFilename("full"),
	})
	require.NoError(t, err)
	inside := storeFile(t, c, full, "x", []byte("x"), 0)
	require.NoError(t, c.DeleteDirectory(f.ctx, empty, false))
	require.NoError(t, c.DeleteDirectory(f.ctx, full, false))
	require.NoError(t, c.CleanUp(f.ctx))

	// Under the soft limit only the empty directory goes.
	stats, err := housekeeping.Run(f.ctx, f.fileSystem(t), housekeeping.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DirectoriesRemoved)
	assert.Zero(t, stats.FilesRemoved)
	assert.False(t, f.exists(t, empty))
	assert.True(t, f.exists(t, full))
	f.requireConsistent(t)

	// Over it, the deleted file goes and takes its directory along.
	info := f.info(t)
	info.BlocksSoftLimit = 1
	require.NoError(t, f.fileSystem(t).SaveInfo(f.ctx, info))

	stats, err = housekeeping.Run(f.ctx, f.fileSystem(t), housekeeping.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesRemoved)
	assert.Equal(t, 1, stats.DirectoriesRemoved)
	assert.False(t, f.exists(t, inside))
	assert.False(t, f.exists(t, full))
	assert.Equal(t, int64(1), f.info(t).NumDirectories)
	f.requireConsistent(t)
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t, 1)
	v1, v2, _, g := f.versions(t)
	before := f.info(t)

	// A dry run does not need the lock.
	holder := f.session(t)
	defer func() { require.NoError(t, holder.CleanUp(f.ctx)) }()

	stats, err := housekeeping.Run(f.ctx, f.fileSystem(t), housekeeping.Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, stats.DryRun)
	assert.Equal(t, 3, stats.FilesRemoved)
	assert.Equal(t, 3, stats.ObjectsDeleted)
	assert.Positive(t, stats.BlocksFreed)

	for _, id := range []int64{v1, v2, g} {
		assert.True(t, f.exists(t, id))
	}
	assert.Equal(t, before.BlocksUsed, f.info(t).BlocksUsed)
}

func TestRunLocked(t *testing.T) {
	f := newFixture(t, 1)
	c := f.session(t)
	defer func() { require.NoError(t, c.CleanUp(f.ctx)) }()

	_, err := housekeeping.Run(f.ctx, f.fileSystem(t), housekeeping.Options{})
	require.Error(t, err)
	assert.True(t, housekeeping.IsLocked(err))
}

func TestRunInterrupted(t *testing.T) {
	f := newFixture(t, 1)
	v1, _, _, _ := f.versions(t)

	stats, err := housekeeping.Run(f.ctx, f.fileSystem(t), housekeeping.Options{
		Interrupted: func() bool { return true },
	})
	require.NoError(t, err)
	assert.True(t, stats.Interrupted)
	assert.Zero(t, stats.FilesRemoved)
	assert.True(t, f.exists(t, v1))
	f.requireConsistent(t)
}

func TestStatsSummary(t *testing.T) {
	s := &housekeeping.Stats{AccountID: 0x51, FilesRemoved: 2, ObjectsDeleted: 2, BlocksFreed: 10}
	summary := s.Summary()
	assert.Contains(t, summary, "account=00000051")
	assert.Contains(t, summary, "files_removed=2")
	assert.Contains(t, summary, "blocks_freed=10")
}
