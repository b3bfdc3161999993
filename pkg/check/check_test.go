package check

import (
	"context"
	"fmt"
	"testing"

	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/store"
	accountmemory "github.com/marmos91/dittobackup/pkg/store/account/memory"
	objectmemory "github.com/marmos91/dittobackup/pkg/store/object/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fixture struct {
	t       *testing.T
	ctx     context.Context
	fs      *store.FileSystem
	objects *objectmemory.Store
	dirs    map[int64]*backup.Directory
	nextID  int64
}

// newFixture creates an account holding:
//
//	/a/            (dir)
//	/a/one         "first file"
//	/a/two         "second file"
//	/b/            (dir)
//	/b/three       "third file"
//	/top           "top level file"
//
// and normalises it with a fix run, so every test starts from a clean
// account.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	objects, err := objectmemory.New(ctx)
	require.NoError(t, err)
	fs, err := store.New(store.Config{
		AccountID: 0x77,
		Objects:   objects,
		Accounts:  accountmemory.New(),
		BlockSize: 256,
	})
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, fs, "test", 10000, 20000)
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		ctx:     ctx,
		fs:      fs,
		objects: objects,
		dirs:    map[int64]*backup.Directory{1: backup.NewDirectory(1, 0)},
		nextID:  1,
	}

	a := f.addDir(1, "a")
	f.addFile(a, "one", "first file")
	f.addFile(a, "two", "second file")
	b := f.addDir(1, "b")
	f.addFile(b, "three", "third file")
	f.addFile(1, "top", "top level file")
	f.commit()
	return f
}

func (f *fixture) allocate() int64 {
	f.nextID++
	return f.nextID
}

func (f *fixture) addDir(parent int64, name string) int64 {
	id := f.allocate()
	f.dirs[id] = backup.NewDirectory(id, parent)
	f.dirs[parent].AddEntry(backup.ClearFilename(name), 0, id, 0, backup.FlagDir, 0)
	return id
}

func (f *fixture) addFile(parent int64, name, content string) int64 {
	id := f.allocate()
	h := backup.FileHeader{ContainerID: parent, ModificationTime: 100, Name: backup.ClearFilename(name)}
	blocks, err := f.fs.PutFile(f.ctx, id, h, []byte(content))
	require.NoError(f.t, err)
	f.dirs[parent].AddEntry(backup.ClearFilename(name), 100, id, blocks, backup.FlagFile, 0)
	return id
}

// commit writes the directories, lets a fix run fill in sizes, reference
// counts and StoreInfo, and checks the account is then clean.
func (f *fixture) commit() {
	f.t.Helper()
	for _, d := range f.dirs {
		_, err := f.fs.PutDirectory(f.ctx, d)
		require.NoError(f.t, err)
	}
	info, err := f.fs.LoadInfo(f.ctx)
	require.NoError(f.t, err)
	info.LastObjectIDUsed = f.nextID
	require.NoError(f.t, f.fs.SaveInfo(f.ctx, info))

	_, err = Run(f.ctx, f.fs, Options{Fix: true, Quiet: true})
	require.NoError(f.t, err)
	f.requireClean()
}

func (f *fixture) requireClean() {
	f.t.Helper()
	result, err := Run(f.ctx, f.fs, Options{Quiet: true})
	require.NoError(f.t, err)
	require.Zero(f.t, result.ErrorsFound, "unexpected repairs: %v", result.Repairs)
}

func (f *fixture) dir(id int64) *backup.Directory {
	f.t.Helper()
	d, _, err := f.fs.GetDirectory(f.ctx, id)
	require.NoError(f.t, err)
	return d
}

func (f *fixture) putDir(d *backup.Directory) {
	f.t.Helper()
	data, err := backup.SealDirectory(d)
	require.NoError(f.t, err)
	require.NoError(f.t, f.objects.WriteObject(f.ctx, d.ObjectID(), data))
}

func (f *fixture) putFile(id int64, h backup.FileHeader, content string) {
	f.t.Helper()
	_, err := f.fs.PutFile(f.ctx, id, h, []byte(content))
	require.NoError(f.t, err)
}

func (f *fixture) exists(id int64) bool {
	f.t.Helper()
	ok, err := f.fs.ObjectExists(f.ctx, id)
	require.NoError(f.t, err)
	return ok
}

func (f *fixture) entry(dirID int64, name string) *backup.Entry {
	f.t.Helper()
	return f.dir(dirID).FindMatchingName(backup.ClearFilename(name),
		backup.FlagsIncludeEverything, backup.FlagsExcludeNothing)
}

// checkAndFix runs report mode twice, then fix mode, then report mode
// again. The first three must agree on the error count and the last must
// find nothing. It returns the fix run.
func (f *fixture) checkAndFix() *Result {
	f.t.Helper()

	first, err := Run(f.ctx, f.fs, Options{Quiet: true})
	require.NoError(f.t, err)
	require.NotZero(f.t, first.ErrorsFound, "corruption went unnoticed")

	second, err := Run(f.ctx, f.fs, Options{Quiet: true})
	require.NoError(f.t, err)
	require.Equal(f.t, first.ErrorsFound, second.ErrorsFound, "report mode must not change the account")

	fixed, err := Run(f.ctx, f.fs, Options{Fix: true, Quiet: true})
	require.NoError(f.t, err)
	require.Equal(f.t, first.ErrorsFound, fixed.ErrorsFound, "fix mode must find what report mode found")
	require.True(f.t, fixed.Fixed)

	f.requireClean()
	return fixed
}

func hasRepair(r *Result, id int64) bool {
	for _, rep := range r.Repairs {
		if rep.ObjectID == id {
			return true
		}
	}
	return false
}

// Object IDs of the fixture.
const (
	idA     int64 = 2
	idOne   int64 = 3
	idTwo   int64 = 4
	idB     int64 = 5
	idThree int64 = 6
	idTop   int64 = 7
)

// ============================================================================
// Checker Tests
// ============================================================================

func TestCheckCleanAccount(t *testing.T) {
	f := newFixture(t)

	result, err := Run(f.ctx, f.fs, Options{})
	require.NoError(t, err)
	assert.Zero(t, result.ErrorsFound)
	assert.Equal(t, 7, result.ObjectsScanned)
	assert.Zero(t, result.LostAndFoundID)
	assert.Equal(t, int64(4), result.Info.NumFiles)
	assert.Equal(t, int64(3), result.Info.NumDirectories)
	assert.Contains(t, result.Summary(), "0 errors")

	counts, err := f.fs.RefCounts(f.ctx)
	require.NoError(t, err)
	for id := backup.RootDirectoryID; id <= idTop; id++ {
		assert.Equal(t, uint32(1), counts[id], "object %d", id)
	}
}

func TestCheckRepairs(t *testing.T) {
	t.Run("DanglingEntryRemoved", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.objects.DeleteObject(f.ctx, idOne))

		result := f.checkAndFix()
		assert.True(t, hasRepair(result, idA))
		assert.Nil(t, f.dir(idA).FindEntryByID(idOne))
		assert.NotNil(t, f.dir(idA).FindEntryByID(idTwo))
	})

	t.Run("EmptyDirectoryObjectDeleted", func(t *testing.T) {
		f := newFixture(t)
		d := f.dir(idB)
		require.NoError(t, d.DeleteEntry(idThree))
		f.putDir(d)
		require.NoError(t, f.objects.DeleteObject(f.ctx, idThree))
		require.NoError(t, f.objects.DeleteObject(f.ctx, idB))

		f.checkAndFix()
		assert.Nil(t, f.dir(backup.RootDirectoryID).FindEntryByID(idB))
		assert.False(t, f.exists(idB))
	})

	t.Run("StoreInfoRegenerated", func(t *testing.T) {
		f := newFixture(t)
		before, err := f.fs.LoadInfo(f.ctx)
		require.NoError(t, err)
		require.NoError(t, f.fs.Accounts().DeleteInfo(f.ctx, f.fs.AccountID()))

		_, err = Run(f.ctx, f.fs, Options{Fix: true, Quiet: true, SoftLimit: 5, HardLimit: 6})
		require.NoError(t, err)
		f.requireClean()

		after, err := f.fs.LoadInfo(f.ctx)
		require.NoError(t, err)
		assert.True(t, before.SameUsage(after))
		assert.Equal(t, before.LastObjectIDUsed, after.LastObjectIDUsed)
		assert.Equal(t, int64(5), after.BlocksSoftLimit)
		assert.Equal(t, int64(6), after.BlocksHardLimit)
	})

	t.Run("UsageCountersFixed", func(t *testing.T) {
		f := newFixture(t)
		info, err := f.fs.LoadInfo(f.ctx)
		require.NoError(t, err)
		want := info.Clone()
		info.BlocksUsed += 42
		info.NumFiles = 0
		require.NoError(t, f.fs.SaveInfo(f.ctx, info))

		f.checkAndFix()
		got, err := f.fs.LoadInfo(f.ctx)
		require.NoError(t, err)
		assert.True(t, want.SameUsage(got))
	})

	t.Run("SpuriousFileAttachedToContainer", func(t *testing.T) {
		f := newFixture(t)
		f.putFile(40, backup.FileHeader{ContainerID: idB, ModificationTime: 7, Name: backup.ClearFilename("spurious")}, "data")

		f.checkAndFix()
		e := f.entry(idB, "spurious")
		require.NotNil(t, e)
		assert.Equal(t, int64(40), e.ObjectID)
		assert.Equal(t, int64(7), e.ModificationTime)

		info, err := f.fs.LoadInfo(f.ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, info.LastObjectIDUsed, int64(40))
	})

	t.Run("SpuriousFileNameClashBecomesOldVersion", func(t *testing.T) {
		f := newFixture(t)
		f.putFile(40, backup.FileHeader{ContainerID: idA, Name: backup.ClearFilename("one")}, "older")

		f.checkAndFix()
		versions := f.dir(idA).EntriesWithName(backup.ClearFilename("one"))
		require.Len(t, versions, 2)
		assert.Equal(t, int64(40), versions[0].ObjectID)
		assert.True(t, versions[0].Flags.Has(backup.FlagOldVersion))
		assert.Equal(t, idOne, versions[1].ObjectID)
		assert.False(t, versions[1].Flags.Has(backup.FlagOldVersion))
	})

	t.Run("DiffWithMissingBaseDeleted", func(t *testing.T) {
		f := newFixture(t)
		f.putFile(41, backup.FileHeader{ContainerID: idA, DiffFromID: 999, Name: backup.ClearFilename("diff")}, "patch")

		result := f.checkAndFix()
		assert.True(t, hasRepair(result, 41))
		assert.False(t, f.exists(41))
		assert.Nil(t, f.entry(idA, "diff"))
	})

	t.Run("OrphanDiffAttachedBesideItsBase", func(t *testing.T) {
		f := newFixture(t)
		f.putFile(42, backup.FileHeader{ContainerID: idB, DiffFromID: idOne, Name: backup.ClearFilename("x")}, "patch")

		f.checkAndFix()
		versions := f.dir(idA).EntriesWithName(backup.ClearFilename("one"))
		require.Len(t, versions, 2)
		assert.Equal(t, int64(42), versions[0].ObjectID)
		assert.Equal(t, idOne, versions[0].DependsNewer)
		assert.Equal(t, int64(42), versions[1].DependsOlder)
		assert.True(t, versions[0].Flags.Has(backup.FlagOldVersion))
	})

	t.Run("WrongContainerFixed", func(t *testing.T) {
		f := newFixture(t)
		d := f.dir(idA)
		d.SetContainerID(idB)
		f.putDir(d)

		result := f.checkAndFix()
		assert.True(t, hasRepair(result, idA))
		assert.Equal(t, backup.RootDirectoryID, f.dir(idA).ContainerID())
	})

	t.Run("DuplicateEntryRemoved", func(t *testing.T) {
		f := newFixture(t)
		d := f.dir(idB)
		d.AddEntryCopy(f.dir(idA).FindEntryByID(idOne))
		f.putDir(d)

		f.checkAndFix()
		assert.NotNil(t, f.dir(idA).FindEntryByID(idOne))
		assert.Nil(t, f.dir(idB).FindEntryByID(idOne))
	})

	t.Run("DuplicateEntryInSameDirectoryRemoved", func(t *testing.T) {
		f := newFixture(t)
		d := f.dir(idA)
		dup := d.FindEntryByID(idOne).Clone()
		dup.Name = backup.ClearFilename("alias")
		d.InsertEntryBefore(dup, idOne)
		f.putDir(d)

		f.checkAndFix()
		assert.Len(t, f.dir(idA).Entries(backup.FlagsIncludeEverything, backup.FlagsExcludeNothing), 2)
	})

	t.Run("WrongEntrySizeFixed", func(t *testing.T) {
		f := newFixture(t)
		d := f.dir(idA)
		want := d.FindEntryByID(idTwo).SizeInBlocks
		d.FindEntryByID(idTwo).SizeInBlocks = want + 10
		f.putDir(d)

		f.checkAndFix()
		assert.Equal(t, want, f.dir(idA).FindEntryByID(idTwo).SizeInBlocks)
	})

	t.Run("WrongDirectorySizeFixed", func(t *testing.T) {
		f := newFixture(t)
		root := f.dir(backup.RootDirectoryID)
		want := root.FindEntryByID(idB).SizeInBlocks
		root.FindEntryByID(idB).SizeInBlocks = want + 3
		f.putDir(root)

		f.checkAndFix()
		assert.Equal(t, want, f.dir(backup.RootDirectoryID).FindEntryByID(idB).SizeInBlocks)
	})

	t.Run("DirectoryHeaderIDFixed", func(t *testing.T) {
		f := newFixture(t)
		d := f.dir(idB)
		d.SetObjectID(55)
		data, err := backup.SealDirectory(d)
		require.NoError(t, err)
		require.NoError(t, f.objects.WriteObject(f.ctx, idB, data))

		result := f.checkAndFix()
		assert.True(t, hasRepair(result, idB))
		assert.NotNil(t, f.dir(idB).FindEntryByID(idThree))
	})

	t.Run("MistypedEntryRemoved", func(t *testing.T) {
		f := newFixture(t)
		root := f.dir(backup.RootDirectoryID)
		e := root.FindEntryByID(idTop)
		e.RemoveFlags(backup.FlagFile)
		e.AddFlags(backup.FlagDir)
		f.putDir(root)

		f.checkAndFix()
		// The file loses its entry, then comes back as an orphan under its
		// recorded name.
		e = f.entry(backup.RootDirectoryID, "top")
		require.NotNil(t, e)
		assert.Equal(t, idTop, e.ObjectID)
		assert.True(t, e.Flags.Has(backup.FlagFile))
	})

	t.Run("CorruptFileDeleted", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.objects.WriteObject(f.ctx, idThree, []byte("definitely not an object")))

		result := f.checkAndFix()
		assert.True(t, hasRepair(result, idThree))
		assert.False(t, f.exists(idThree))
		assert.Nil(t, f.dir(idB).FindEntryByID(idThree))
	})

	t.Run("EmptiedDeletedDirectoryRemoved", func(t *testing.T) {
		f := newFixture(t)
		root := f.dir(backup.RootDirectoryID)
		root.FindEntryByID(idB).AddFlags(backup.FlagDeleted)
		f.putDir(root)
		b := f.dir(idB)
		b.FindEntryByID(idThree).AddFlags(backup.FlagDeleted)
		f.putDir(b)
		_, err := Run(f.ctx, f.fs, Options{Fix: true, Quiet: true})
		require.NoError(t, err)
		f.requireClean()

		require.NoError(t, f.objects.WriteObject(f.ctx, idThree, []byte("definitely not an object")))

		result := f.checkAndFix()
		assert.True(t, hasRepair(result, idB))
		assert.Nil(t, f.dir(backup.RootDirectoryID).FindEntryByID(idB))
		assert.False(t, f.exists(idB))
		assert.False(t, f.exists(idThree))

		counts, err := f.fs.RefCounts(f.ctx)
		require.NoError(t, err)
		assert.NotContains(t, counts, idB)
		info, err := f.fs.LoadInfo(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), info.NumDirectories)
	})

	t.Run("EmptyDeletedDirectoryKept", func(t *testing.T) {
		f := newFixture(t)
		b := f.dir(idB)
		require.NoError(t, b.DeleteEntry(idThree))
		f.putDir(b)
		require.NoError(t, f.objects.DeleteObject(f.ctx, idThree))
		root := f.dir(backup.RootDirectoryID)
		root.FindEntryByID(idB).AddFlags(backup.FlagDeleted)
		f.putDir(root)
		_, err := Run(f.ctx, f.fs, Options{Fix: true, Quiet: true})
		require.NoError(t, err)
		f.requireClean()

		// Already empty before the run: removal is housekeeping's job.
		e := f.dir(backup.RootDirectoryID).FindEntryByID(idB)
		require.NotNil(t, e)
		assert.True(t, e.Flags.Has(backup.FlagDeleted))
		assert.True(t, f.exists(idB))
	})

	t.Run("CorruptDirectoryRecreated", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.objects.WriteObject(f.ctx, idA, []byte("garbage")))

		f.checkAndFix()
		// The files name a as their container, so a comes back under its
		// original name with its files.
		e := f.entry(backup.RootDirectoryID, "a")
		require.NotNil(t, e)
		assert.Equal(t, idA, e.ObjectID)
		assert.NotNil(t, f.entry(idA, "one"))
		assert.NotNil(t, f.entry(idA, "two"))
	})

	t.Run("UnreachableDirectoryToLostAndFound", func(t *testing.T) {
		f := newFixture(t)
		root := f.dir(backup.RootDirectoryID)
		require.NoError(t, root.DeleteEntry(idB))
		f.putDir(root)
		d := f.dir(idB)
		d.SetContainerID(idB)
		f.putDir(d)

		result := f.checkAndFix()
		require.NotZero(t, result.LostAndFoundID)
		lf := f.entry(backup.RootDirectoryID, "lost+found0")
		require.NotNil(t, lf)
		assert.Equal(t, result.LostAndFoundID, lf.ObjectID)

		e := f.entry(result.LostAndFoundID, fmt.Sprintf("dir%016x", idB))
		require.NotNil(t, e)
		assert.Equal(t, idB, e.ObjectID)
		assert.Equal(t, result.LostAndFoundID, f.dir(idB).ContainerID())
		assert.NotNil(t, f.dir(idB).FindEntryByID(idThree))
	})

	t.Run("OrphanFileWithoutContainerToLostAndFound", func(t *testing.T) {
		f := newFixture(t)
		f.putFile(43, backup.FileHeader{ContainerID: idTop, Name: backup.ClearFilename("lost")}, "data")

		result := f.checkAndFix()
		require.NotZero(t, result.LostAndFoundID)
		e := f.entry(result.LostAndFoundID, fmt.Sprintf("file%016x", 43))
		require.NotNil(t, e)
		assert.Equal(t, int64(43), e.ObjectID)
	})

	t.Run("LostAndFoundNameTaken", func(t *testing.T) {
		f := newFixture(t)
		f.addFile(1, "lost+found0", "taken")
		root := f.dir(backup.RootDirectoryID)
		root.AddEntryCopy(f.dirs[1].FindMatchingName(backup.ClearFilename("lost+found0"),
			backup.FlagsIncludeEverything, backup.FlagsExcludeNothing))
		f.putDir(root)
		f.putFile(44, backup.FileHeader{ContainerID: 0, Name: backup.ClearFilename("x")}, "data")

		result := f.checkAndFix()
		e := f.entry(backup.RootDirectoryID, "lost+found1")
		require.NotNil(t, e)
		assert.Equal(t, result.LostAndFoundID, e.ObjectID)
	})

	t.Run("DirectoryLoopBroken", func(t *testing.T) {
		f := newFixture(t)
		root := f.dir(backup.RootDirectoryID)
		require.NoError(t, root.DeleteEntry(idA))
		f.putDir(root)
		b := f.dir(idB)
		b.AddEntry(backup.ClearFilename("loop"), 0, idA, 1, backup.FlagDir, 0)
		f.putDir(b)
		a := f.dir(idA)
		a.AddEntry(backup.ClearFilename("back"), 0, idB, 1, backup.FlagDir, 0)
		f.putDir(a)

		// b is still reachable from the root, so its claim on a comes
		// first and a's claim on b is the extra reference.
		f.checkAndFix()
		assert.Nil(t, f.dir(idA).FindEntryByID(idB))
		assert.NotNil(t, f.dir(idB).FindEntryByID(idA))
		assert.Equal(t, idB, f.dir(idA).ContainerID())
	})

	t.Run("DetachedLoopBrokenAtLowestID", func(t *testing.T) {
		f := newFixture(t)
		root := f.dir(backup.RootDirectoryID)
		require.NoError(t, root.DeleteEntry(idA))
		require.NoError(t, root.DeleteEntry(idB))
		f.putDir(root)
		a := f.dir(idA)
		a.AddEntry(backup.ClearFilename("b"), 0, idB, 1, backup.FlagDir, 0)
		f.putDir(a)
		b := f.dir(idB)
		b.AddEntry(backup.ClearFilename("a"), 0, idA, 1, backup.FlagDir, 0)
		f.putDir(b)

		result := f.checkAndFix()
		assert.True(t, hasRepair(result, idA))
		// a is detached from b and goes back to its recorded container.
		e := f.entry(backup.RootDirectoryID, fmt.Sprintf("dir%016x", idA))
		require.NotNil(t, e)
		assert.Nil(t, f.dir(idB).FindEntryByID(idA))
		assert.NotNil(t, f.dir(idA).FindEntryByID(idB))
	})

	t.Run("RootOverwrittenWithFile", func(t *testing.T) {
		f := newFixture(t)
		f.putFile(backup.RootDirectoryID, backup.FileHeader{Name: backup.ClearFilename("evil")}, "not a dir")

		result := f.checkAndFix()
		require.NotZero(t, result.LostAndFoundID)
		root := f.dir(backup.RootDirectoryID)
		assert.Equal(t, 1, root.Len())

		for _, id := range []int64{idA, idB} {
			e := f.entry(result.LostAndFoundID, fmt.Sprintf("dir%016x", id))
			require.NotNil(t, e, "dir %d", id)
		}
		e := f.entry(result.LostAndFoundID, fmt.Sprintf("file%016x", idTop))
		require.NotNil(t, e)
		assert.NotNil(t, f.entry(idA, "one"))
	})

	t.Run("ReferenceCountsRebuilt", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.fs.ReplaceRefCounts(f.ctx, map[int64]uint32{1: 1, idA: 3, 99: 1}))

		f.checkAndFix()
		counts, err := f.fs.RefCounts(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), counts[idA])
		assert.Equal(t, uint32(1), counts[idTwo])
		assert.NotContains(t, counts, int64(99))
	})
}

func TestCheckLocking(t *testing.T) {
	f := newFixture(t)

	locker := store.NewMemoryLocker()
	holder, err := store.New(store.Config{AccountID: 0x77, Objects: f.objects, Accounts: f.fs.Accounts(), Locker: locker})
	require.NoError(t, err)
	checker, err := store.New(store.Config{AccountID: 0x77, Objects: f.objects, Accounts: f.fs.Accounts(), Locker: locker, BlockSize: 256})
	require.NoError(t, err)
	require.NoError(t, holder.TryLock(f.ctx))

	_, err = Run(f.ctx, checker, Options{Fix: true, Quiet: true})
	require.Error(t, err)
	assert.True(t, IsLocked(err))

	// Report mode does not need the lock.
	result, err := Run(f.ctx, checker, Options{Quiet: true})
	require.NoError(t, err)
	assert.Zero(t, result.ErrorsFound)

	require.NoError(t, holder.ReleaseLock(f.ctx))
	_, err = Run(f.ctx, checker, Options{Fix: true, Quiet: true})
	require.NoError(t, err)
	assert.False(t, checker.HoldsLock())
}
