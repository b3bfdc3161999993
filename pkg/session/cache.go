package session

import (
	"context"
	"sort"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
)

// DefaultDirectoryCacheSize is the default bound of the directory cache.
const DefaultDirectoryCacheSize = 32

// cachedDirectory is one directory owned by the cache.
type cachedDirectory struct {
	dir    *backup.Directory
	blocks int64 // stored size in blocks
	dirty  bool
}

// directoryCache owns every directory a session has loaded, keyed by object
// ID. Directories never leave the cache by reference: callers outside the
// package get clones.
type directoryCache struct {
	entries map[int64]*cachedDirectory
	limit   int
}

func newDirectoryCache(limit int) *directoryCache {
	return &directoryCache{entries: make(map[int64]*cachedDirectory), limit: limit}
}

func (dc *directoryCache) get(id int64) (*cachedDirectory, bool) {
	cd, ok := dc.entries[id]
	return cd, ok
}

func (dc *directoryCache) put(id int64, cd *cachedDirectory) {
	dc.entries[id] = cd
}

func (dc *directoryCache) remove(id int64) {
	delete(dc.entries, id)
}

func (dc *directoryCache) clear() {
	dc.entries = make(map[int64]*cachedDirectory)
}

func (dc *directoryCache) full() bool {
	return len(dc.entries) >= dc.limit
}

// dirtyIDs returns the IDs of dirty directories, highest first.
func (dc *directoryCache) dirtyIDs() []int64 {
	var ids []int64
	for id, cd := range dc.entries {
		if cd.dirty {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids
}

// directory returns the cached directory id, loading it on a miss. With
// allowFlush a miss on a full cache first writes back and drops every cached
// directory; callers holding other cached directories pass false.
func (c *Context) directory(ctx context.Context, id int64, allowFlush bool) (*cachedDirectory, error) {
	if cd, ok := c.cache.get(id); ok {
		c.metrics.RecordDirectoryCache(true)
		return cd, nil
	}
	c.metrics.RecordDirectoryCache(false)

	if allowFlush && c.cache.full() {
		if err := c.FlushDirectoryCache(ctx); err != nil {
			return nil, err
		}
	}

	dir, blocks, err := c.fs.GetDirectory(ctx, id)
	if err != nil {
		return nil, err
	}
	cd := &cachedDirectory{dir: dir, blocks: blocks}
	c.cache.put(id, cd)
	c.metrics.SetCachedDirectories(len(c.cache.entries))
	return cd, nil
}

// GetDirectory returns a copy of directory id.
func (c *Context) GetDirectory(ctx context.Context, id int64) (*backup.Directory, error) {
	if err := c.requireRead("GetDirectory"); err != nil {
		return nil, err
	}
	cd, err := c.directory(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return cd.dir.Clone(), nil
}

// saveDirectoryLater marks a cached directory for writing back.
func (c *Context) saveDirectoryLater(cd *cachedDirectory) {
	cd.dirty = true
}

// saveDirectoryNow writes a cached directory back. A change in its stored
// size is applied to the usage counters and to the directory's entry in its
// container, which is then due for writing too.
func (c *Context) saveDirectoryNow(ctx context.Context, cd *cachedDirectory) error {
	blocks, err := c.fs.PutDirectory(ctx, cd.dir)
	if err != nil {
		return err
	}
	cd.dirty = false
	if blocks == cd.blocks {
		return nil
	}

	c.info.AccountDirectory(cd.blocks, -1)
	c.info.AccountDirectory(blocks, 1)
	cd.blocks = blocks

	id := cd.dir.ObjectID()
	if id != backup.RootDirectoryID {
		parent, err := c.directory(ctx, cd.dir.ContainerID(), false)
		if err != nil {
			return err
		}
		if e := parent.dir.FindEntryByID(id); e != nil {
			e.SizeInBlocks = blocks
			c.saveDirectoryLater(parent)
		} else {
			logger.Warn("Session %s: directory %s not found in its container %s",
				c.id, backup.FormatObjectID(id), backup.FormatObjectID(cd.dir.ContainerID()))
		}
	}
	return c.SaveStoreInfo(ctx, true)
}

// writeDirtyDirectories writes back every dirty directory. Writing a
// directory can dirty its container, so it repeats until nothing is dirty.
func (c *Context) writeDirtyDirectories(ctx context.Context) error {
	for {
		ids := c.cache.dirtyIDs()
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			cd, ok := c.cache.get(id)
			if !ok || !cd.dirty {
				continue
			}
			if err := c.saveDirectoryNow(ctx, cd); err != nil {
				return err
			}
		}
	}
}

// FlushDirectoryCache writes back dirty directories and empties the cache.
func (c *Context) FlushDirectoryCache(ctx context.Context) error {
	if len(c.cache.dirtyIDs()) > 0 {
		if c.readOnly {
			return backup.WrapError(backup.KindProtocolViolation, "FlushDirectoryCache", 0, backup.ErrReadOnly)
		}
		if err := c.writeDirtyDirectories(ctx); err != nil {
			return err
		}
	}
	c.cache.clear()
	c.metrics.SetCachedDirectories(0)
	return nil
}

// ClearDirectoryCache empties the cache without writing anything back.
// Unsaved changes are lost.
func (c *Context) ClearDirectoryCache() {
	if n := len(c.cache.dirtyIDs()); n > 0 {
		logger.Warn("Session %s: discarding %d unsaved directories", c.id, n)
	}
	c.cache.clear()
	c.metrics.SetCachedDirectories(0)
}
