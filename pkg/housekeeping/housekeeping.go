// Package housekeeping reclaims space in backup accounts.
//
// A pass walks the account's directory tree and, while the account is over
// its soft limit, removes old and deleted file versions, oldest first. Deleted
// directories left empty are always removed. Every object whose reference
// count drops to zero is deleted from the object store.
//
// Passes run either on demand (Run) or in the background (Worker), which
// sessions notify through the Notifier interface.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/marmos91/dittobackup/pkg/store"
)

// Options configures one housekeeping pass.
type Options struct {
	// DryRun logs what would be removed without writing anything. A dry run
	// does not take the account lock.
	DryRun bool

	// Interrupted is polled between removals. When it returns true the pass
	// stops early and commits what it has done so far.
	Interrupted func() bool

	// Metrics receives one record per pass (optional)
	Metrics metrics.HousekeepingMetrics
}

// Stats contains statistics from a housekeeping pass.
type Stats struct {
	AccountID          uint32
	StartTime          time.Time
	EndTime            time.Time
	DryRun             bool
	Interrupted        bool
	DirectoriesScanned int
	FilesRemoved       int   // old and deleted file versions removed
	DirectoriesRemoved int   // empty deleted directories removed
	ObjectsDeleted     int   // objects whose reference count reached zero
	BlocksFreed        int64 // drop in BlocksUsed
}

// Duration returns the total pass duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the pass.
func (s *Stats) Summary() string {
	return fmt.Sprintf("account=%08x dirs=%d files_removed=%d dirs_removed=%d objects_deleted=%d blocks_freed=%d interrupted=%v dry_run=%v duration=%s",
		s.AccountID, s.DirectoriesScanned, s.FilesRemoved, s.DirectoriesRemoved,
		s.ObjectsDeleted, s.BlocksFreed, s.Interrupted, s.DryRun, s.Duration())
}

// Run performs one housekeeping pass on the account behind fs. Unless
// DryRun is set it holds the account write lock for the duration of the
// pass and fails with store.ErrLocked (wrapped) if a session holds it.
func Run(ctx context.Context, fs *store.FileSystem, opts Options) (*Stats, error) {
	stats := &Stats{
		AccountID: fs.AccountID(),
		StartTime: time.Now(),
		DryRun:    opts.DryRun,
	}

	err := run(ctx, fs, opts, stats)
	stats.EndTime = time.Now()

	if opts.Metrics != nil {
		opts.Metrics.RecordRun(stats.AccountID, stats.ObjectsDeleted, stats.BlocksFreed, stats.Duration(), err)
	}
	return stats, err
}

// IsLocked reports whether err means the account was busy.
func IsLocked(err error) bool {
	return errors.Is(err, store.ErrLocked)
}

func run(ctx context.Context, fs *store.FileSystem, opts Options, stats *Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !opts.DryRun {
		if err := fs.TryLock(ctx); err != nil {
			return err
		}
		defer func() {
			if err := fs.ReleaseLock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Housekeeping: account %08x: releasing lock: %v", fs.AccountID(), err)
			}
		}()
	}

	info, err := fs.LoadInfo(ctx)
	if err != nil {
		return err
	}
	refs, err := fs.RefCounts(ctx)
	if err != nil {
		return err
	}

	p := &pass{
		fs:    fs,
		opts:  opts,
		info:  info,
		used:  info.BlocksUsed,
		refs:  refs,
		dirs:  make(map[int64]*dirState),
		stats: stats,
	}

	if err := p.loadTree(ctx); err != nil {
		return err
	}
	p.removeOldVersions()
	p.removeEmptyDeletedDirectories()

	if opts.DryRun {
		p.report()
		stats.BlocksFreed = p.used - p.info.BlocksUsed
		return nil
	}
	return p.commit(ctx)
}

// ============================================================================
// Pass state
// ============================================================================

type dirState struct {
	dir    *backup.Directory
	blocks int64
	dirty  bool
}

type pass struct {
	fs    *store.FileSystem
	opts  Options
	info  *backup.StoreInfo
	used  int64
	refs  map[int64]uint32
	stats *Stats

	dirs  map[int64]*dirState
	order []int64 // breadth-first from the root

	// released lists objects that lost a reference, in removal order.
	released []int64
}

func (p *pass) interrupted() bool {
	if p.stats.Interrupted {
		return true
	}
	if p.opts.Interrupted != nil && p.opts.Interrupted() {
		logger.Info("Housekeeping: account %08x: interrupted", p.fs.AccountID())
		p.stats.Interrupted = true
	}
	return p.stats.Interrupted
}

// loadTree reads every directory reachable from the root. Unreadable
// directories are skipped with a warning; repairing them is the checker's
// job.
func (p *pass) loadTree(ctx context.Context) error {
	queue := []int64{backup.RootDirectoryID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := queue[0]
		queue = queue[1:]
		if _, seen := p.dirs[id]; seen {
			continue
		}

		dir, blocks, err := p.fs.GetDirectory(ctx, id)
		if err != nil {
			if id == backup.RootDirectoryID || backup.KindOf(err) == backup.KindFatalIO {
				return err
			}
			logger.Warn("Housekeeping: account %08x: skipping directory %s: %v",
				p.fs.AccountID(), backup.FormatObjectID(id), err)
			continue
		}
		p.dirs[id] = &dirState{dir: dir, blocks: blocks}
		p.order = append(p.order, id)
		p.stats.DirectoriesScanned++

		for _, e := range dir.Entries(backup.FlagDir, backup.FlagsExcludeNothing) {
			queue = append(queue, e.ObjectID)
		}
	}
	return nil
}

// release drops one reference to id.
func (p *pass) release(id int64) {
	p.released = append(p.released, id)
}

type candidate struct {
	dir   *dirState
	entry *backup.Entry
}

// removeOldVersions removes old and deleted file versions, lowest object ID
// first, until the account is back under its soft limit. A version that an
// older version is stored as a diff against is kept until that older version
// has gone.
func (p *pass) removeOldVersions() {
	if !p.info.OverSoftLimit() {
		return
	}

	var candidates []candidate
	for _, id := range p.order {
		ds := p.dirs[id]
		for _, e := range ds.dir.Entries(backup.FlagFile, backup.FlagsExcludeNothing) {
			if e.Flags.Has(backup.FlagOldVersion) || e.Flags.Has(backup.FlagDeleted) {
				candidates = append(candidates, candidate{dir: ds, entry: e})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.ObjectID < candidates[j].entry.ObjectID
	})

	for _, c := range candidates {
		if !p.info.OverSoftLimit() || p.interrupted() {
			return
		}
		e := c.entry
		if e.DependsOlder != backup.NoObject {
			continue
		}
		if err := c.dir.dir.DeleteEntry(e.ObjectID); err != nil {
			continue
		}
		if e.DependsNewer != backup.NoObject {
			if newer := c.dir.dir.FindEntryByID(e.DependsNewer); newer != nil {
				newer.DependsOlder = backup.NoObject
			}
		}
		c.dir.dirty = true
		p.info.AccountFile(e, -1)
		p.info.AccountFlagChanges(c.dir.dir.FixVersionFlags(e.Name))
		p.release(e.ObjectID)
		p.stats.FilesRemoved++
		logger.Debug("Housekeeping: account %08x: removing %s %s from %s",
			p.fs.AccountID(), e.Flags, backup.FormatObjectID(e.ObjectID), c.dir.dir)
	}
}

// removeEmptyDeletedDirectories removes deleted directories that have no
// entries left. Deepest directories go first, so a deleted directory whose
// only children were empty deleted directories goes in the same pass.
func (p *pass) removeEmptyDeletedDirectories() {
	for i := len(p.order) - 1; i >= 0; i-- {
		ds, ok := p.dirs[p.order[i]]
		if !ok {
			continue
		}
		for _, e := range ds.dir.Entries(backup.FlagDir|backup.FlagDeleted, backup.FlagsExcludeNothing) {
			if p.interrupted() {
				return
			}
			child, ok := p.dirs[e.ObjectID]
			if !ok || child.dir.Len() != 0 {
				continue
			}
			if err := ds.dir.DeleteEntry(e.ObjectID); err != nil {
				continue
			}
			ds.dirty = true
			p.info.AccountDirectory(child.blocks, -1)
			delete(p.dirs, e.ObjectID)
			p.release(e.ObjectID)
			p.stats.DirectoriesRemoved++
			logger.Debug("Housekeeping: account %08x: removing empty deleted directory %s",
				p.fs.AccountID(), backup.FormatObjectID(e.ObjectID))
		}
	}
}

// report logs the plan of a dry run.
func (p *pass) report() {
	acct := p.fs.AccountID()
	logger.Info("Housekeeping: account %08x: DRY RUN - would remove %d file versions and %d directories",
		acct, p.stats.FilesRemoved, p.stats.DirectoriesRemoved)

	counts := make(map[int64]uint32, len(p.released))
	for _, id := range p.released {
		if _, seen := counts[id]; !seen {
			counts[id] = p.refs[id]
		}
		if counts[id] > 0 {
			counts[id]--
		}
		if counts[id] == 0 {
			p.stats.ObjectsDeleted++
			if p.stats.ObjectsDeleted <= 10 {
				logger.Info("  - %s", backup.FormatObjectID(id))
			}
		}
	}
	if p.stats.ObjectsDeleted > 10 {
		logger.Info("  ... and %d more", p.stats.ObjectsDeleted-10)
	}
}

// commit writes the pass back: directories first, deepest first so a
// directory's new size reaches its parent before the parent is written, then
// reference counts and object deletions, then StoreInfo.
func (p *pass) commit(ctx context.Context) error {
	acct := p.fs.AccountID()

	for i := len(p.order) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := p.order[i]
		ds, ok := p.dirs[id]
		if !ok || !ds.dirty {
			continue
		}
		blocks, err := p.fs.PutDirectory(ctx, ds.dir)
		if err != nil {
			return err
		}
		if blocks != ds.blocks {
			p.info.AccountDirectory(ds.blocks, -1)
			p.info.AccountDirectory(blocks, 1)
			ds.blocks = blocks
			if parent, ok := p.dirs[ds.dir.ContainerID()]; ok && id != backup.RootDirectoryID {
				if e := parent.dir.FindEntryByID(id); e != nil {
					e.SizeInBlocks = blocks
					parent.dirty = true
				}
			}
		}
		ds.dirty = false
	}

	for _, id := range p.released {
		if err := ctx.Err(); err != nil {
			return err
		}
		count, err := p.fs.RemoveReference(ctx, id)
		if err != nil {
			// The checker rebuilds reference counts; keep going.
			logger.Warn("Housekeeping: account %08x: %v", acct, err)
			continue
		}
		if count > 0 {
			continue
		}
		if err := p.fs.DeleteObject(ctx, id); err != nil {
			return err
		}
		p.stats.ObjectsDeleted++
	}

	if err := p.fs.SaveInfo(ctx, p.info); err != nil {
		return err
	}
	p.stats.BlocksFreed = p.used - p.info.BlocksUsed

	logger.Info("Housekeeping: account %08x: removed %d file versions and %d directories, deleted %d objects, freed %d blocks",
		acct, p.stats.FilesRemoved, p.stats.DirectoriesRemoved, p.stats.ObjectsDeleted, p.stats.BlocksFreed)
	return nil
}
