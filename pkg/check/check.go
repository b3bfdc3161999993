// Package check implements the offline consistency checker of an account.
//
// A run loads every object of the account into memory, rebuilds the
// directory tree, the reference counts and the StoreInfo usage counters
// from what is actually stored, and compares them with the recorded state.
// In fix mode the differences are written back; in report mode nothing is
// written, and the same repairs are computed and counted.
//
// Passes:
//
//  1. Scan: open every object; corrupt objects and file diffs whose base
//     cannot be reconstructed are quarantined (deleted when fixing).
//  2. Directories, in ascending ID order: header and container fixes,
//     dangling and mistyped entries, entry sizes, directory invariants
//     (Directory.CheckAndFix). The first directory to claim an object
//     keeps it.
//  3. Reachability from the root; loops are broken at their lowest ID.
//  4. Orphans are re-attached to their recorded container, to a
//     recreated container, or to a lost+found directory under the root.
//  5. Directory sizes, reference counts and StoreInfo are recomputed.
//
// The checker expects exclusive access to the account: in fix mode it
// takes the account write lock and fails if a session holds it.
package check

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/marmos91/dittobackup/pkg/store"
)

// Options configures a checker run.
type Options struct {
	// Fix writes repairs back. Without it the run only reports.
	Fix bool

	// Quiet suppresses the per-repair log lines. Repairs are still
	// collected in the Result.
	Quiet bool

	// SoftLimit and HardLimit (blocks) are used when the StoreInfo record
	// is missing or unreadable and has to be regenerated.
	SoftLimit int64
	HardLimit int64

	// Metrics receives the run summary (nil for none).
	Metrics metrics.CheckMetrics
}

// Repair is one problem found, and fixed in fix mode.
type Repair struct {
	Kind     backup.ErrorKind
	ObjectID int64
	Message  string
}

func (r Repair) String() string {
	return fmt.Sprintf("%s %s: %s", r.Kind, backup.FormatObjectID(r.ObjectID), r.Message)
}

// Result is the report of a checker run.
type Result struct {
	AccountID      uint32
	Fixed          bool
	ErrorsFound    int
	ObjectsScanned int
	Repairs        []Repair

	// LostAndFoundID is the lost+found directory created by this run, 0
	// if none was needed.
	LostAndFoundID int64

	// Info is the StoreInfo as recomputed by the run.
	Info *backup.StoreInfo

	Duration time.Duration
}

// Summary renders a one-line summary of the run.
func (r *Result) Summary() string {
	mode := "checked"
	if r.Fixed {
		mode = "checked and fixed"
	}
	return fmt.Sprintf("account %08x %s: %d objects scanned, %d errors found in %s",
		r.AccountID, mode, r.ObjectsScanned, r.ErrorsFound, r.Duration.Round(time.Millisecond))
}

// ============================================================================
// Checker state
// ============================================================================

type dirState struct {
	dir *backup.Directory

	// original is the directory as read, nil for directories this run
	// creates. storedBlocks is the size of the stored copy.
	original     *backup.Directory
	storedBlocks int64

	// headerFixed is set when the stored header named another object.
	headerFixed bool

	finalBlocks int64
}

func (s *dirState) created() bool { return s.original == nil }

func (s *dirState) modified() bool {
	return s.original == nil || s.headerFixed || !s.dir.Equal(s.original)
}

type fileState struct {
	header *backup.FileHeader
	blocks int64
}

type missingDir struct {
	parent int64
	entry  *backup.Entry
}

type checker struct {
	ctx    context.Context
	fs     *store.FileSystem
	opts   Options
	result *Result

	dirs   map[int64]*dirState
	files  map[int64]*fileState
	broken map[int64]string

	// claimed maps an object to the directory whose entry keeps it.
	claimed map[int64]int64

	// missingDirs remembers where a directory that no longer exists was
	// referenced from, for recreating it.
	missingDirs map[int64]missingDir

	reachable     map[int64]bool
	rootRecreated bool

	// emptied holds deleted directories this run emptied and removed.
	emptied map[int64]bool

	info      *backup.StoreInfo
	maxStored int64
	lastID    int64
}

// Run checks the account of fs and, with opts.Fix, repairs it.
//
// Malformed objects are never fatal. Errors are returned only when the
// account cannot be read at all (listing fails, an object cannot be read
// for a reason other than its absence) or when writing repairs fails.
func Run(ctx context.Context, fs *store.FileSystem, opts Options) (*Result, error) {
	start := time.Now()

	if opts.Fix {
		if err := fs.TryLock(ctx); err != nil {
			return nil, fmt.Errorf("failed to lock account %08x for checking: %w", fs.AccountID(), err)
		}
		defer func() {
			if err := fs.ReleaseLock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Failed to release lock of account %08x: %v", fs.AccountID(), err)
			}
		}()
	}

	c := &checker{
		ctx:         ctx,
		fs:          fs,
		opts:        opts,
		result:      &Result{AccountID: fs.AccountID(), Fixed: opts.Fix},
		dirs:        make(map[int64]*dirState),
		files:       make(map[int64]*fileState),
		broken:      make(map[int64]string),
		claimed:     make(map[int64]int64),
		missingDirs: make(map[int64]missingDir),
		reachable:   make(map[int64]bool),
		emptied:     make(map[int64]bool),
	}

	logger.Info("Checking account %08x (fix=%v)", fs.AccountID(), opts.Fix)

	if err := c.scan(); err != nil {
		return nil, err
	}
	if err := c.loadInfo(); err != nil {
		return nil, err
	}
	c.checkRoot()
	c.checkDiffChains()
	for _, id := range sortedKeys(c.dirs) {
		c.checkDirectory(id)
	}
	tops := c.findDetachedDirectories()
	c.reattach(tops)
	c.checkContainers()
	c.removeEmptiedDirectories()
	c.finalCheckAndFix()
	c.fixSizes()

	counts := c.expectedRefCounts()
	refsWrong, err := c.checkRefCounts(counts)
	if err != nil {
		return nil, err
	}
	info := c.recomputeInfo()

	if opts.Fix {
		if err := c.write(counts, refsWrong, info); err != nil {
			return nil, err
		}
	}

	c.result.Info = info
	c.result.Duration = time.Since(start)
	if opts.Metrics != nil {
		opts.Metrics.RecordCheck(fs.AccountID(), opts.Fix, c.result.ErrorsFound, c.result.ObjectsScanned, c.result.Duration)
	}
	logger.Info("%s", c.result.Summary())
	return c.result, nil
}

// report records one error. Fix runs log repairs at WARN, report runs at
// INFO.
func (c *checker) report(kind backup.ErrorKind, id int64, format string, args ...any) {
	r := Repair{Kind: kind, ObjectID: id, Message: fmt.Sprintf(format, args...)}
	c.result.ErrorsFound++
	c.result.Repairs = append(c.result.Repairs, r)
	if c.opts.Quiet {
		return
	}
	if c.opts.Fix {
		logger.Warn("Account %08x: %s", c.fs.AccountID(), r)
	} else {
		logger.Info("Account %08x: %s", c.fs.AccountID(), r)
	}
}

func sortedKeys[V any](m map[int64]V) []int64 {
	return slices.Sorted(maps.Keys(m))
}

func fmtID(id int64) string { return backup.FormatObjectID(id) }

// ============================================================================
// Pass 1: scan
// ============================================================================

func (c *checker) scan() error {
	ids, err := c.fs.ListObjects(c.ctx)
	if err != nil {
		return err
	}
	c.result.ObjectsScanned = len(ids)

	for i, id := range ids {
		if i%256 == 0 {
			if err := c.ctx.Err(); err != nil {
				return err
			}
		}
		c.maxStored = max(c.maxStored, id)
		if id <= backup.NoObject {
			c.quarantine(id, "is not a valid object ID")
			continue
		}

		data, err := c.fs.ReadRaw(c.ctx, id)
		if err != nil {
			if backup.KindOf(err) == backup.KindNotFound {
				continue
			}
			return err
		}

		typ, _, err := backup.Open(data)
		if err != nil {
			c.quarantine(id, fmt.Sprintf("is corrupt: %v", err))
			continue
		}
		blocks := c.fs.Blocks(int64(len(data)))

		switch typ {
		case backup.ObjectTypeDirectory:
			dir, err := backup.OpenDirectory(data)
			if err != nil {
				c.quarantine(id, fmt.Sprintf("is a corrupt directory: %v", err))
				continue
			}
			state := &dirState{dir: dir, original: dir.Clone(), storedBlocks: blocks}
			if dir.ObjectID() != id {
				c.report(backup.KindStructuralCorruption, id,
					"directory header has object ID %s, fixed", fmtID(dir.ObjectID()))
				dir.SetObjectID(id)
				state.headerFixed = true
			}
			c.dirs[id] = state

		case backup.ObjectTypeFile:
			h, _, err := backup.OpenFile(data)
			if err != nil {
				c.quarantine(id, fmt.Sprintf("is a corrupt file: %v", err))
				continue
			}
			c.files[id] = &fileState{header: h, blocks: blocks}
		}
	}
	return nil
}

func (c *checker) quarantine(id int64, reason string) {
	delete(c.files, id)
	delete(c.dirs, id)
	c.broken[id] = reason
	c.report(backup.KindStructuralCorruption, id, "object %s, deleted", reason)
}

func (c *checker) loadInfo() error {
	info, err := c.fs.LoadInfo(c.ctx)
	switch {
	case err == nil:
		c.info = info
		if info.LastObjectIDUsed < c.maxStored {
			c.report(backup.KindReferentialInconsistency, 0,
				"last object ID used is %s but objects up to %s exist, fixed",
				fmtID(info.LastObjectIDUsed), fmtID(c.maxStored))
		}
		c.lastID = max(info.LastObjectIDUsed, c.maxStored)
	case backup.KindOf(err) == backup.KindNotFound || backup.KindOf(err) == backup.KindStructuralCorruption:
		c.report(backup.KindStructuralCorruption, 0, "store info is unreadable (%v), regenerated", err)
		c.lastID = max(c.maxStored, backup.RootDirectoryID)
	default:
		return err
	}
	return nil
}

// checkDiffChains quarantines file objects whose content cannot be
// reconstructed: a diff against an object that is missing, is not a file,
// or is itself unreconstructable, and diffs that form a loop. A base can
// have only one diff stored against it; extra ones are dropped, keeping the
// most recent.
func (c *checker) checkDiffChains() {
	byBase := make(map[int64][]int64)
	for _, id := range sortedKeys(c.files) {
		if base := c.files[id].header.DiffFromID; base != backup.NoObject {
			byBase[base] = append(byBase[base], id)
		}
	}
	for _, base := range sortedKeys(byBase) {
		ids := byBase[base]
		for _, id := range ids[:len(ids)-1] {
			c.quarantine(id, fmt.Sprintf("is a second diff against %s", fmtID(base)))
		}
	}

	const (
		unknown = iota
		visiting
		good
		bad
	)
	state := make(map[int64]int)
	var visit func(id int64) bool
	visit = func(id int64) bool {
		f, ok := c.files[id]
		if !ok {
			return false
		}
		switch state[id] {
		case visiting, bad:
			return false
		case good:
			return true
		}
		if f.header.DiffFromID == backup.NoObject {
			state[id] = good
			return true
		}
		state[id] = visiting
		if visit(f.header.DiffFromID) {
			state[id] = good
			return true
		}
		state[id] = bad
		return false
	}

	var lost []int64
	for _, id := range sortedKeys(c.files) {
		if !visit(id) {
			lost = append(lost, id)
		}
	}
	for _, id := range lost {
		c.quarantine(id, fmt.Sprintf("is a diff against %s which cannot be reconstructed",
			fmtID(c.files[id].header.DiffFromID)))
	}
}

// checkRoot makes sure a root directory exists.
func (c *checker) checkRoot() {
	root, ok := c.dirs[backup.RootDirectoryID]
	if !ok {
		if _, isFile := c.files[backup.RootDirectoryID]; isFile {
			c.quarantine(backup.RootDirectoryID, "is a file where the root directory should be")
		}
		c.report(backup.KindReferentialInconsistency, backup.RootDirectoryID,
			"root directory is missing, recreated")
		c.dirs[backup.RootDirectoryID] = &dirState{
			dir: backup.NewDirectory(backup.RootDirectoryID, backup.NoObject),
		}
		c.rootRecreated = true
		return
	}
	if root.dir.ContainerID() != backup.NoObject {
		c.report(backup.KindReferentialInconsistency, backup.RootDirectoryID,
			"root directory has container %s, fixed", fmtID(root.dir.ContainerID()))
		root.dir.SetContainerID(backup.NoObject)
	}
}

// ============================================================================
// Pass 2: directories
// ============================================================================

func (c *checker) checkDirectory(id int64) {
	d := c.dirs[id].dir

	d.RemoveIf(func(e *backup.Entry) bool {
		problem := c.entryProblem(id, e)
		if problem == "" {
			return false
		}
		c.report(backup.KindReferentialInconsistency, id,
			"entry %s %s, removed", fmtID(e.ObjectID), problem)
		return true
	})

	for _, e := range d.Entries(backup.FlagFile, backup.FlagDir) {
		f := c.files[e.ObjectID]
		if e.DependsNewer != f.header.DiffFromID {
			c.report(backup.KindReferentialInconsistency, id,
				"entry %s depends on %s but is stored as a diff against %s, fixed",
				fmtID(e.ObjectID), fmtID(e.DependsNewer), fmtID(f.header.DiffFromID))
			e.DependsNewer = f.header.DiffFromID
		}
	}

	c.checkAndFix(id)

	removed := d.RemoveIf(func(e *backup.Entry) bool {
		parent, taken := c.claimed[e.ObjectID]
		if !taken {
			return false
		}
		c.report(backup.KindReferentialInconsistency, id,
			"entry %s is already referenced from directory %s, removed",
			fmtID(e.ObjectID), fmtID(parent))
		return true
	})
	if len(removed) > 0 {
		c.checkAndFix(id)
	}

	for _, e := range d.Entries(backup.FlagsIncludeEverything, backup.FlagsExcludeNothing) {
		c.claimed[e.ObjectID] = id
		if f, ok := c.files[e.ObjectID]; ok && e.SizeInBlocks != f.blocks {
			c.report(backup.KindReferentialInconsistency, id,
				"entry %s has size %d blocks, object is %d, fixed",
				fmtID(e.ObjectID), e.SizeInBlocks, f.blocks)
			e.SizeInBlocks = f.blocks
		}
	}
}

// entryProblem returns why an entry cannot stay in directory id, or "".
func (c *checker) entryProblem(id int64, e *backup.Entry) string {
	switch {
	case e.ObjectID <= backup.NoObject:
		return "has an invalid object ID"
	case e.ObjectID == backup.RootDirectoryID:
		return "references the root directory"
	case e.ObjectID == id:
		return "references its own directory"
	}

	_, isDir := c.dirs[e.ObjectID]
	_, isFile := c.files[e.ObjectID]

	switch {
	case e.Flags.Has(backup.FlagDir):
		if isDir {
			return ""
		}
		if isFile {
			return "is a directory entry for a file object"
		}
		if _, seen := c.missingDirs[e.ObjectID]; !seen {
			c.missingDirs[e.ObjectID] = missingDir{parent: id, entry: e.Clone()}
		}
		return "references a directory that does not exist"
	case e.Flags.Has(backup.FlagFile):
		if isFile {
			return ""
		}
		if isDir {
			return "is a file entry for a directory object"
		}
		return "references a file that does not exist"
	default:
		return "is neither a file nor a directory"
	}
}

func (c *checker) checkAndFix(id int64) {
	for _, n := range c.dirs[id].dir.CheckAndFixNotes() {
		c.report(backup.KindReferentialInconsistency, id, "%s", n)
	}
}

// ============================================================================
// Pass 3: reachability
// ============================================================================

func (c *checker) markReachable(id int64) {
	queue := []int64{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if c.reachable[cur] {
			continue
		}
		c.reachable[cur] = true
		for _, e := range c.dirs[cur].dir.Entries(backup.FlagDir, backup.FlagsExcludeNothing) {
			if _, ok := c.dirs[e.ObjectID]; ok {
				queue = append(queue, e.ObjectID)
			}
		}
	}
}

// findDetachedDirectories marks the tree reachable from the root and
// returns the tops of the detached subtrees, in ascending order. A detached
// loop is broken at its lowest directory ID.
func (c *checker) findDetachedDirectories() []int64 {
	c.markReachable(backup.RootDirectoryID)

	var tops []int64
	covered := make(map[int64]bool)
	cover := func(top int64) {
		queue := []int64{top}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if covered[cur] {
				continue
			}
			covered[cur] = true
			for _, e := range c.dirs[cur].dir.Entries(backup.FlagDir, backup.FlagsExcludeNothing) {
				if _, ok := c.dirs[e.ObjectID]; ok {
					queue = append(queue, e.ObjectID)
				}
			}
		}
	}

	for _, id := range sortedKeys(c.dirs) {
		if c.reachable[id] {
			continue
		}
		if _, ok := c.claimed[id]; !ok {
			tops = append(tops, id)
			cover(id)
		}
	}

	for {
		var loop []int64
		for _, id := range sortedKeys(c.dirs) {
			if !c.reachable[id] && !covered[id] {
				loop = append(loop, id)
			}
		}
		if len(loop) == 0 {
			break
		}
		// Walk up from any member until a directory repeats: that one is
		// on the loop itself, not hanging below it.
		seen := make(map[int64]bool)
		cur := loop[0]
		for !seen[cur] {
			seen[cur] = true
			cur = c.claimed[cur]
		}
		id := cur
		for p := c.claimed[cur]; p != cur; p = c.claimed[p] {
			id = min(id, p)
		}
		parent := c.claimed[id]
		c.dirs[parent].dir.RemoveIf(func(other *backup.Entry) bool { return other.ObjectID == id })
		delete(c.claimed, id)
		c.report(backup.KindReferentialInconsistency, id,
			"directory is part of a loop not reachable from the root, detached from %s", fmtID(parent))
		c.checkAndFix(parent)
		tops = append(tops, id)
		cover(id)
	}

	slices.Sort(tops)
	return tops
}

// ============================================================================
// Pass 4: orphans
// ============================================================================

func (c *checker) allocateID() int64 {
	c.lastID++
	return c.lastID
}

func recoveredDirName(id int64) backup.Filename {
	return backup.ClearFilename(fmt.Sprintf("dir%016x", uint64(id)))
}

func recoveredFileName(id int64) backup.Filename {
	return backup.ClearFilename(fmt.Sprintf("file%016x", uint64(id)))
}

// lostAndFound returns the lost+found directory of this run, creating it
// under the root on first use.
func (c *checker) lostAndFound() int64 {
	if c.result.LostAndFoundID != 0 {
		return c.result.LostAndFoundID
	}

	root := c.dirs[backup.RootDirectoryID].dir
	var name backup.Filename
	for n := 0; ; n++ {
		name = backup.ClearFilename(fmt.Sprintf("lost+found%d", n))
		if root.FindMatchingName(name, backup.FlagsIncludeEverything, backup.FlagsExcludeNothing) == nil {
			break
		}
	}

	id := c.allocateID()
	c.dirs[id] = &dirState{dir: backup.NewDirectory(id, backup.RootDirectoryID)}
	root.AddEntry(name, 0, id, 0, backup.FlagDir, 0)
	c.claimed[id] = backup.RootDirectoryID
	c.reachable[id] = true
	c.result.LostAndFoundID = id

	logger.Info("Account %08x: created %s as %s", c.fs.AccountID(), name, fmtID(id))
	return id
}

// destination picks the directory an orphan recorded as living in container
// goes to.
func (c *checker) destination(container int64) int64 {
	if container == backup.NoObject {
		return c.lostAndFound()
	}
	if container == backup.RootDirectoryID && c.rootRecreated {
		return c.lostAndFound()
	}
	if c.reachable[container] {
		return container
	}
	_, isDir := c.dirs[container]
	_, isFile := c.files[container]
	if !isDir && !isFile && container != backup.RootDirectoryID {
		c.recreateDirectory(container)
		return container
	}
	return c.lostAndFound()
}

// recreateDirectory brings back a directory that other objects still name
// as their container, with its original ID.
func (c *checker) recreateDirectory(id int64) {
	parent := c.lostAndFound()
	name := recoveredDirName(id)
	var modTime, attrHash int64
	if m, ok := c.missingDirs[id]; ok && c.reachable[m.parent] {
		parent = m.parent
		name = m.entry.Name
		modTime = m.entry.ModificationTime
		attrHash = m.entry.AttributesHash
	}

	c.dirs[id] = &dirState{dir: backup.NewDirectory(id, parent)}
	c.dirs[parent].dir.AddEntry(name, modTime, id, 0, backup.FlagDir, attrHash)
	c.claimed[id] = parent
	c.reachable[id] = true
	c.report(backup.KindReferentialInconsistency, id,
		"directory is missing but still has contents, recreated in %s", fmtID(parent))
}

func (c *checker) reattach(tops []int64) {
	for _, id := range tops {
		d := c.dirs[id].dir
		dest := c.destination(d.ContainerID())
		c.dirs[dest].dir.AddEntry(recoveredDirName(id), 0, id, 0, backup.FlagDir, 0)
		d.SetContainerID(dest)
		c.claimed[id] = dest
		c.markReachable(id)
		c.report(backup.KindReferentialInconsistency, id,
			"directory is not reachable from the root, attached to %s", fmtID(dest))
	}

	var orphans []int64
	for _, id := range sortedKeys(c.files) {
		if _, ok := c.claimed[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	// Full files first, then diffs in chain order, so every diff finds its
	// base already attached.
	depth := func(id int64) int {
		n := 0
		for base := c.files[id].header.DiffFromID; base != backup.NoObject; base = c.files[base].header.DiffFromID {
			n++
		}
		return n
	}
	slices.SortStableFunc(orphans, func(a, b int64) int { return cmp.Compare(depth(a), depth(b)) })

	for _, id := range orphans {
		c.reattachFile(id)
	}
}

func (c *checker) reattachFile(id int64) {
	h := c.files[id].header
	e := &backup.Entry{
		ModificationTime: h.ModificationTime,
		ObjectID:         id,
		SizeInBlocks:     c.files[id].blocks,
		Flags:            backup.FlagFile,
		AttributesHash:   h.AttributesHash,
		DependsNewer:     h.DiffFromID,
	}

	if h.DiffFromID != backup.NoObject {
		// A diff lives next to its base, as its older version.
		dest := c.claimed[h.DiffFromID]
		d := c.dirs[dest].dir
		base := d.FindEntryByID(h.DiffFromID)
		e.Name = base.Name
		e.Flags |= backup.FlagOldVersion | base.Flags&backup.FlagDeleted
		d.InsertEntryBefore(e, base.ObjectID)
		c.claimed[id] = dest
		c.report(backup.KindReferentialInconsistency, id,
			"file is not referenced, attached to %s as an old version of %s", fmtID(dest), fmtID(base.ObjectID))
		return
	}

	dest := c.destination(h.ContainerID)
	d := c.dirs[dest].dir
	e.Name = h.Name
	if dest == c.result.LostAndFoundID || !h.Name.Valid() {
		e.Name = recoveredFileName(id)
	}
	if same := d.EntriesWithName(e.Name); len(same) > 0 {
		// Never displace a current version: go in as the oldest.
		e.Flags |= backup.FlagOldVersion
		d.InsertEntryBefore(e, same[0].ObjectID)
	} else {
		d.AddEntryCopy(e)
	}
	c.claimed[id] = dest
	c.report(backup.KindReferentialInconsistency, id,
		"file is not referenced, attached to %s", fmtID(dest))
}

// ============================================================================
// Pass 5: containers, sizes, reference counts, StoreInfo
// ============================================================================

func (c *checker) checkContainers() {
	for _, id := range sortedKeys(c.dirs) {
		if id == backup.RootDirectoryID {
			continue
		}
		d := c.dirs[id].dir
		if parent := c.claimed[id]; d.ContainerID() != parent {
			c.report(backup.KindReferentialInconsistency, id,
				"directory has container %s but is in %s, fixed", fmtID(d.ContainerID()), fmtID(parent))
			d.SetContainerID(parent)
		}
	}
}

// removeEmptiedDirectories drops deleted directories that lost all their
// entries to repairs, deepest first, so a parent emptied in turn goes too.
// Deleted directories that were already empty are left to housekeeping.
func (c *checker) removeEmptiedDirectories() {
	depth := func(id int64) int {
		n := 0
		for cur := id; cur != backup.RootDirectoryID && cur != backup.NoObject && n <= len(c.dirs); cur = c.claimed[cur] {
			n++
		}
		return n
	}
	ids := sortedKeys(c.dirs)
	slices.SortStableFunc(ids, func(a, b int64) int { return cmp.Compare(depth(b), depth(a)) })

	for _, id := range ids {
		s := c.dirs[id]
		if id == backup.RootDirectoryID || s.created() || s.original.Len() == 0 || s.dir.Len() != 0 {
			continue
		}
		parent := c.claimed[id]
		e := c.dirs[parent].dir.FindEntryByID(id)
		if e == nil || !e.Flags.Has(backup.FlagDir|backup.FlagDeleted) {
			continue
		}
		c.dirs[parent].dir.RemoveIf(func(other *backup.Entry) bool { return other.ObjectID == id })
		delete(c.dirs, id)
		delete(c.claimed, id)
		delete(c.reachable, id)
		c.emptied[id] = true
		c.report(backup.KindReferentialInconsistency, id,
			"deleted directory is empty after repairs, removed from %s", fmtID(parent))
	}
}

func (c *checker) finalCheckAndFix() {
	for _, id := range sortedKeys(c.dirs) {
		c.checkAndFix(id)
	}
}

// fixSizes brings every directory entry's size in line with the size of
// the directory as it will be stored. A wrong size is only an error when it
// does not match the stored copy either; sizes that change because this run
// rewrites the directory are updated silently.
func (c *checker) fixSizes() {
	reported := make(map[int64]bool)
	for changed := true; changed; {
		changed = false
		for _, id := range sortedKeys(c.dirs) {
			s := c.dirs[id]
			s.finalBlocks = s.storedBlocks
			if s.modified() {
				blocks, err := c.fs.DirectoryBlocks(s.dir)
				if err != nil {
					// Only filenames too long for the format fail here, and
					// those never pass the scan.
					logger.Error("Account %08x: cannot size directory %s: %v", c.fs.AccountID(), fmtID(id), err)
				}
				s.finalBlocks = blocks
			}
		}
		for _, id := range sortedKeys(c.dirs) {
			for _, e := range c.dirs[id].dir.Entries(backup.FlagDir, backup.FlagsExcludeNothing) {
				child := c.dirs[e.ObjectID]
				if e.SizeInBlocks == child.finalBlocks {
					continue
				}
				if !child.created() && e.SizeInBlocks != child.storedBlocks && !reported[e.ObjectID] {
					reported[e.ObjectID] = true
					c.report(backup.KindReferentialInconsistency, id,
						"entry %s has size %d blocks, directory is %d, fixed",
						fmtID(e.ObjectID), e.SizeInBlocks, child.storedBlocks)
				}
				e.SizeInBlocks = child.finalBlocks
				changed = true
			}
		}
	}
}

func (c *checker) expectedRefCounts() map[int64]uint32 {
	counts := map[int64]uint32{backup.RootDirectoryID: 1}
	for _, id := range sortedKeys(c.dirs) {
		for _, e := range c.dirs[id].dir.Entries(backup.FlagsIncludeEverything, backup.FlagsExcludeNothing) {
			counts[e.ObjectID]++
		}
	}
	return counts
}

func (c *checker) checkRefCounts(expected map[int64]uint32) (bool, error) {
	stored, err := c.fs.RefCounts(c.ctx)
	if err != nil {
		return false, backup.WrapError(backup.KindFatalIO, "RefCounts", 0, err)
	}

	ids := make(map[int64]struct{}, len(expected)+len(stored))
	for id := range expected {
		ids[id] = struct{}{}
	}
	for id := range stored {
		ids[id] = struct{}{}
	}

	wrong := false
	for _, id := range sortedKeys(ids) {
		if stored[id] != expected[id] {
			wrong = true
			c.report(backup.KindReferentialInconsistency, id,
				"reference count is %d, should be %d, fixed", stored[id], expected[id])
		}
	}
	return wrong, nil
}

func (c *checker) recomputeInfo() *backup.StoreInfo {
	var info *backup.StoreInfo
	if c.info != nil {
		info = c.info.Clone()
	} else {
		info = backup.NewStoreInfo(c.fs.AccountID(), "", c.opts.SoftLimit, c.opts.HardLimit)
	}
	counted := &backup.StoreInfo{}
	for _, id := range sortedKeys(c.dirs) {
		s := c.dirs[id]
		counted.AccountDirectory(s.finalBlocks, 1)
		for _, e := range s.dir.Entries(backup.FlagFile, backup.FlagsExcludeNothing) {
			counted.AccountFile(e, 1)
		}
	}

	if c.info != nil && !c.info.SameUsage(counted) {
		c.report(backup.KindReferentialInconsistency, 0,
			"store info usage is wrong (%d blocks used, %d files, %d directories; counted %d, %d, %d), fixed",
			c.info.BlocksUsed, c.info.NumFiles, c.info.NumDirectories,
			counted.BlocksUsed, counted.NumFiles, counted.NumDirectories)
	}

	info.BlocksUsed = counted.BlocksUsed
	info.BlocksInOldFiles = counted.BlocksInOldFiles
	info.BlocksInDeletedFiles = counted.BlocksInDeletedFiles
	info.BlocksInDirectories = counted.BlocksInDirectories
	info.NumFiles = counted.NumFiles
	info.NumOldFiles = counted.NumOldFiles
	info.NumDeletedFiles = counted.NumDeletedFiles
	info.NumDirectories = counted.NumDirectories
	info.LastObjectIDUsed = c.lastID
	return info
}

// ============================================================================
// Writing repairs
// ============================================================================

func (c *checker) write(counts map[int64]uint32, refsWrong bool, info *backup.StoreInfo) error {
	// Quarantined objects go first: a recreated directory may reuse the ID
	// of a broken object.
	for _, id := range sortedKeys(c.broken) {
		if err := c.fs.DeleteObject(c.ctx, id); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(c.dirs) {
		s := c.dirs[id]
		if !s.modified() {
			continue
		}
		if _, err := c.fs.PutDirectory(c.ctx, s.dir); err != nil {
			return fmt.Errorf("failed to write repaired directory %s: %w", fmtID(id), err)
		}
	}

	for _, id := range sortedKeys(c.emptied) {
		if err := c.fs.DeleteObject(c.ctx, id); err != nil {
			return err
		}
	}

	if refsWrong {
		if err := c.fs.ReplaceRefCounts(c.ctx, counts); err != nil {
			return backup.WrapError(backup.KindFatalIO, "ReplaceRefCounts", 0, err)
		}
	}

	if c.info == nil || !c.info.SameUsage(info) || c.info.LastObjectIDUsed != info.LastObjectIDUsed {
		if err := c.fs.SaveInfo(c.ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// IsLocked reports whether err is the failure of a fix run to take the
// account lock.
func IsLocked(err error) bool {
	return errors.Is(err, store.ErrLocked)
}
