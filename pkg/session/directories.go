package session

import (
	"context"
	"fmt"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
)

// AddDirectoryRequest describes a directory to create.
type AddDirectoryRequest struct {
	Container         int64
	Name              backup.Filename
	Attributes        []byte
	AttributesModTime int64
	ModificationTime  int64
}

// AddDirectory creates an empty directory in req.Container and returns its
// object ID. If the container already has a directory entry with the name,
// its ID is returned with alreadyExists set and nothing changes.
func (c *Context) AddDirectory(ctx context.Context, req AddDirectoryRequest) (id int64, alreadyExists bool, err error) {
	const op = "AddDirectory"
	if err := c.requireWrite(op); err != nil {
		return 0, false, err
	}
	if !req.Name.Valid() {
		return 0, false, backup.WrapError(backup.KindProtocolViolation, op, 0, backup.ErrBadFilename)
	}

	cd, err := c.directory(ctx, req.Container, true)
	if err != nil {
		return 0, false, err
	}
	for _, e := range cd.dir.Entries(backup.FlagDir, backup.FlagsExcludeNothing) {
		if e.Name.Equal(req.Name) {
			return e.ObjectID, true, nil
		}
	}

	dir := backup.NewDirectory(backup.NoObject, req.Container)
	dir.SetAttributes(append([]byte(nil), req.Attributes...), req.AttributesModTime)
	blocks, err := c.fs.DirectoryBlocks(dir)
	if err != nil {
		return 0, false, err
	}
	if err := c.checkCapacity(op, blocks); err != nil {
		return 0, false, err
	}

	id = c.allocateObjectID()
	dir.SetObjectID(id)
	if blocks, err = c.fs.PutDirectory(ctx, dir); err != nil {
		return 0, false, err
	}
	c.info.AccountDirectory(blocks, 1)
	if _, err := c.fs.AddReference(ctx, id); err != nil {
		return 0, false, refError(op, id, err)
	}

	cd.dir.AddEntry(req.Name.Clone(), req.ModificationTime, id, blocks, backup.FlagDir, 0)
	c.saveDirectoryLater(cd)

	logger.Debug("Session %s: created directory %s in %s", c.id,
		backup.FormatObjectID(id), backup.FormatObjectID(req.Container))
	return id, false, c.storeInfoChanged(ctx)
}

// ChangeDirAttributes replaces the attributes of directory id.
func (c *Context) ChangeDirAttributes(ctx context.Context, id int64, attributes []byte, attributesModTime int64) error {
	const op = "ChangeDirAttributes"
	if err := c.requireWrite(op); err != nil {
		return err
	}
	cd, err := c.directory(ctx, id, true)
	if err != nil {
		return err
	}
	cd.dir.SetAttributes(append([]byte(nil), attributes...), attributesModTime)
	c.saveDirectoryLater(cd)
	return nil
}

// DeleteDirectory marks directory id and everything below it as deleted,
// or with undelete clears the mark again. The root cannot be deleted.
func (c *Context) DeleteDirectory(ctx context.Context, id int64, undelete bool) error {
	op := "DeleteDirectory"
	if undelete {
		op = "UndeleteDirectory"
	}
	if err := c.requireWrite(op); err != nil {
		return err
	}
	if id == backup.RootDirectoryID {
		return backup.NewError(backup.KindProtocolViolation, op, id, "the root directory cannot be deleted")
	}

	cd, err := c.directory(ctx, id, true)
	if err != nil {
		return err
	}
	container := cd.dir.ContainerID()

	if err := c.deleteDirectoryRecurse(ctx, id, undelete, make(map[int64]bool)); err != nil {
		return err
	}

	parent, err := c.directory(ctx, container, false)
	if err != nil {
		return err
	}
	e := parent.dir.FindEntryByID(id)
	if e == nil {
		return backup.NewError(backup.KindReferentialInconsistency, op, id,
			"directory not found in its container %s", backup.FormatObjectID(container))
	}
	setDeleted(e, undelete)
	c.saveDirectoryLater(parent)
	return c.storeInfoChanged(ctx)
}

func setDeleted(e *backup.Entry, undelete bool) {
	if undelete {
		e.RemoveFlags(backup.FlagDeleted)
	} else {
		e.AddFlags(backup.FlagDeleted)
	}
}

// deleteDirectoryRecurse marks every entry below directory id. Cached
// directories must not be flushed while it runs.
func (c *Context) deleteDirectoryRecurse(ctx context.Context, id int64, undelete bool, visited map[int64]bool) error {
	if visited[id] {
		return backup.NewError(backup.KindReferentialInconsistency, "DeleteDirectory", id, "directory loop")
	}
	visited[id] = true

	cd, err := c.directory(ctx, id, false)
	if err != nil {
		return err
	}

	changed := false
	for _, e := range cd.dir.Entries(backup.FlagsIncludeEverything, backup.FlagsExcludeNothing) {
		if e.Flags.Has(backup.FlagDeleted) != undelete {
			continue
		}
		switch {
		case e.Flags.Has(backup.FlagDir):
			if err := c.deleteDirectoryRecurse(ctx, e.ObjectID, undelete, visited); err != nil {
				return err
			}
			setDeleted(e, undelete)
		case e.Flags.Has(backup.FlagFile):
			c.info.AccountFile(e, -1)
			setDeleted(e, undelete)
			c.info.AccountFile(e, 1)
		}
		changed = true
	}
	if changed {
		c.saveDirectoryLater(cd)
	}
	return nil
}

// MoveRequest describes a move or rename.
type MoveRequest struct {
	ObjectID int64
	From     int64
	To       int64
	NewName  backup.Filename

	// MoveAllWithSameName moves every version of the file's name.
	MoveAllWithSameName bool

	// AllowMoveOverDeleted lets the move proceed when the destination only
	// has deleted entries with the new name; they stay as deleted versions.
	AllowMoveOverDeleted bool
}

// MoveObject moves an entry (or every version of a file name) from one
// directory to another, renaming it. Moving within a directory is a rename.
//
// A single file version that is linked to other versions by a diff cannot
// be moved alone. The destination must not have a live entry with the new
// name.
func (c *Context) MoveObject(ctx context.Context, req MoveRequest) error {
	const op = "MoveObject"
	if err := c.requireWrite(op); err != nil {
		return err
	}
	if !req.NewName.Valid() {
		return backup.WrapError(backup.KindProtocolViolation, op, req.ObjectID, backup.ErrBadFilename)
	}
	if req.ObjectID == backup.RootDirectoryID {
		return backup.NewError(backup.KindProtocolViolation, op, req.ObjectID, "the root directory cannot be moved")
	}

	from, err := c.directory(ctx, req.From, true)
	if err != nil {
		return err
	}
	entry := from.dir.FindEntryByID(req.ObjectID)
	if entry == nil {
		return backup.NewError(backup.KindNotFound, op, req.ObjectID,
			"no such entry in directory %s", backup.FormatObjectID(req.From))
	}
	isDir := entry.Flags.Has(backup.FlagDir)

	group := []*backup.Entry{entry}
	if req.MoveAllWithSameName && !isDir {
		group = from.dir.EntriesWithName(entry.Name)
	}
	moving := make(map[int64]bool, len(group))
	for _, e := range group {
		moving[e.ObjectID] = true
	}

	// Linked versions share a name and a directory; a rename within the
	// directory would split them just like a move.
	if req.To != req.From || !req.NewName.Equal(entry.Name) {
		for _, e := range group {
			for _, dep := range []int64{e.DependsNewer, e.DependsOlder} {
				if dep != backup.NoObject && !moving[dep] {
					return backup.NewError(backup.KindReferentialInconsistency, op, e.ObjectID,
						"version is stored as a diff with %s, which is not moved", backup.FormatObjectID(dep))
				}
			}
		}
	}

	to := from
	if req.To != req.From {
		if to, err = c.directory(ctx, req.To, false); err != nil {
			return err
		}
		if isDir {
			if err := c.checkNotBelow(ctx, req.To, req.ObjectID); err != nil {
				return err
			}
		}
	}

	replaced := false
	for _, e := range to.dir.EntriesWithName(req.NewName) {
		if moving[e.ObjectID] {
			continue
		}
		if !e.Flags.Has(backup.FlagDeleted) || !req.AllowMoveOverDeleted {
			return backup.WrapError(backup.KindReferentialInconsistency, op, e.ObjectID, backup.ErrNameConflict)
		}
		replaced = true
	}

	oldName := entry.Name.Clone()
	from.dir.RemoveIf(func(e *backup.Entry) bool { return moving[e.ObjectID] })
	for _, e := range group {
		moved := to.dir.AddEntryCopy(e)
		moved.Name = req.NewName.Clone()
	}

	// Whatever is left last of each name is its current version.
	c.info.AccountFlagChanges(from.dir.FixVersionFlags(oldName))
	c.info.AccountFlagChanges(to.dir.FixVersionFlags(req.NewName))

	if isDir && req.To != req.From {
		child, err := c.directory(ctx, req.ObjectID, false)
		if err != nil {
			return err
		}
		child.dir.SetContainerID(req.To)
		c.saveDirectoryLater(child)
	}
	c.saveDirectoryLater(from)
	c.saveDirectoryLater(to)

	logger.Debug("Session %s: moved %d entries of %s from %s to %s", c.id, len(group),
		backup.FormatObjectID(req.ObjectID), backup.FormatObjectID(req.From), backup.FormatObjectID(req.To))
	if replaced || !entry.Flags.Has(backup.FlagDir) {
		return c.storeInfoChanged(ctx)
	}
	return nil
}

// checkNotBelow fails if directory dest is dir or one of its descendants.
func (c *Context) checkNotBelow(ctx context.Context, dest, dir int64) error {
	seen := make(map[int64]bool)
	for id := dest; id != backup.NoObject; {
		if id == dir {
			return backup.NewError(backup.KindProtocolViolation, "MoveObject", dir,
				"cannot move a directory into itself")
		}
		if seen[id] {
			return backup.NewError(backup.KindReferentialInconsistency, "MoveObject", id, "directory loop")
		}
		seen[id] = true
		cd, err := c.directory(ctx, id, false)
		if err != nil {
			return fmt.Errorf("checking destination of move: %w", err)
		}
		id = cd.dir.ContainerID()
	}
	return nil
}
