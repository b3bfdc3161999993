package session

import (
	"context"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
)

// maxPatchChain bounds the length of a patch chain; a longer chain is
// treated as a loop.
const maxPatchChain = 1 << 16

// AddFileRequest describes a file to store in a directory.
type AddFileRequest struct {
	Directory        int64
	Name             backup.Filename
	ModificationTime int64
	AttributesHash   int64
	Attributes       []byte

	// DiffFromID, when set, names a file entry of Directory that Data is a
	// diff against. Otherwise Data is the full content.
	DiffFromID int64
	Data       []byte

	// MarkSameNameAsOld flags every current version with the same name as
	// an old version.
	MarkSameNameAsOld bool
}

// AddFile stores a new file as the current version of its name and returns
// its object ID.
//
// A file sent as a diff is stored in full. Its base, if stored in full, is
// rewritten as a diff against the new version when that is no larger, and
// the two entries are linked through DependsNewer and DependsOlder.
func (c *Context) AddFile(ctx context.Context, req AddFileRequest) (int64, error) {
	const op = "AddFile"
	if err := c.requireWrite(op); err != nil {
		return 0, err
	}
	if !req.Name.Valid() {
		return 0, backup.WrapError(backup.KindProtocolViolation, op, 0, backup.ErrBadFilename)
	}
	if err := c.checkCapacity(op, 0); err != nil {
		return 0, err
	}

	cd, err := c.directory(ctx, req.Directory, true)
	if err != nil {
		return 0, err
	}

	content := req.Data
	var base *backup.Entry
	var baseContent []byte
	if req.DiffFromID != backup.NoObject {
		base = cd.dir.FindEntryByID(req.DiffFromID)
		if base == nil || !base.Flags.Has(backup.FlagFile) {
			return 0, backup.NewError(backup.KindReferentialInconsistency, op, req.DiffFromID,
				"diff base is not a file in directory %s", backup.FormatObjectID(req.Directory))
		}
		if baseContent, err = c.reconstruct(ctx, base.ObjectID); err != nil {
			return 0, err
		}
		if content, err = backup.ApplyDiff(baseContent, req.Data); err != nil {
			return 0, err
		}
	}

	header := backup.FileHeader{
		ContainerID:      req.Directory,
		ModificationTime: req.ModificationTime,
		AttributesHash:   req.AttributesHash,
		Name:             req.Name,
	}
	blocks, err := c.fs.FileBlocks(header, content)
	if err != nil {
		return 0, err
	}
	if err := c.checkCapacity(op, blocks); err != nil {
		return 0, err
	}

	id := c.allocateObjectID()
	if blocks, err = c.fs.PutFile(ctx, id, header, content); err != nil {
		return 0, err
	}
	c.metrics.RecordBytesStored(blocks * c.fs.BlockSize())

	reversed := false
	if base != nil && base.DependsNewer == backup.NoObject {
		if reversed, err = c.storeAsReverseDiff(ctx, base, id, content, baseContent); err != nil {
			return 0, err
		}
	}

	if req.MarkSameNameAsOld {
		for _, e := range cd.dir.Entries(backup.FlagFile, backup.FlagOldVersion) {
			if e.Name.Equal(req.Name) {
				c.info.AccountFile(e, -1)
				e.AddFlags(backup.FlagOldVersion)
				c.info.AccountFile(e, 1)
			}
		}
	}

	e := cd.dir.AddEntry(req.Name.Clone(), req.ModificationTime, id, blocks, backup.FlagFile, req.AttributesHash)
	if len(req.Attributes) > 0 {
		e.Attributes = append([]byte(nil), req.Attributes...)
	}
	if reversed {
		e.DependsOlder = base.ObjectID
		base.DependsNewer = id
	}
	c.info.AccountFile(e, 1)

	if _, err := c.fs.AddReference(ctx, id); err != nil {
		return 0, refError(op, id, err)
	}
	c.saveDirectoryLater(cd)

	logger.Debug("Session %s: stored file %s (%d blocks) in %s", c.id,
		backup.FormatObjectID(id), blocks, backup.FormatObjectID(req.Directory))
	return id, c.storeInfoChanged(ctx)
}

// storeAsReverseDiff rewrites the full object of base as a diff against the
// new version newID, if the diff is no larger. It reports whether it did.
func (c *Context) storeAsReverseDiff(ctx context.Context, base *backup.Entry, newID int64, newContent, baseContent []byte) (bool, error) {
	h, _, oldBlocks, err := c.fs.GetFile(ctx, base.ObjectID)
	if err != nil {
		return false, err
	}
	if h.IsDiff() {
		return false, nil
	}

	diff := backup.EncodeDiff(newContent, baseContent, int(c.fs.BlockSize()))
	rh := *h
	rh.DiffFromID = newID
	blocks, err := c.fs.FileBlocks(rh, diff)
	if err != nil {
		return false, err
	}
	if blocks > oldBlocks {
		return false, nil
	}

	if blocks, err = c.fs.PutFile(ctx, base.ObjectID, rh, diff); err != nil {
		return false, err
	}
	c.info.AccountFile(base, -1)
	base.SizeInBlocks = blocks
	c.info.AccountFile(base, 1)
	return true, nil
}

// patchChain returns the IDs and payloads from id down to the object
// stored in full, in that order.
func (c *Context) patchChain(ctx context.Context, id int64) ([]int64, [][]byte, *backup.FileHeader, error) {
	var ids []int64
	var payloads [][]byte
	var first *backup.FileHeader

	seen := make(map[int64]bool)
	for next := id; ; {
		if seen[next] || len(ids) >= maxPatchChain {
			return nil, nil, nil, backup.NewError(backup.KindStructuralCorruption, "GetFile", id,
				"patch chain loops at %s", backup.FormatObjectID(next))
		}
		seen[next] = true

		h, payload, _, err := c.fs.GetFile(ctx, next)
		if err != nil {
			return nil, nil, nil, err
		}
		if first == nil {
			first = h
		}
		ids = append(ids, next)
		payloads = append(payloads, payload)
		if !h.IsDiff() {
			return ids, payloads, first, nil
		}
		next = h.DiffFromID
	}
}

// reconstruct returns the full content of file object id.
func (c *Context) reconstruct(ctx context.Context, id int64) ([]byte, error) {
	_, payloads, _, err := c.patchChain(ctx, id)
	if err != nil {
		return nil, err
	}
	return applyChain(id, payloads)
}

func applyChain(id int64, payloads [][]byte) ([]byte, error) {
	content := payloads[len(payloads)-1]
	for i := len(payloads) - 2; i >= 0; i-- {
		var err error
		if content, err = backup.ApplyDiff(content, payloads[i]); err != nil {
			return nil, backup.WrapError(backup.KindStructuralCorruption, "GetFile", id, err)
		}
	}
	return content, nil
}

// File is a stored file as returned to a client.
type File struct {
	ObjectID int64
	Header   *backup.FileHeader

	// PatchChain lists the objects combined to rebuild Content, from the
	// requested object down to the one stored in full.
	PatchChain []int64
	Content    []byte
}

// GetFile returns the full content of a file of directory inDir.
func (c *Context) GetFile(ctx context.Context, id, inDir int64) (*File, error) {
	const op = "GetFile"
	if err := c.requireRead(op); err != nil {
		return nil, err
	}
	if err := c.requireFileEntry(ctx, op, id, inDir); err != nil {
		return nil, err
	}

	chain, payloads, header, err := c.patchChain(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := applyChain(id, payloads)
	if err != nil {
		return nil, err
	}
	return &File{ObjectID: id, Header: header, PatchChain: chain, Content: content}, nil
}

// requireFileEntry checks that inDir has a file entry for id.
func (c *Context) requireFileEntry(ctx context.Context, op string, id, inDir int64) error {
	cd, err := c.directory(ctx, inDir, true)
	if err != nil {
		return err
	}
	e := cd.dir.FindEntryByID(id)
	if e == nil || !e.Flags.Has(backup.FlagFile) {
		return backup.NewError(backup.KindNotFound, op, id,
			"no such file in directory %s", backup.FormatObjectID(inDir))
	}
	return nil
}

// GetBlockIndex returns the block index of the full content of a file of
// directory inDir, for the client to diff against.
func (c *Context) GetBlockIndex(ctx context.Context, id, inDir int64) ([]backup.BlockInfo, error) {
	const op = "GetBlockIndex"
	if err := c.requireRead(op); err != nil {
		return nil, err
	}
	if err := c.requireFileEntry(ctx, op, id, inDir); err != nil {
		return nil, err
	}
	content, err := c.reconstruct(ctx, id)
	if err != nil {
		return nil, err
	}
	return backup.BlockIndex(content, int(c.fs.BlockSize())), nil
}

// GetBlockIndexByName returns the current version of a name in inDir and
// its block index. It returns ID 0 if the directory has no current version
// of the name.
func (c *Context) GetBlockIndexByName(ctx context.Context, inDir int64, name backup.Filename) (int64, []backup.BlockInfo, error) {
	const op = "GetBlockIndexByName"
	if err := c.requireRead(op); err != nil {
		return 0, nil, err
	}
	cd, err := c.directory(ctx, inDir, true)
	if err != nil {
		return 0, nil, err
	}
	e := cd.dir.FindMatchingName(name, backup.FlagFile, backup.FlagOldVersion|backup.FlagDeleted)
	if e == nil {
		return backup.NoObject, nil, nil
	}
	index, err := c.GetBlockIndex(ctx, e.ObjectID, inDir)
	if err != nil {
		return 0, nil, err
	}
	return e.ObjectID, index, nil
}

// AttributesChange reports the outcome of ChangeFileAttributes.
type AttributesChange struct {
	ObjectID int64

	// PreviousHash is the attributes hash the entry had before.
	PreviousHash int64
}

// ChangeFileAttributes replaces the attributes of the current version of a
// name in inDir. It returns found=false if there is none. A change of the
// attributes hash is logged and returned, never applied silently.
func (c *Context) ChangeFileAttributes(ctx context.Context, inDir int64, name backup.Filename, attributes []byte, attributesHash int64) (AttributesChange, bool, error) {
	const op = "ChangeFileAttributes"
	if err := c.requireWrite(op); err != nil {
		return AttributesChange{}, false, err
	}
	cd, err := c.directory(ctx, inDir, true)
	if err != nil {
		return AttributesChange{}, false, err
	}
	e := cd.dir.FindMatchingName(name, backup.FlagFile, backup.FlagOldVersion)
	if e == nil {
		return AttributesChange{}, false, nil
	}

	change := AttributesChange{ObjectID: e.ObjectID, PreviousHash: e.AttributesHash}
	if e.AttributesHash != attributesHash {
		logger.Info("Session %s: attributes hash of %s changes from %x to %x",
			c.id, backup.FormatObjectID(e.ObjectID), uint64(e.AttributesHash), uint64(attributesHash))
	}
	e.Attributes = append([]byte(nil), attributes...)
	e.AttributesHash = attributesHash
	c.saveDirectoryLater(cd)
	return change, true, nil
}

// DeleteFile marks every version of a name in inDir as deleted. It returns
// the object ID of the current version, and found=false if the directory
// has no undeleted version of the name.
func (c *Context) DeleteFile(ctx context.Context, inDir int64, name backup.Filename) (int64, bool, error) {
	const op = "DeleteFile"
	if err := c.requireWrite(op); err != nil {
		return 0, false, err
	}
	cd, err := c.directory(ctx, inDir, true)
	if err != nil {
		return 0, false, err
	}

	var id int64
	found := false
	for _, e := range cd.dir.Entries(backup.FlagFile, backup.FlagDeleted) {
		if !e.Name.Equal(name) {
			continue
		}
		c.info.AccountFile(e, -1)
		e.AddFlags(backup.FlagDeleted)
		c.info.AccountFile(e, 1)
		if !e.Flags.Has(backup.FlagOldVersion) {
			id = e.ObjectID
		}
		found = true
	}
	if !found {
		return 0, false, nil
	}

	c.saveDirectoryLater(cd)
	return id, true, c.storeInfoChanged(ctx)
}

// UndeleteFile clears the deleted flag of file id in inDir. It returns false
// if inDir has no deleted file with that ID.
func (c *Context) UndeleteFile(ctx context.Context, id, inDir int64) (bool, error) {
	const op = "UndeleteFile"
	if err := c.requireWrite(op); err != nil {
		return false, err
	}
	cd, err := c.directory(ctx, inDir, true)
	if err != nil {
		return false, err
	}
	e := cd.dir.FindEntryByID(id)
	if e == nil || !e.Flags.Has(backup.FlagFile) || !e.Flags.Has(backup.FlagDeleted) {
		return false, nil
	}

	c.info.AccountFile(e, -1)
	e.RemoveFlags(backup.FlagDeleted)
	c.info.AccountFile(e, 1)
	c.saveDirectoryLater(cd)
	return true, c.storeInfoChanged(ctx)
}
