package session

import (
	"context"

	"github.com/marmos91/dittobackup/pkg/backup"
)

// ObjectKind is what ObjectExists requires an object to be.
type ObjectKind int

const (
	ObjectAnything ObjectKind = iota
	ObjectFile
	ObjectDirectory
)

// ObjectExists reports whether object id is stored and, unless mustBe is
// ObjectAnything, of the required kind.
func (c *Context) ObjectExists(ctx context.Context, id int64, mustBe ObjectKind) (bool, error) {
	const op = "ObjectExists"
	if err := c.requireRead(op); err != nil {
		return false, err
	}
	if id <= backup.NoObject || (c.info != nil && id > c.info.LastObjectIDUsed) {
		return false, nil
	}
	if mustBe == ObjectAnything {
		return c.fs.ObjectExists(ctx, id)
	}

	data, err := c.fs.ReadRaw(ctx, id)
	if err != nil {
		if backup.KindOf(err) == backup.KindNotFound {
			return false, nil
		}
		return false, err
	}
	t, _, err := backup.Open(data)
	if err != nil {
		return false, err
	}
	switch mustBe {
	case ObjectFile:
		return t == backup.ObjectTypeFile, nil
	case ObjectDirectory:
		return t == backup.ObjectTypeDirectory, nil
	}
	return true, nil
}

// GetObject returns the stored bytes of an object.
func (c *Context) GetObject(ctx context.Context, id int64) ([]byte, error) {
	if err := c.requireRead("GetObject"); err != nil {
		return nil, err
	}
	return c.fs.ReadRaw(ctx, id)
}

// ListDirectory returns a copy of directory id holding only the entries
// that match the flag filter.
func (c *Context) ListDirectory(ctx context.Context, id int64, mustHave, mustNotHave backup.EntryFlags) (*backup.Directory, error) {
	if err := c.requireRead("ListDirectory"); err != nil {
		return nil, err
	}
	cd, err := c.directory(ctx, id, true)
	if err != nil {
		return nil, err
	}
	listing := cd.dir.Clone()
	listing.RemoveIf(func(e *backup.Entry) bool { return !e.Matches(mustHave, mustNotHave) })
	return listing, nil
}
