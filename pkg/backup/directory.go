// Package backup holds the on-disk model of a backup account: directory
// listings with their versioned entries, stored file headers, the object
// envelope and the per-account StoreInfo record.
package backup

import "fmt"

// Well-known object IDs.
const (
	// NoObject is the "no dependency" / "no container" sentinel.
	NoObject int64 = 0

	// RootDirectoryID is the object ID of every account's root directory.
	RootDirectoryID int64 = 1
)

// EntryFlags is the flags bitset of a directory entry.
type EntryFlags uint8

const (
	FlagFile EntryFlags = 1 << iota
	FlagDir
	FlagDeleted
	FlagOldVersion

	// FlagsIncludeEverything is the "no filter" value for Entries.
	FlagsIncludeEverything EntryFlags = 0xFF
	// FlagsExcludeNothing is the "exclude nothing" value for Entries.
	FlagsExcludeNothing EntryFlags = 0
)

// Has reports whether all of want are set.
func (f EntryFlags) Has(want EntryFlags) bool {
	return f&want == want
}

func (f EntryFlags) String() string {
	b := []byte("----")
	if f.Has(FlagFile) {
		b[0] = 'f'
	}
	if f.Has(FlagDir) {
		b[1] = 'd'
	}
	if f.Has(FlagDeleted) {
		b[2] = 'X'
	}
	if f.Has(FlagOldVersion) {
		b[3] = 'o'
	}
	return string(b)
}

// Entry is one child of a directory.
type Entry struct {
	Name             Filename
	ModificationTime int64
	ObjectID         int64
	SizeInBlocks     int64
	Flags            EntryFlags
	AttributesHash   int64

	// DependsNewer is the newer version this entry is stored as a diff
	// against; DependsOlder is the older version stored as a diff against
	// this one. NoObject means no dependency.
	DependsNewer int64
	DependsOlder int64

	// Attributes is the (encrypted) attributes blob of the entry.
	Attributes []byte
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Name = e.Name.Clone()
	if e.Attributes != nil {
		c.Attributes = append([]byte(nil), e.Attributes...)
	}
	return &c
}

// AddFlags sets flags on the entry.
func (e *Entry) AddFlags(f EntryFlags) { e.Flags |= f }

// RemoveFlags clears flags on the entry.
func (e *Entry) RemoveFlags(f EntryFlags) { e.Flags &^= f }

// Matches reports whether the entry has every flag in mustHave and none in
// mustNotHave.
func (e *Entry) Matches(mustHave, mustNotHave EntryFlags) bool {
	if mustHave == FlagsIncludeEverything {
		mustHave = 0
	}
	return e.Flags&mustHave == mustHave && e.Flags&mustNotHave == 0
}

// Directory is the ordered listing of one directory object.
//
// Entries are kept in storage order, which is also version order for
// entries sharing a name: the last entry of a name is the current version.
// Entry pointers handed out by the accessors stay valid until the next call
// that adds or removes entries.
type Directory struct {
	objectID          int64
	containerID       int64
	attributesModTime int64
	attributes        []byte
	entries           []*Entry

	// revision identifies the stored copy this directory was loaded from
	// (0 for a directory that was never stored).
	revision uint64
}

// NewDirectory creates an empty directory.
func NewDirectory(objectID, containerID int64) *Directory {
	return &Directory{objectID: objectID, containerID: containerID}
}

func (d *Directory) ObjectID() int64 { return d.objectID }
func (d *Directory) ContainerID() int64 { return d.containerID }
func (d *Directory) SetContainerID(id int64) { d.containerID = id }
func (d *Directory) AttributesModTime() int64 { return d.attributesModTime }
func (d *Directory) Attributes() []byte { return d.attributes }
func (d *Directory) Revision() uint64 { return d.revision }
func (d *Directory) SetRevision(rev uint64) { d.revision = rev }
func (d *Directory) Len() int { return len(d.entries) }
func (d *Directory) String() string { return fmt.Sprintf("dir %s", FormatObjectID(d.objectID)) }

// SetObjectID rewrites the directory's own ID. Only the checker uses this,
// to repair a header that disagrees with the object it was read from.
func (d *Directory) SetObjectID(id int64) { d.objectID = id }

// SetAttributes replaces the directory attributes blob.
func (d *Directory) SetAttributes(attributes []byte, modTime int64) {
	d.attributes = append([]byte(nil), attributes...)
	d.attributesModTime = modTime
}

// AddEntry appends a new entry and returns it.
func (d *Directory) AddEntry(name Filename, modTime, objectID, sizeInBlocks int64, flags EntryFlags, attributesHash int64) *Entry {
	e := &Entry{
		Name:             name.Clone(),
		ModificationTime: modTime,
		ObjectID:         objectID,
		SizeInBlocks:     sizeInBlocks,
		Flags:            flags,
		AttributesHash:   attributesHash,
	}
	d.entries = append(d.entries, e)
	return e
}

// AddEntryCopy appends a deep copy of e and returns the copy.
func (d *Directory) AddEntryCopy(e *Entry) *Entry {
	c := e.Clone()
	d.entries = append(d.entries, c)
	return c
}

// DeleteEntry removes the first entry with the given object ID.
func (d *Directory) DeleteEntry(objectID int64) error {
	for i, e := range d.entries {
		if e.ObjectID == objectID {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return nil
		}
	}
	return NewError(KindNotFound, "DeleteEntry", objectID, "no entry in %s", d)
}

// RemoveIf removes every entry for which remove returns true and returns
// the removed entries in storage order.
func (d *Directory) RemoveIf(remove func(*Entry) bool) []*Entry {
	var removed []*Entry
	kept := d.entries[:0]
	for _, e := range d.entries {
		if remove(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	clear(d.entries[len(kept):])
	d.entries = kept
	return removed
}

// InsertEntryBefore inserts a copy of e immediately before the entry with
// object ID beforeID, or appends it if there is no such entry.
func (d *Directory) InsertEntryBefore(e *Entry, beforeID int64) *Entry {
	c := e.Clone()
	for i, cur := range d.entries {
		if cur.ObjectID == beforeID {
			d.entries = append(d.entries[:i], append([]*Entry{c}, d.entries[i:]...)...)
			return c
		}
	}
	d.entries = append(d.entries, c)
	return c
}

// FindEntryByID returns the first entry with the given object ID, or nil.
func (d *Directory) FindEntryByID(objectID int64) *Entry {
	for _, e := range d.entries {
		if e.ObjectID == objectID {
			return e
		}
	}
	return nil
}

// Entries returns the entries matching the flag filter, in storage order.
// Pass FlagsIncludeEverything, FlagsExcludeNothing for all entries.
func (d *Directory) Entries(mustHave, mustNotHave EntryFlags) []*Entry {
	out := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.Matches(mustHave, mustNotHave) {
			out = append(out, e)
		}
	}
	return out
}

// EntriesWithName returns every entry with the given name, oldest first.
func (d *Directory) EntriesWithName(name Filename) []*Entry {
	var out []*Entry
	for _, e := range d.entries {
		if e.Name.Equal(name) {
			out = append(out, e)
		}
	}
	return out
}

// FindMatchingName returns the last (most recent) entry with the given name
// that matches the flag filter, or nil.
func (d *Directory) FindMatchingName(name Filename, mustHave, mustNotHave EntryFlags) *Entry {
	for i := len(d.entries) - 1; i >= 0; i-- {
		e := d.entries[i]
		if e.Name.Equal(name) && e.Matches(mustHave, mustNotHave) {
			return e
		}
	}
	return nil
}

// FlagChange records the flags an entry had before FixVersionFlags changed
// them.
type FlagChange struct {
	Entry    *Entry
	Previous EntryFlags
}

// FixVersionFlags applies the version rule of CheckAndFix to one name: the
// last entry with the name loses OldVersion, every earlier undeleted entry
// gets it. It returns the entries it changed.
func (d *Directory) FixVersionFlags(name Filename) []FlagChange {
	var changes []FlagChange
	last := true
	for i := len(d.entries) - 1; i >= 0; i-- {
		e := d.entries[i]
		if !e.Name.Equal(name) {
			continue
		}
		prev := e.Flags
		switch {
		case last:
			e.RemoveFlags(FlagOldVersion)
			last = false
		case !e.Flags.Has(FlagDeleted):
			e.AddFlags(FlagOldVersion)
		}
		if e.Flags != prev {
			changes = append(changes, FlagChange{Entry: e, Previous: prev})
		}
	}
	return changes
}

// BlocksUsed sums the sizes of the entries matching the filter.
func (d *Directory) BlocksUsed(mustHave, mustNotHave EntryFlags) int64 {
	var total int64
	for _, e := range d.entries {
		if e.Matches(mustHave, mustNotHave) {
			total += e.SizeInBlocks
		}
	}
	return total
}

// Clone returns a deep copy of the directory.
func (d *Directory) Clone() *Directory {
	c := &Directory{
		objectID:          d.objectID,
		containerID:       d.containerID,
		attributesModTime: d.attributesModTime,
		revision:          d.revision,
		entries:           make([]*Entry, len(d.entries)),
	}
	if d.attributes != nil {
		c.attributes = append([]byte(nil), d.attributes...)
	}
	for i, e := range d.entries {
		c.entries[i] = e.Clone()
	}
	return c
}

// Equal reports whether two directories hold the same header and the same
// entries in the same order. The revision is not compared.
func (d *Directory) Equal(o *Directory) bool {
	if d.objectID != o.objectID || d.containerID != o.containerID ||
		d.attributesModTime != o.attributesModTime ||
		string(d.attributes) != string(o.attributes) ||
		len(d.entries) != len(o.entries) {
		return false
	}
	for i, a := range d.entries {
		b := o.entries[i]
		if !a.Name.Equal(b.Name) || a.ModificationTime != b.ModificationTime ||
			a.ObjectID != b.ObjectID || a.SizeInBlocks != b.SizeInBlocks ||
			a.Flags != b.Flags || a.AttributesHash != b.AttributesHash ||
			a.DependsNewer != b.DependsNewer || a.DependsOlder != b.DependsOlder ||
			string(a.Attributes) != string(b.Attributes) {
			return false
		}
	}
	return true
}
