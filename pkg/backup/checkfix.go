package backup

import "fmt"

// CheckAndFix restores the directory invariants and reports whether anything
// had to change. A second call on the result always returns false.
func (d *Directory) CheckAndFix() bool {
	return len(d.CheckAndFixNotes()) > 0
}

// CheckAndFixNotes is CheckAndFix returning one note per repair made, in the
// order they were made. The consistency checker logs these.
//
// Repairs, in order:
//   - an entry flagged both File and Dir keeps Dir only;
//   - an entry whose DependsNewer is not in the directory is removed, since
//     it is stored as a diff against something that no longer exists;
//   - the newer entry's DependsOlder is pointed back at the entry that
//     depends on it, unless another entry already holds that slot, in which
//     case the later claimant is removed;
//   - a DependsOlder that names a missing entry, or one that does not point
//     back, is cleared;
//   - duplicate object IDs are removed, keeping the last occurrence;
//   - within each name, every entry except the last gets OldVersion (unless
//     it is Deleted) and the last loses it.
func (d *Directory) CheckAndFixNotes() []string {
	var notes []string
	note := func(format string, args ...any) {
		notes = append(notes, fmt.Sprintf(format, args...))
	}

	for _, e := range d.entries {
		if e.Flags.Has(FlagFile | FlagDir) {
			e.RemoveFlags(FlagFile)
			note("entry %s flagged as file and directory, File flag cleared",
				FormatObjectID(e.ObjectID))
		}
	}

	for restart := true; restart; {
		restart = false
		for i, e := range d.entries {
			if e.DependsNewer == NoObject {
				continue
			}
			newer := d.FindEntryByID(e.DependsNewer)
			if newer == nil {
				note("entry %s removed because it depends on newer version %s which doesn't exist",
					FormatObjectID(e.ObjectID), FormatObjectID(e.DependsNewer))
				d.entries = append(d.entries[:i], d.entries[i+1:]...)
				restart = true
				break
			}
			if newer.DependsOlder != e.ObjectID {
				if other := d.FindEntryByID(newer.DependsOlder); other != nil && other.DependsNewer == newer.ObjectID {
					note("entry %s removed because newer version %s already has older version %s",
						FormatObjectID(e.ObjectID), FormatObjectID(newer.ObjectID), FormatObjectID(other.ObjectID))
					d.entries = append(d.entries[:i], d.entries[i+1:]...)
					restart = true
					break
				}
				note("entry %s: DependsOlder corrected to %s, was %s",
					FormatObjectID(newer.ObjectID), FormatObjectID(e.ObjectID),
					FormatObjectID(newer.DependsOlder))
				newer.DependsOlder = e.ObjectID
			}
		}
	}

	for _, e := range d.entries {
		if e.DependsOlder == NoObject {
			continue
		}
		older := d.FindEntryByID(e.DependsOlder)
		if older == nil || older.DependsNewer != e.ObjectID {
			note("entry %s was marked as depended on by %s, which doesn't exist, dependency info cleared",
				FormatObjectID(e.ObjectID), FormatObjectID(e.DependsOlder))
			e.DependsOlder = NoObject
		}
	}

	for changed := true; changed; {
		changed = false
		idsSeen := make(map[int64]struct{}, len(d.entries))
		namesSeen := make(map[string]struct{}, len(d.entries))

		// Newest first, so the last entry of each name is seen first.
		for i := len(d.entries) - 1; i >= 0; i-- {
			e := d.entries[i]

			if _, dup := idsSeen[e.ObjectID]; dup {
				note("entry %s removed because it has been seen before", FormatObjectID(e.ObjectID))
				d.entries = append(d.entries[:i], d.entries[i+1:]...)
				changed = true
				break
			}
			idsSeen[e.ObjectID] = struct{}{}

			key := e.Name.Key()
			if _, seen := namesSeen[key]; seen {
				if !e.Flags.Has(FlagOldVersion) && !e.Flags.Has(FlagDeleted) {
					note("entry %s has a newer version, setting OldVersion flag", FormatObjectID(e.ObjectID))
					e.AddFlags(FlagOldVersion)
					changed = true
				}
				continue
			}
			namesSeen[key] = struct{}{}
			if e.Flags.Has(FlagOldVersion) {
				note("entry %s is the current version but has OldVersion flag set, unsetting it",
					FormatObjectID(e.ObjectID))
				e.RemoveFlags(FlagOldVersion)
				changed = true
			}
		}
	}

	return notes
}
