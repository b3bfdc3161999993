package backup

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// storeInfoMagic tags an encoded StoreInfo record.
const storeInfoMagic uint32 = 0x53544f52

// StoreInfo is the per-account accounting record.
type StoreInfo struct {
	AccountID   uint32
	AccountName string

	// Usage counters, in blocks.
	BlocksUsed           int64
	BlocksInOldFiles     int64
	BlocksInDeletedFiles int64
	BlocksInDirectories  int64

	NumFiles        int64
	NumOldFiles     int64
	NumDeletedFiles int64
	NumDirectories  int64

	BlocksSoftLimit int64
	BlocksHardLimit int64

	// LastObjectIDUsed is the highest object ID ever allocated.
	LastObjectIDUsed int64

	// ClientStoreMarker is an opaque value the client sets to recognise its
	// own last session.
	ClientStoreMarker int64
}

// storeInfoRecord is the XDR wire form.
type storeInfoRecord struct {
	Magic                uint32
	AccountID            uint32
	AccountName          string
	BlocksUsed           int64
	BlocksInOldFiles     int64
	BlocksInDeletedFiles int64
	BlocksInDirectories  int64
	NumFiles             int64
	NumOldFiles          int64
	NumDeletedFiles      int64
	NumDirectories       int64
	BlocksSoftLimit      int64
	BlocksHardLimit      int64
	LastObjectIDUsed     int64
	ClientStoreMarker    int64
}

// NewStoreInfo returns the record for a freshly created account, whose only
// object is the root directory.
func NewStoreInfo(accountID uint32, name string, softLimit, hardLimit int64) *StoreInfo {
	return &StoreInfo{
		AccountID:        accountID,
		AccountName:      name,
		BlocksSoftLimit:  softLimit,
		BlocksHardLimit:  hardLimit,
		LastObjectIDUsed: RootDirectoryID,
	}
}

// Clone returns a copy of the record.
func (s *StoreInfo) Clone() *StoreInfo {
	c := *s
	return &c
}

// AllocateObjectID reserves and returns the next object ID.
func (s *StoreInfo) AllocateObjectID() int64 {
	s.LastObjectIDUsed++
	return s.LastObjectIDUsed
}

// OverSoftLimit reports whether housekeeping should reclaim space.
func (s *StoreInfo) OverSoftLimit() bool {
	return s.BlocksSoftLimit > 0 && s.BlocksUsed > s.BlocksSoftLimit
}

// WouldExceedHardLimit reports whether adding blocks more blocks would take
// the account over its hard limit. A zero hard limit means unlimited.
func (s *StoreInfo) WouldExceedHardLimit(blocks int64) bool {
	return s.BlocksHardLimit > 0 && s.BlocksUsed+blocks > s.BlocksHardLimit
}

// SameUsage compares every derived counter, ignoring limits, the marker and
// the name. The checker uses it to decide whether a record needs rewriting.
func (s *StoreInfo) SameUsage(o *StoreInfo) bool {
	return s.BlocksUsed == o.BlocksUsed &&
		s.BlocksInOldFiles == o.BlocksInOldFiles &&
		s.BlocksInDeletedFiles == o.BlocksInDeletedFiles &&
		s.BlocksInDirectories == o.BlocksInDirectories &&
		s.NumFiles == o.NumFiles &&
		s.NumOldFiles == o.NumOldFiles &&
		s.NumDeletedFiles == o.NumDeletedFiles &&
		s.NumDirectories == o.NumDirectories
}

func (s *StoreInfo) String() string {
	return fmt.Sprintf("account %08x %q: %d blocks used (%d old, %d deleted, %d dirs), limits %d/%d, last id %s",
		s.AccountID, s.AccountName, s.BlocksUsed, s.BlocksInOldFiles, s.BlocksInDeletedFiles,
		s.BlocksInDirectories, s.BlocksSoftLimit, s.BlocksHardLimit, FormatObjectID(s.LastObjectIDUsed))
}

// MarshalBinary encodes the record as XDR.
func (s *StoreInfo) MarshalBinary() ([]byte, error) {
	rec := storeInfoRecord{
		Magic:                storeInfoMagic,
		AccountID:            s.AccountID,
		AccountName:          s.AccountName,
		BlocksUsed:           s.BlocksUsed,
		BlocksInOldFiles:     s.BlocksInOldFiles,
		BlocksInDeletedFiles: s.BlocksInDeletedFiles,
		BlocksInDirectories:  s.BlocksInDirectories,
		NumFiles:             s.NumFiles,
		NumOldFiles:          s.NumOldFiles,
		NumDeletedFiles:      s.NumDeletedFiles,
		NumDirectories:       s.NumDirectories,
		BlocksSoftLimit:      s.BlocksSoftLimit,
		BlocksHardLimit:      s.BlocksHardLimit,
		LastObjectIDUsed:     s.LastObjectIDUsed,
		ClientStoreMarker:    s.ClientStoreMarker,
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return nil, fmt.Errorf("marshal store info: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes an XDR record.
func (s *StoreInfo) UnmarshalBinary(data []byte) error {
	var rec storeInfoRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return WrapError(KindStructuralCorruption, "UnmarshalStoreInfo", 0, err)
	}
	if rec.Magic != storeInfoMagic {
		return NewError(KindStructuralCorruption, "UnmarshalStoreInfo", 0, "bad store info magic 0x%08x", rec.Magic)
	}

	*s = StoreInfo{
		AccountID:            rec.AccountID,
		AccountName:          rec.AccountName,
		BlocksUsed:           rec.BlocksUsed,
		BlocksInOldFiles:     rec.BlocksInOldFiles,
		BlocksInDeletedFiles: rec.BlocksInDeletedFiles,
		BlocksInDirectories:  rec.BlocksInDirectories,
		NumFiles:             rec.NumFiles,
		NumOldFiles:          rec.NumOldFiles,
		NumDeletedFiles:      rec.NumDeletedFiles,
		NumDirectories:       rec.NumDirectories,
		BlocksSoftLimit:      rec.BlocksSoftLimit,
		BlocksHardLimit:      rec.BlocksHardLimit,
		LastObjectIDUsed:     rec.LastObjectIDUsed,
		ClientStoreMarker:    rec.ClientStoreMarker,
	}
	return nil
}

// AccountFile adds (sign 1) or removes (sign -1) the contribution of a file
// entry, with its current flags, to the usage counters.
func (s *StoreInfo) AccountFile(e *Entry, sign int64) {
	s.NumFiles += sign
	s.BlocksUsed += sign * e.SizeInBlocks
	if e.Flags.Has(FlagOldVersion) {
		s.NumOldFiles += sign
		s.BlocksInOldFiles += sign * e.SizeInBlocks
	}
	if e.Flags.Has(FlagDeleted) {
		s.NumDeletedFiles += sign
		s.BlocksInDeletedFiles += sign * e.SizeInBlocks
	}
}

// AccountDirectory adds (sign 1) or removes (sign -1) a stored directory
// object of the given size.
func (s *StoreInfo) AccountDirectory(blocks int64, sign int64) {
	s.NumDirectories += sign
	s.BlocksUsed += sign * blocks
	s.BlocksInDirectories += sign * blocks
}

// AccountFlagChanges moves file entries whose flags changed from the
// counters of their previous flags to those of their current ones.
func (s *StoreInfo) AccountFlagChanges(changes []FlagChange) {
	for _, ch := range changes {
		if !ch.Entry.Flags.Has(FlagFile) {
			continue
		}
		before := *ch.Entry
		before.Flags = ch.Previous
		s.AccountFile(&before, -1)
		s.AccountFile(ch.Entry, 1)
	}
}
