package backup

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Directory stream layout (big-endian):
//
//	header   count u32, objectID i64, containerID i64, attributesModTime i64
//	records  count x {objectID i64, sizeInBlocks i64, flags u8,
//	                  attributesHash i64, dependsNewer i64, dependsOlder i64,
//	                  nameLen u16, name [nameLen]byte}
//	trailer  dirAttrLen u32, dirAttr, then per entry
//	         {modTime i64, attrLen u32, attr}
//
// The trailer is optional on read: a stream ending right after the records
// yields empty attributes and zero modification times.
const (
	directoryHeaderSize = 4 + 8 + 8 + 8
	entryRecordSize     = 8 + 8 + 1 + 8 + 8 + 8 + 2

	// maxAttributesLength bounds a single attributes blob so a corrupt length
	// cannot make the reader allocate gigabytes.
	maxAttributesLength = 1 << 24
)

// WriteToStream serialises the directory.
func (d *Directory) WriteToStream(w io.Writer) error {
	bw := bufio.NewWriter(w)

	var hdr [directoryHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(len(d.entries)))
	binary.BigEndian.PutUint64(hdr[4:], uint64(d.objectID))
	binary.BigEndian.PutUint64(hdr[12:], uint64(d.containerID))
	binary.BigEndian.PutUint64(hdr[20:], uint64(d.attributesModTime))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	var rec [entryRecordSize]byte
	for _, e := range d.entries {
		if len(e.Name) > MaxFilenameLength {
			return NewError(KindProtocolViolation, "WriteToStream", e.ObjectID,
				"filename of %d bytes is too long", len(e.Name))
		}
		binary.BigEndian.PutUint64(rec[0:], uint64(e.ObjectID))
		binary.BigEndian.PutUint64(rec[8:], uint64(e.SizeInBlocks))
		rec[16] = byte(e.Flags)
		binary.BigEndian.PutUint64(rec[17:], uint64(e.AttributesHash))
		binary.BigEndian.PutUint64(rec[25:], uint64(e.DependsNewer))
		binary.BigEndian.PutUint64(rec[33:], uint64(e.DependsOlder))
		binary.BigEndian.PutUint16(rec[41:], uint16(len(e.Name)))
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
		if _, err := bw.Write(e.Name); err != nil {
			return err
		}
	}

	if err := writeBlob(bw, d.attributes); err != nil {
		return err
	}
	var mt [8]byte
	for _, e := range d.entries {
		binary.BigEndian.PutUint64(mt[:], uint64(e.ModificationTime))
		if _, err := bw.Write(mt[:]); err != nil {
			return err
		}
		if err := writeBlob(bw, e.Attributes); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// ReadFromStream replaces the directory's contents with the ones read from
// r. Malformed input yields a StructuralCorruption error and leaves d
// unchanged.
func (d *Directory) ReadFromStream(r io.Reader) error {
	br := bufio.NewReader(r)

	var hdr [directoryHeaderSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return corruptStream("header", err)
	}
	count := binary.BigEndian.Uint32(hdr[0:])

	read := &Directory{
		objectID:          int64(binary.BigEndian.Uint64(hdr[4:])),
		containerID:       int64(binary.BigEndian.Uint64(hdr[12:])),
		attributesModTime: int64(binary.BigEndian.Uint64(hdr[20:])),
		revision:          d.revision,
	}

	// Each record is at least entryRecordSize bytes; don't trust count for
	// the allocation.
	capHint := count
	if capHint > 4096 {
		capHint = 4096
	}
	read.entries = make([]*Entry, 0, capHint)

	var rec [entryRecordSize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			return corruptStream(fmt.Sprintf("entry %d", i), err)
		}
		e := &Entry{
			ObjectID:       int64(binary.BigEndian.Uint64(rec[0:])),
			SizeInBlocks:   int64(binary.BigEndian.Uint64(rec[8:])),
			Flags:          EntryFlags(rec[16]),
			AttributesHash: int64(binary.BigEndian.Uint64(rec[17:])),
			DependsNewer:   int64(binary.BigEndian.Uint64(rec[25:])),
			DependsOlder:   int64(binary.BigEndian.Uint64(rec[33:])),
		}
		nameLen := binary.BigEndian.Uint16(rec[41:])
		e.Name = make(Filename, nameLen)
		if _, err := io.ReadFull(br, e.Name); err != nil {
			return corruptStream(fmt.Sprintf("entry %d name", i), err)
		}
		read.entries = append(read.entries, e)
	}

	attrs, err := readBlob(br)
	switch {
	case errors.Is(err, io.EOF):
		*d = *read
		return nil
	case err != nil:
		return corruptStream("directory attributes", err)
	}
	read.attributes = attrs

	var mt [8]byte
	for i, e := range read.entries {
		if _, err := io.ReadFull(br, mt[:]); err != nil {
			return corruptStream(fmt.Sprintf("entry %d attributes", i), err)
		}
		e.ModificationTime = int64(binary.BigEndian.Uint64(mt[:]))
		if e.Attributes, err = readBlob(br); err != nil {
			return corruptStream(fmt.Sprintf("entry %d attributes", i), err)
		}
	}

	if _, err := br.ReadByte(); err != io.EOF {
		return NewError(KindStructuralCorruption, "ReadFromStream", read.objectID,
			"trailing data after directory")
	}

	*d = *read
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (d *Directory) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(directoryHeaderSize + len(d.entries)*(entryRecordSize+32))
	if err := d.WriteToStream(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (d *Directory) UnmarshalBinary(data []byte) error {
	return d.ReadFromStream(bytes.NewReader(data))
}

// DecodeDirectory parses a directory stream into a new Directory.
func DecodeDirectory(data []byte) (*Directory, error) {
	d := &Directory{}
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return d, nil
}

func writeBlob(w io.Writer, b []byte) error {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readBlob returns io.EOF only when the stream ends cleanly before the
// length prefix.
func readBlob(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n > maxAttributesLength {
		return nil, fmt.Errorf("attributes length %d out of range", n)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func corruptStream(where string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &StoreError{
		Kind:    KindStructuralCorruption,
		Op:      "ReadFromStream",
		Message: "reading " + where,
		Err:     err,
	}
}
