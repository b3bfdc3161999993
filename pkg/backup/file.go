package backup

import (
	"bytes"
	"encoding/binary"
	"io"
)

// FileMagic opens every stored file object.
const FileMagic uint32 = 0x66696C65

const fileFixedHeaderSize = 4 + 8 + 8 + 8 + 8 + 2

// FileHeader describes a stored file object. The payload that follows it is
// either the full file content (DiffFromID == NoObject) or a diff against
// the content of object DiffFromID.
type FileHeader struct {
	ContainerID      int64
	ModificationTime int64
	DiffFromID       int64
	AttributesHash   int64
	Name             Filename
	PayloadLength    uint64
}

// IsDiff reports whether the payload must be applied to another object.
func (h *FileHeader) IsDiff() bool {
	return h.DiffFromID != NoObject
}

// EncodeFile builds a file object body from its header and payload.
// PayloadLength in h is ignored and set from payload.
func EncodeFile(h FileHeader, payload []byte) ([]byte, error) {
	if len(h.Name) > MaxFilenameLength {
		return nil, NewError(KindProtocolViolation, "EncodeFile", 0,
			"filename of %d bytes is too long", len(h.Name))
	}

	buf := make([]byte, fileFixedHeaderSize+len(h.Name)+8+len(payload))
	binary.BigEndian.PutUint32(buf[0:], FileMagic)
	binary.BigEndian.PutUint64(buf[4:], uint64(h.ContainerID))
	binary.BigEndian.PutUint64(buf[12:], uint64(h.ModificationTime))
	binary.BigEndian.PutUint64(buf[20:], uint64(h.DiffFromID))
	binary.BigEndian.PutUint64(buf[28:], uint64(h.AttributesHash))
	binary.BigEndian.PutUint16(buf[36:], uint16(len(h.Name)))
	off := fileFixedHeaderSize
	off += copy(buf[off:], h.Name)
	binary.BigEndian.PutUint64(buf[off:], uint64(len(payload)))
	copy(buf[off+8:], payload)
	return buf, nil
}

// DecodeFileHeader parses the header of a file object body and checks that
// the payload is complete. It returns the header and the payload slice
// (aliasing body).
func DecodeFileHeader(body []byte) (*FileHeader, []byte, error) {
	if len(body) < fileFixedHeaderSize {
		return nil, nil, NewError(KindStructuralCorruption, "DecodeFileHeader", 0, "file header truncated")
	}
	if magic := binary.BigEndian.Uint32(body[0:]); magic != FileMagic {
		return nil, nil, NewError(KindStructuralCorruption, "DecodeFileHeader", 0, "bad file magic 0x%08x", magic)
	}

	h := &FileHeader{
		ContainerID:      int64(binary.BigEndian.Uint64(body[4:])),
		ModificationTime: int64(binary.BigEndian.Uint64(body[12:])),
		DiffFromID:       int64(binary.BigEndian.Uint64(body[20:])),
		AttributesHash:   int64(binary.BigEndian.Uint64(body[28:])),
	}
	nameLen := int(binary.BigEndian.Uint16(body[36:]))
	off := fileFixedHeaderSize
	if len(body) < off+nameLen+8 {
		return nil, nil, NewError(KindStructuralCorruption, "DecodeFileHeader", 0, "file name truncated")
	}
	h.Name = Filename(bytes.Clone(body[off : off+nameLen]))
	off += nameLen

	h.PayloadLength = binary.BigEndian.Uint64(body[off:])
	off += 8
	if uint64(len(body)-off) != h.PayloadLength {
		return nil, nil, NewError(KindStructuralCorruption, "DecodeFileHeader", 0,
			"payload is %d bytes, header says %d", len(body)-off, h.PayloadLength)
	}
	return h, body[off:], nil
}

// ReadFileHeader is DecodeFileHeader for a stream.
func ReadFileHeader(r io.Reader) (*FileHeader, []byte, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, WrapError(KindFatalIO, "ReadFileHeader", 0, err)
	}
	return DecodeFileHeader(body)
}

// SizeInBlocks rounds a stored object size up to whole blocks. Every object
// occupies at least one block.
func SizeInBlocks(size int64, blockSize int64) int64 {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if size <= 0 {
		return 1
	}
	return (size + blockSize - 1) / blockSize
}

// DefaultBlockSize is the accounting block size used when none is configured.
const DefaultBlockSize int64 = 4096
