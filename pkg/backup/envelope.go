package backup

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

// ObjectType tags the body of an envelope.
type ObjectType uint8

const (
	ObjectTypeDirectory ObjectType = 1
	ObjectTypeFile      ObjectType = 2
)

func (t ObjectType) String() string {
	switch t {
	case ObjectTypeDirectory:
		return "directory"
	case ObjectTypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Compression of the envelope body.
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionSnappy Compression = 1
)

const (
	envelopeMagic      = "DBOX"
	envelopeVersion    = 1
	envelopeHeaderSize = 4 + 1 + 1 + 1 + 4
	envelopeTrailer    = 8
)

// Seal wraps an object body for storage: magic, version, type, compression,
// body length, body, then an xxhash64 of everything before it.
func Seal(t ObjectType, c Compression, body []byte) []byte {
	if c == CompressionSnappy {
		body = snappy.Encode(nil, body)
	}

	out := make([]byte, envelopeHeaderSize, envelopeHeaderSize+len(body)+envelopeTrailer)
	copy(out, envelopeMagic)
	out[4] = envelopeVersion
	out[5] = byte(t)
	out[6] = byte(c)
	binary.BigEndian.PutUint32(out[7:], uint32(len(body)))
	out = append(out, body...)
	return binary.BigEndian.AppendUint64(out, xxhash.Sum64(out))
}

// Open validates an envelope and returns its type and decompressed body.
func Open(data []byte) (ObjectType, []byte, error) {
	if len(data) < envelopeHeaderSize+envelopeTrailer {
		return 0, nil, NewError(KindStructuralCorruption, "Open", 0, "object too short (%d bytes)", len(data))
	}
	if string(data[:4]) != envelopeMagic {
		return 0, nil, NewError(KindStructuralCorruption, "Open", 0, "bad object magic")
	}
	if data[4] != envelopeVersion {
		return 0, nil, NewError(KindStructuralCorruption, "Open", 0, "unsupported object version %d", data[4])
	}

	n := int(binary.BigEndian.Uint32(data[7:]))
	if len(data) != envelopeHeaderSize+n+envelopeTrailer {
		return 0, nil, NewError(KindStructuralCorruption, "Open", 0,
			"object is %d bytes, header says body of %d", len(data), n)
	}
	end := envelopeHeaderSize + n
	if sum := binary.BigEndian.Uint64(data[end:]); sum != xxhash.Sum64(data[:end]) {
		return 0, nil, NewError(KindStructuralCorruption, "Open", 0, "checksum mismatch")
	}

	t := ObjectType(data[5])
	if t != ObjectTypeDirectory && t != ObjectTypeFile {
		return 0, nil, NewError(KindStructuralCorruption, "Open", 0, "unknown object type %d", data[5])
	}

	body := data[envelopeHeaderSize:end]
	switch Compression(data[6]) {
	case CompressionNone:
	case CompressionSnappy:
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return 0, nil, WrapError(KindStructuralCorruption, "Open", 0, err)
		}
	default:
		return 0, nil, NewError(KindStructuralCorruption, "Open", 0, "unknown compression %d", data[6])
	}
	return t, body, nil
}

// SealDirectory encodes and seals a directory. Directories are stored
// uncompressed so their stored size depends only on their structure.
func SealDirectory(d *Directory) ([]byte, error) {
	body, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Seal(ObjectTypeDirectory, CompressionNone, body), nil
}

// SealFile encodes and seals a file object with snappy compression.
func SealFile(h FileHeader, payload []byte) ([]byte, error) {
	body, err := EncodeFile(h, payload)
	if err != nil {
		return nil, err
	}
	return Seal(ObjectTypeFile, CompressionSnappy, body), nil
}

// OpenDirectory opens an envelope that must hold a directory.
func OpenDirectory(data []byte) (*Directory, error) {
	t, body, err := Open(data)
	if err != nil {
		return nil, err
	}
	if t != ObjectTypeDirectory {
		return nil, NewError(KindStructuralCorruption, "OpenDirectory", 0, "object is a %s", t)
	}
	return DecodeDirectory(body)
}

// OpenFile opens an envelope that must hold a file object.
func OpenFile(data []byte) (*FileHeader, []byte, error) {
	t, body, err := Open(data)
	if err != nil {
		return nil, nil, err
	}
	if t != ObjectTypeFile {
		return nil, nil, NewError(KindStructuralCorruption, "OpenFile", 0, "object is a %s", t)
	}
	return DecodeFileHeader(body)
}
