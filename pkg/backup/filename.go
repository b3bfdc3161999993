package backup

import (
	"bytes"
	"encoding/hex"
)

// Filename encodings. The first byte of a Filename says how the rest is to
// be interpreted; the store never decrypts names.
const (
	FilenameEncodingClear     byte = 1
	FilenameEncodingEncrypted byte = 2
)

// MaxFilenameLength is the largest encoded filename the stream format can
// carry (u16 length prefix).
const MaxFilenameLength = 0xFFFF

// Filename is an encoded (usually encrypted) filename blob.
type Filename []byte

// ClearFilename returns a Filename holding s in clear text. The checker uses
// these for recovered objects, clients use them in tests.
func ClearFilename(s string) Filename {
	f := make(Filename, 0, len(s)+1)
	f = append(f, FilenameEncodingClear)
	return append(f, s...)
}

// EncryptedFilename wraps an already-encrypted name.
func EncryptedFilename(cipherText []byte) Filename {
	f := make(Filename, 0, len(cipherText)+1)
	f = append(f, FilenameEncodingEncrypted)
	return append(f, cipherText...)
}

// Valid reports whether the blob carries a known encoding and fits in the
// stream format.
func (f Filename) Valid() bool {
	if len(f) < 2 || len(f) > MaxFilenameLength {
		return false
	}
	return f[0] == FilenameEncodingClear || f[0] == FilenameEncodingEncrypted
}

// Equal compares two encoded names byte for byte.
func (f Filename) Equal(other Filename) bool {
	return bytes.Equal(f, other)
}

// Key returns the name as a map key.
func (f Filename) Key() string {
	return string(f)
}

// Clone returns a copy that does not alias f.
func (f Filename) Clone() Filename {
	if f == nil {
		return nil
	}
	return append(Filename(nil), f...)
}

// String returns the clear text for clear names and a hex dump otherwise.
func (f Filename) String() string {
	if len(f) > 0 && f[0] == FilenameEncodingClear {
		return string(f[1:])
	}
	return hex.EncodeToString(f)
}
