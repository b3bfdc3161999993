package backup

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Diff payload instructions. A diff is a sequence of instructions that
// rebuilds the target from a base:
//
//	opCopy     offset u64, length u32   copy bytes from the base
//	opLiteral  length u32, bytes        insert bytes
const (
	opCopy    byte = 1
	opLiteral byte = 2
)

// BlockInfo is one block of a block index.
type BlockInfo struct {
	Size uint32
	Hash uint64
}

// BlockIndex splits content into blockSize chunks and hashes each of them.
// Clients use it to build a diff against a stored file.
func BlockIndex(content []byte, blockSize int) []BlockInfo {
	if blockSize <= 0 {
		blockSize = int(DefaultBlockSize)
	}
	index := make([]BlockInfo, 0, (len(content)+blockSize-1)/blockSize)
	for off := 0; off < len(content); off += blockSize {
		end := min(off+blockSize, len(content))
		index = append(index, BlockInfo{
			Size: uint32(end - off),
			Hash: xxhash.Sum64(content[off:end]),
		})
	}
	return index
}

// EncodeDiff builds a diff turning base into target. Blocks of target that
// appear as whole blocks of base are copied, everything else is literal.
func EncodeDiff(base, target []byte, blockSize int) []byte {
	if blockSize <= 0 {
		blockSize = int(DefaultBlockSize)
	}

	known := make(map[uint64]int, len(base)/blockSize+1)
	for off := 0; off+blockSize <= len(base); off += blockSize {
		h := xxhash.Sum64(base[off : off+blockSize])
		if _, ok := known[h]; !ok {
			known[h] = off
		}
	}

	var out []byte
	var literal []byte
	flush := func() {
		if len(literal) == 0 {
			return
		}
		out = append(out, opLiteral)
		out = binary.BigEndian.AppendUint32(out, uint32(len(literal)))
		out = append(out, literal...)
		literal = literal[:0]
	}

	for off := 0; off < len(target); off += blockSize {
		end := min(off+blockSize, len(target))
		chunk := target[off:end]
		if len(chunk) == blockSize {
			if at, ok := known[xxhash.Sum64(chunk)]; ok && string(base[at:at+blockSize]) == string(chunk) {
				flush()
				out = append(out, opCopy)
				out = binary.BigEndian.AppendUint64(out, uint64(at))
				out = binary.BigEndian.AppendUint32(out, uint32(blockSize))
				continue
			}
		}
		literal = append(literal, chunk...)
	}
	flush()
	return out
}

// ApplyDiff rebuilds the target content from base and a diff.
func ApplyDiff(base, diff []byte) ([]byte, error) {
	var out []byte
	for i := 0; i < len(diff); {
		op := diff[i]
		i++
		switch op {
		case opCopy:
			if len(diff)-i < 12 {
				return nil, NewError(KindStructuralCorruption, "ApplyDiff", 0, "copy instruction truncated")
			}
			off := binary.BigEndian.Uint64(diff[i:])
			n := uint64(binary.BigEndian.Uint32(diff[i+8:]))
			i += 12
			if off > uint64(len(base)) || n > uint64(len(base))-off {
				return nil, NewError(KindStructuralCorruption, "ApplyDiff", 0,
					"copy of %d bytes at %d outside base of %d bytes", n, off, len(base))
			}
			out = append(out, base[off:off+n]...)
		case opLiteral:
			if len(diff)-i < 4 {
				return nil, NewError(KindStructuralCorruption, "ApplyDiff", 0, "literal instruction truncated")
			}
			n := int(binary.BigEndian.Uint32(diff[i:]))
			i += 4
			if len(diff)-i < n {
				return nil, NewError(KindStructuralCorruption, "ApplyDiff", 0, "literal data truncated")
			}
			out = append(out, diff[i:i+n]...)
			i += n
		default:
			return nil, NewError(KindStructuralCorruption, "ApplyDiff", 0, "unknown diff instruction %d", op)
		}
	}
	return out, nil
}
