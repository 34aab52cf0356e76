package envelopefs

import (
	"encoding/binary"
	"fmt"
)

// Block record layout. Every block is stored at a fixed stride so that the
// record of plaintext offset off lives at (off / BlockSize) * RecordSize.
//
// ┌──────────────────────────────────────┐
// │ Block 0                              │
// │ ├─ Plaintext length (uint32, LE)     │
// │ ├─ Nonce (12 bytes for both suites)  │
// │ └─ Ciphertext + Auth Tag             │
// ├──────────────────────────────────────┤
// │ Block 1 ...                          │
// ├──────────────────────────────────────┤
// │ Final block (may be shorter)         │
// └──────────────────────────────────────┘
//
// The AAD of block i binds the file ID, i, the plaintext length and whether
// the block is the final one, so blocks cannot be moved between positions or
// files and dropping trailing blocks is detected.

const (
	// DefaultBlockSize is the default plaintext block size (8 KB)
	DefaultBlockSize = 8 * 1024

	// MinBlockSize is the minimum allowed block size (64 bytes, for testing)
	MinBlockSize = 64

	// MaxBlockSize is the maximum allowed block size (16 MB)
	MaxBlockSize = 16 * 1024 * 1024

	blockLenSize = 4
)

// ValidateBlockSize validates that a block size is within acceptable bounds
func ValidateBlockSize(size uint32) error {
	if size < MinBlockSize {
		return fmt.Errorf("block size %d below minimum %d", size, MinBlockSize)
	}
	if size > MaxBlockSize {
		return fmt.Errorf("block size %d above maximum %d", size, MaxBlockSize)
	}
	return nil
}

// blockLayout is the geometry of one file's block records.
type blockLayout struct {
	blockSize int64
	nonceSize int64
	tagSize   int64
}

func newBlockLayout(suite CipherSuite, blockSize uint32) (blockLayout, error) {
	if err := ValidateBlockSize(blockSize); err != nil {
		return blockLayout{}, err
	}
	nonceSize, tagSize, err := cipherOverhead(suite)
	if err != nil {
		return blockLayout{}, err
	}
	return blockLayout{
		blockSize: int64(blockSize),
		nonceSize: int64(nonceSize),
		tagSize:   int64(tagSize),
	}, nil
}

// overhead is the per-record cost that never counts toward the logical size.
func (l blockLayout) overhead() int64 {
	return blockLenSize + l.nonceSize + l.tagSize
}

// recordSize is the stride between consecutive records.
func (l blockLayout) recordSize() int64 {
	return l.overhead() + l.blockSize
}

func (l blockLayout) recordOffset(index uint64) int64 {
	return int64(index) * l.recordSize()
}

// blockIndex returns the block containing logical offset off.
func (l blockLayout) blockIndex(off int64) uint64 {
	return uint64(off / l.blockSize)
}

// blockCount returns how many records hold size plaintext bytes.
func (l blockLayout) blockCount(size int64) uint64 {
	if size <= 0 {
		return 0
	}
	return uint64((size + l.blockSize - 1) / l.blockSize)
}

// logicalSize derives the plaintext length from the ciphertext length.
func (l blockLayout) logicalSize(ciphertextSize int64) (int64, error) {
	if ciphertextSize < 0 {
		return 0, fmt.Errorf("negative ciphertext size %d", ciphertextSize)
	}
	full := ciphertextSize / l.recordSize()
	rem := ciphertextSize % l.recordSize()
	if rem == 0 {
		return full * l.blockSize, nil
	}
	if rem <= l.overhead() {
		return 0, fmt.Errorf("%w: trailing record of %d bytes", ErrInvalidHeader, rem)
	}
	return full*l.blockSize + rem - l.overhead(), nil
}

// ciphertextSize is the inverse of logicalSize.
func (l blockLayout) ciphertextSize(size int64) int64 {
	n := l.blockCount(size)
	if n == 0 {
		return 0
	}
	last := size - int64(n-1)*l.blockSize
	return int64(n-1)*l.recordSize() + l.overhead() + last
}

// blockAAD builds the associated data of one block record.
func blockAAD(fileID string, index uint64, plaintextLen uint32, final bool) []byte {
	aad := make([]byte, 0, len(fileID)+8+4+1)
	aad = append(aad, fileID...)
	aad = binary.LittleEndian.AppendUint64(aad, index)
	aad = binary.LittleEndian.AppendUint32(aad, plaintextLen)
	if final {
		aad = append(aad, 1)
	} else {
		aad = append(aad, 0)
	}
	return aad
}
