package envelopefs

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MagicBytes identifies envelope headers (ASCII: "ENVL")
	MagicBytes = uint32(0x454E564C)

	// CurrentVersion is the current header format version
	CurrentVersion = uint8(1)

	// MinHeaderSize covers magic, version, cipher, key mode, block size and
	// the file ID length
	MinHeaderSize = 4 + 1 + 1 + 1 + 4 + 2

	// KeyCheckSize is the length of the stored content-key check value
	KeyCheckSize = 16

	// HeaderSuffix is appended to a file name to form its header sidecar
	HeaderSuffix = ".encmeta"
)

// FileEncryptionHeader describes one encrypted file. It lives in a sidecar
// next to the ciphertext and can be read without any key material.
type FileEncryptionHeader struct {
	Magic     uint32      // Magic bytes to identify envelope headers
	Version   uint8       // Header format version
	Cipher    CipherSuite // Block AEAD
	KeyMode   KeyMode     // Wrapping mode the entries were written for
	BlockSize uint32      // Plaintext block size
	FileID    string      // Stable identity bound into every block's AAD
	KeyCheck  [KeyCheckSize]byte
}

// NewFileEncryptionHeader creates a header for a new file.
func NewFileEncryptionHeader(cipher CipherSuite, blockSize uint32, mode KeyMode, fileID string, contentKey []byte) *FileEncryptionHeader {
	return &FileEncryptionHeader{
		Magic:     MagicBytes,
		Version:   CurrentVersion,
		Cipher:    cipher,
		KeyMode:   mode,
		BlockSize: blockSize,
		FileID:    fileID,
		KeyCheck:  keyCheck(contentKey, fileID),
	}
}

// keyCheck is HMAC-SHA256(contentKey, fileID) truncated to KeyCheckSize.
func keyCheck(contentKey []byte, fileID string) [KeyCheckSize]byte {
	mac := hmac.New(sha256.New, contentKey)
	mac.Write([]byte(fileID))
	var out [KeyCheckSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyKey reports whether contentKey is the key this header was written for.
func (h *FileEncryptionHeader) VerifyKey(contentKey []byte) bool {
	want := keyCheck(contentKey, h.FileID)
	return hmac.Equal(want[:], h.KeyCheck[:])
}

// Size returns the encoded size of the header in bytes
func (h *FileEncryptionHeader) Size() int {
	return MinHeaderSize + len(h.FileID) + KeyCheckSize
}

// WriteTo writes the header to the given writer
func (h *FileEncryptionHeader) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)

	for _, field := range []any{h.Magic, h.Version, h.Cipher, h.KeyMode, h.BlockSize, uint16(len(h.FileID))} {
		if err := binary.Write(buf, binary.LittleEndian, field); err != nil {
			return 0, fmt.Errorf("failed to write header field: %w", err)
		}
	}
	buf.WriteString(h.FileID)
	buf.Write(h.KeyCheck[:])

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom reads the header from the given reader
func (h *FileEncryptionHeader) ReadFrom(r io.Reader) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return totalRead, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	totalRead += 4
	if h.Magic != MagicBytes {
		return totalRead, ErrInvalidHeader
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return totalRead, fmt.Errorf("failed to read version: %w", err)
	}
	totalRead++
	if h.Version > CurrentVersion {
		return totalRead, ErrUnsupportedVersion
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Cipher); err != nil {
		return totalRead, fmt.Errorf("failed to read cipher: %w", err)
	}
	totalRead++

	if err := binary.Read(r, binary.LittleEndian, &h.KeyMode); err != nil {
		return totalRead, fmt.Errorf("failed to read key mode: %w", err)
	}
	totalRead++

	if err := binary.Read(r, binary.LittleEndian, &h.BlockSize); err != nil {
		return totalRead, fmt.Errorf("failed to read block size: %w", err)
	}
	totalRead += 4

	var idLen uint16
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return totalRead, fmt.Errorf("failed to read file id size: %w", err)
	}
	totalRead += 2

	id := make([]byte, idLen)
	n, err := io.ReadFull(r, id)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read file id: %w", err)
	}
	h.FileID = string(id)

	n, err = io.ReadFull(r, h.KeyCheck[:])
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read key check: %w", err)
	}

	return totalRead, h.Validate()
}

// Validate checks if the header is valid
func (h *FileEncryptionHeader) Validate() error {
	if h.Magic != MagicBytes {
		return ErrInvalidHeader
	}
	if h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if h.KeyMode != KeyModePerUser && h.KeyMode != KeyModeMaster {
		return fmt.Errorf("%w: unknown key mode %d", ErrInvalidHeader, h.KeyMode)
	}
	if err := ValidateBlockSize(h.BlockSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if h.FileID == "" {
		return fmt.Errorf("%w: file id cannot be empty", ErrInvalidHeader)
	}
	return nil
}

// MarshalBinary encodes the header.
func (h *FileEncryptionHeader) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a header produced by MarshalBinary.
func (h *FileEncryptionHeader) UnmarshalBinary(data []byte) error {
	_, err := h.ReadFrom(bytes.NewReader(data))
	return err
}
