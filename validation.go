package envelopefs

import (
	"fmt"
)

// Input validation helpers shared by the stream, the wrapper and BlockFile

// ValidateKey checks that a key has the expected size. The error wraps
// ErrInvalidKey.
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}
	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// ValidateNonce checks that a nonce has the correct size for a cipher
func ValidateNonce(nonce []byte, suite CipherSuite) error {
	if nonce == nil {
		return &ValidationError{
			Field:   "nonce",
			Message: "nonce cannot be nil",
		}
	}

	expectedSize, _, err := cipherOverhead(suite)
	if err != nil {
		return &ValidationError{
			Field:   "cipher",
			Value:   suite,
			Message: "unsupported cipher suite for nonce validation",
			Err:     err,
		}
	}

	if len(nonce) != expectedSize {
		return &ValidationError{
			Field:   "nonce",
			Value:   len(nonce),
			Message: fmt.Sprintf("invalid nonce size: got %d bytes, expected %d bytes for %s", len(nonce), expectedSize, suite),
		}
	}
	return nil
}

// ValidateFileID checks that a file identity is usable as a store key
func ValidateFileID(fileID string) error {
	if fileID == "" {
		return &ValidationError{
			Field:   "file_id",
			Message: "file id cannot be empty",
		}
	}
	return nil
}

// ValidateRange checks a plaintext range. The error wraps ErrNegativeOffset.
func ValidateRange(off, length int64) error {
	if off < 0 || length < 0 {
		return &ValidationError{
			Field:   "range",
			Value:   [2]int64{off, length},
			Message: "offset and length cannot be negative",
			Err:     ErrNegativeOffset,
		}
	}
	return nil
}

// ValidateReadWrite checks common preconditions for read/write operations
func ValidateReadWrite(buf []byte, position int64) error {
	if buf == nil {
		return ErrNilBuffer
	}
	if position < 0 {
		return ErrNegativeOffset
	}
	return nil
}
