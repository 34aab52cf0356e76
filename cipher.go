package envelopefs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ContentKeySize is the size of a per-file content key (256 bits).
const ContentKeySize = 32

// CipherEngine provides AEAD encryption/decryption
type CipherEngine interface {
	// Seal encrypts plaintext with the given nonce, authenticating aad
	Seal(nonce, plaintext, aad []byte) ([]byte, error)

	// Open decrypts ciphertext with the given nonce; it returns ErrAuthFailed
	// when the tag does not verify
	Open(nonce, ciphertext, aad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int

	// Suite returns the cipher suite implemented by the engine
	Suite() CipherSuite
}

// aeadEngine implements CipherEngine over any cipher.AEAD
type aeadEngine struct {
	aead  cipher.AEAD
	suite CipherSuite
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("AES-256 requires a 32-byte key, got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{aead: aead, suite: CipherAES256GCM}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("ChaCha20-Poly1305 requires a %d-byte key, got %d bytes",
			chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{aead: aead, suite: CipherChaCha20Poly1305}, nil
}

func (e *aeadEngine) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if err := ValidateNonce(nonce, e.suite); err != nil {
		return nil, err
	}
	return e.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (e *aeadEngine) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if err := ValidateNonce(nonce, e.suite); err != nil {
		return nil, err
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int     { return e.aead.NonceSize() }
func (e *aeadEngine) Overhead() int      { return e.aead.Overhead() }
func (e *aeadEngine) Suite() CipherSuite { return e.suite }

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM, CipherAuto:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// cipherOverhead returns nonce and tag sizes without instantiating a key.
func cipherOverhead(suite CipherSuite) (nonceSize, tagSize int, err error) {
	switch suite {
	case CipherAES256GCM, CipherAuto:
		return 12, 16, nil
	case CipherChaCha20Poly1305:
		return chacha20poly1305.NonceSize, chacha20poly1305.Overhead, nil
	default:
		return 0, 0, ErrUnsupportedCipher
	}
}

// randomBytes reads n bytes from r.
func randomBytes(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// zero overwrites b.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
