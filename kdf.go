package envelopefs

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// WrapAlgorithm names the scheme protecting a stored private key.
type WrapAlgorithm string

const (
	// WrapArgon2idAESGCM derives the wrapping key with Argon2id (USER, RECOVERY).
	WrapArgon2idAESGCM WrapAlgorithm = "argon2id+aes-256-gcm"
	// WrapPBKDF2AESGCM derives the wrapping key with PBKDF2 (USER, optional).
	WrapPBKDF2AESGCM WrapAlgorithm = "pbkdf2+aes-256-gcm"
	// WrapHKDFAESGCM derives the wrapping key with HKDF-SHA256 from a
	// high-entropy instance secret (SYSTEM).
	WrapHKDFAESGCM WrapAlgorithm = "hkdf-sha256+aes-256-gcm"
)

const systemKeyInfo = "envelopefs system key v1"

// kdfSpec fully describes one derivation so it can be stored next to the
// wrapped key and replayed on unlock.
type kdfSpec struct {
	Algorithm WrapAlgorithm   `json:"algorithm"`
	Salt      []byte          `json:"salt"`
	Argon2    *Argon2idParams `json:"argon2,omitempty"`
	PBKDF2    *PBKDF2Params   `json:"pbkdf2,omitempty"`
}

// newKDFSpec picks the scheme for a principal kind and draws a fresh salt.
func newKDFSpec(kind PrincipalKind, cfg *Config, rand io.Reader) (kdfSpec, error) {
	switch {
	case kind == KindSystem:
		salt, err := randomBytes(rand, 32)
		if err != nil {
			return kdfSpec{}, fmt.Errorf("failed to generate salt: %w", err)
		}
		return kdfSpec{Algorithm: WrapHKDFAESGCM, Salt: salt}, nil
	case kind == KindUser && cfg.PBKDF2 != nil:
		p := *cfg.PBKDF2
		salt, err := randomBytes(rand, p.SaltSize)
		if err != nil {
			return kdfSpec{}, fmt.Errorf("failed to generate salt: %w", err)
		}
		return kdfSpec{Algorithm: WrapPBKDF2AESGCM, Salt: salt, PBKDF2: &p}, nil
	default:
		p := cfg.KDF
		salt, err := randomBytes(rand, p.SaltSize)
		if err != nil {
			return kdfSpec{}, fmt.Errorf("failed to generate salt: %w", err)
		}
		return kdfSpec{Algorithm: WrapArgon2idAESGCM, Salt: salt, Argon2: &p}, nil
	}
}

// deriveKey derives the 32-byte wrapping key for secret.
func (s kdfSpec) deriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret cannot be empty")
	}
	if len(s.Salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	switch s.Algorithm {
	case WrapArgon2idAESGCM:
		if s.Argon2 == nil {
			return nil, errors.New("missing argon2id parameters")
		}
		p := s.Argon2
		return argon2.IDKey(secret, s.Salt, p.Iterations, p.Memory, p.Parallelism, 32), nil

	case WrapPBKDF2AESGCM:
		if s.PBKDF2 == nil {
			return nil, errors.New("missing pbkdf2 parameters")
		}
		var hashFunc func() hash.Hash
		switch s.PBKDF2.HashFunc {
		case SHA256:
			hashFunc = sha256.New
		case SHA512:
			hashFunc = sha512.New
		default:
			return nil, fmt.Errorf("unsupported hash function: %v", s.PBKDF2.HashFunc)
		}
		return pbkdf2.Key(secret, s.Salt, s.PBKDF2.Iterations, 32, hashFunc), nil

	case WrapHKDFAESGCM:
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, s.Salt, []byte(systemKeyInfo)), key); err != nil {
			return nil, fmt.Errorf("hkdf: %w", err)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("unsupported wrap algorithm %q", s.Algorithm)
	}
}

// InstanceSecretFromEnv reads the SYSTEM wrapping secret from an environment
// variable. The value may be hex, standard base64, or raw bytes; it must
// decode to at least 32 bytes.
func InstanceSecretFromEnv(envVar string) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(envVar))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}

	secret := []byte(raw)
	if b, err := hex.DecodeString(raw); err == nil {
		secret = b
	} else if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		secret = b
	}

	if len(secret) < 32 {
		return nil, fmt.Errorf("instance secret from %s must be at least 32 bytes, got %d", envVar, len(secret))
	}
	return secret, nil
}
