package envelopefs

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// CipherSuite represents the block encryption algorithm recorded in a file header
type CipherSuite uint8

const (
	// CipherAuto selects the default cipher (AES-256-GCM)
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite parses the names produced by CipherSuite.String.
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-gcm":
		return CipherAES256GCM, nil
	case "chacha20-poly1305":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, s)
	}
}

// KeyMode selects how content keys are wrapped.
//
// In per-user mode every principal with access gets its own wrapped copy of
// the content key. In master-key mode a single SYSTEM principal wraps every
// file and access control is left to the sharing layer.
type KeyMode uint8

const (
	// KeyModePerUser wraps content keys for the owner, each share recipient
	// and, when enabled, the recovery key.
	KeyModePerUser KeyMode = iota
	// KeyModeMaster wraps content keys for the SYSTEM principal only.
	KeyModeMaster
)

func (m KeyMode) String() string {
	switch m {
	case KeyModePerUser:
		return "per-user"
	case KeyModeMaster:
		return "master"
	default:
		return "unknown"
	}
}

// ParseKeyMode parses the names produced by KeyMode.String.
func ParseKeyMode(s string) (KeyMode, error) {
	switch s {
	case "", "per-user":
		return KeyModePerUser, nil
	case "master":
		return KeyModeMaster, nil
	default:
		return 0, fmt.Errorf("unknown key mode %q", s)
	}
}

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      `json:"iterations" yaml:"iterations"` // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc `json:"hash" yaml:"hash"`             // Hash function to use
	SaltSize   int      `json:"salt_size" yaml:"salt_size"`   // Salt size in bytes (default 32)
	KeySize    int      `json:"key_size" yaml:"key_size"`     // Derived key size in bytes (default 32 for AES-256)
}

// withDefaults fills zero fields with the recommended values.
func (p PBKDF2Params) withDefaults() PBKDF2Params {
	if p.Iterations == 0 {
		p.Iterations = 600000
	}
	if p.SaltSize == 0 {
		p.SaltSize = 32
	}
	if p.KeySize == 0 {
		p.KeySize = 32
	}
	return p
}

// Validate checks the PBKDF2 parameters after defaults are applied
func (p PBKDF2Params) Validate() error {
	if p.Iterations < 1000 {
		return fmt.Errorf("pbkdf2 iterations must be at least 1000")
	}
	if p.HashFunc != SHA256 && p.HashFunc != SHA512 {
		return fmt.Errorf("pbkdf2 hash function must be SHA256 or SHA512")
	}
	if p.SaltSize < 16 {
		return fmt.Errorf("pbkdf2 salt size must be at least 16 bytes")
	}
	if p.KeySize != 32 {
		return fmt.Errorf("pbkdf2 key size must be 32 bytes")
	}
	return nil
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 `json:"memory" yaml:"memory"`           // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 `json:"iterations" yaml:"iterations"`   // Number of iterations (time parameter)
	Parallelism uint8  `json:"parallelism" yaml:"parallelism"` // Degree of parallelism
	SaltSize    int    `json:"salt_size" yaml:"salt_size"`     // Salt size in bytes (default 32)
	KeySize     int    `json:"key_size" yaml:"key_size"`       // Derived key size in bytes (default 32 for AES-256)
}

// withDefaults fills zero fields with the recommended values.
func (p Argon2idParams) withDefaults() Argon2idParams {
	if p.Memory == 0 {
		p.Memory = 64 * 1024
	}
	if p.Iterations == 0 {
		p.Iterations = 3
	}
	if p.Parallelism == 0 {
		p.Parallelism = 4
	}
	if p.SaltSize == 0 {
		p.SaltSize = 32
	}
	if p.KeySize == 0 {
		p.KeySize = 32
	}
	return p
}

// Validate checks the Argon2id parameters after defaults are applied
func (p Argon2idParams) Validate() error {
	if p.Memory < 1024 {
		return fmt.Errorf("argon2id memory must be at least 1 MiB")
	}
	if p.Memory > 4*1024*1024 {
		return fmt.Errorf("argon2id memory must not exceed 4 GiB")
	}
	if p.Iterations < 1 {
		return fmt.Errorf("argon2id iterations must be at least 1")
	}
	if p.Parallelism < 1 {
		return fmt.Errorf("argon2id parallelism must be at least 1")
	}
	if p.SaltSize < 16 {
		return fmt.Errorf("argon2id salt size must be at least 16 bytes")
	}
	if p.KeySize != 32 {
		return fmt.Errorf("argon2id key size must be 32 bytes")
	}
	return nil
}

// Config contains configuration for the encrypted filesystem
type Config struct {
	// Cipher suite used for new files
	Cipher CipherSuite

	// BlockSize is the plaintext size of every block but the last
	BlockSize int

	// KeyMode is the instance mode used until an administrator stores another one
	KeyMode KeyMode

	// KDF parameters for wrapping USER and RECOVERY private keys
	KDF Argon2idParams

	// PBKDF2, when set, replaces Argon2id for newly wrapped USER keys.
	// Existing key pairs keep the scheme recorded in their WrapAlgorithm.
	PBKDF2 *PBKDF2Params

	// InstanceSecret wraps the SYSTEM private key
	InstanceSecret []byte

	// SessionTTL bounds how long an unlocked private key stays cached
	SessionTTL time.Duration

	// Parallel block sealing and opening
	Parallel ParallelConfig

	// Logger receives structured events; defaults to logrus.New()
	Logger *logrus.Logger
}

// DefaultConfig returns a configuration with the recommended defaults. The
// instance secret still has to be supplied.
func DefaultConfig() *Config {
	return &Config{
		Cipher:     CipherAES256GCM,
		BlockSize:  DefaultBlockSize,
		KeyMode:    KeyModePerUser,
		KDF:        Argon2idParams{}.withDefaults(),
		SessionTTL: 30 * time.Minute,
		Parallel:   DefaultParallelConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 && c.Cipher != CipherAuto {
		return ErrUnsupportedCipher
	}
	if c.BlockSize != 0 {
		if err := ValidateBlockSize(uint32(c.BlockSize)); err != nil {
			return NewValidationError("block_size", c.BlockSize, err.Error())
		}
	}
	if c.KeyMode != KeyModePerUser && c.KeyMode != KeyModeMaster {
		return NewValidationError("key_mode", c.KeyMode, "unknown key mode")
	}
	if len(c.InstanceSecret) < 32 {
		return NewValidationError("instance_secret", len(c.InstanceSecret), "instance secret must be at least 32 bytes")
	}
	if err := c.KDF.withDefaults().Validate(); err != nil {
		return NewValidationError("kdf", c.KDF, err.Error())
	}
	if c.PBKDF2 != nil {
		if err := c.PBKDF2.withDefaults().Validate(); err != nil {
			return NewValidationError("pbkdf2", *c.PBKDF2, err.Error())
		}
	}
	if c.SessionTTL < 0 {
		return NewValidationError("session_ttl", c.SessionTTL, "session ttl cannot be negative")
	}
	if err := c.Parallel.Validate(); err != nil {
		return NewValidationError("parallel", c.Parallel, err.Error())
	}
	return nil
}

// normalize returns a copy with defaults applied.
func (c *Config) normalize() *Config {
	n := *c
	if n.Cipher == CipherAuto {
		n.Cipher = CipherAES256GCM
	}
	if n.BlockSize == 0 {
		n.BlockSize = DefaultBlockSize
	}
	n.KDF = n.KDF.withDefaults()
	if n.PBKDF2 != nil {
		p := n.PBKDF2.withDefaults()
		n.PBKDF2 = &p
	}
	if n.SessionTTL == 0 {
		n.SessionTTL = 30 * time.Minute
	}
	if n.Logger == nil {
		n.Logger = logrus.New()
	}
	return &n
}
