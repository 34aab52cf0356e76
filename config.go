package envelopefs

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DefaultInstanceSecretEnv is the variable read for the SYSTEM wrapping
// secret when a config file names none.
const DefaultInstanceSecretEnv = "ENVELOPEFS_INSTANCE_SECRET"

// FileConfig is the YAML form of Config plus the settings of the key store
// and command line tools.
type FileConfig struct {
	Cipher    string          `yaml:"cipher"`
	BlockSize int             `yaml:"block_size"`
	KeyMode   string          `yaml:"key_mode"`
	Argon2    *Argon2idParams `yaml:"argon2"`
	PBKDF2    *struct {
		Iterations int    `yaml:"iterations"`
		Hash       string `yaml:"hash"`
		SaltSize   int    `yaml:"salt_size"`
	} `yaml:"pbkdf2"`

	// InstanceSecretEnv names the environment variable holding the SYSTEM
	// wrapping secret.
	InstanceSecretEnv string `yaml:"instance_secret_env"`

	SessionTTL time.Duration   `yaml:"session_ttl"`
	Parallel   *ParallelConfig `yaml:"parallel"`

	Store StoreConfig `yaml:"store"`
	Root  string      `yaml:"root"`

	LogLevel string `yaml:"log_level"`
}

// StoreConfig selects the key store backend.
type StoreConfig struct {
	// Driver is "memory", "badger" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the badger directory or the sqlite database file.
	Path string `yaml:"path"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewIOError("read", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("error parsing config %s: %w", path, err)
	}

	if fc.Store.Driver == "" {
		fc.Store.Driver = "badger"
	}
	return &fc, nil
}

// Config converts the file form into a validated Config, reading the
// instance secret from the environment.
func (fc *FileConfig) Config() (*Config, error) {
	cfg := DefaultConfig()

	cipher, err := ParseCipherSuite(fc.Cipher)
	if err != nil {
		return nil, err
	}
	if cipher != CipherAuto {
		cfg.Cipher = cipher
	}
	if fc.BlockSize != 0 {
		cfg.BlockSize = fc.BlockSize
	}
	if fc.KeyMode != "" {
		mode, err := ParseKeyMode(fc.KeyMode)
		if err != nil {
			return nil, err
		}
		cfg.KeyMode = mode
	}
	if fc.Argon2 != nil {
		cfg.KDF = fc.Argon2.withDefaults()
	}
	if fc.PBKDF2 != nil {
		p := PBKDF2Params{Iterations: fc.PBKDF2.Iterations, SaltSize: fc.PBKDF2.SaltSize}
		switch fc.PBKDF2.Hash {
		case "", "sha256":
			p.HashFunc = SHA256
		case "sha512":
			p.HashFunc = SHA512
		default:
			return nil, NewValidationError("pbkdf2.hash", fc.PBKDF2.Hash, "expected sha256 or sha512")
		}
		p = p.withDefaults()
		cfg.PBKDF2 = &p
	}
	if fc.SessionTTL != 0 {
		cfg.SessionTTL = fc.SessionTTL
	}
	if fc.Parallel != nil {
		cfg.Parallel = *fc.Parallel
	}

	env := fc.InstanceSecretEnv
	if env == "" {
		env = DefaultInstanceSecretEnv
	}
	secret, err := InstanceSecretFromEnv(env)
	if err != nil {
		return nil, err
	}
	cfg.InstanceSecret = secret

	cfg.Logger = logrus.New()
	if fc.LogLevel != "" {
		level, err := logrus.ParseLevel(fc.LogLevel)
		if err != nil {
			return nil, NewValidationError("log_level", fc.LogLevel, err.Error())
		}
		cfg.Logger.SetLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
