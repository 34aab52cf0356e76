package envelopefs

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "envelopefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_ENVELOPE_SECRET", hex.EncodeToString(testInstanceSecret))

	path := writeConfig(t, `
cipher: chacha20-poly1305
block_size: 8192
key_mode: master
argon2:
  memory: 2048
  iterations: 2
  parallelism: 1
pbkdf2:
  iterations: 5000
  hash: sha512
instance_secret_env: TEST_ENVELOPE_SECRET
session_ttl: 10m
parallel:
  enabled: true
  max_workers: 2
  min_blocks: 4
  batch_blocks: 8
store:
  driver: sqlite
  path: keys.db
root: /srv/data
log_level: debug
`)

	fc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", fc.Store.Driver)
	assert.Equal(t, "keys.db", fc.Store.Path)
	assert.Equal(t, "/srv/data", fc.Root)

	cfg, err := fc.Config()
	require.NoError(t, err)
	assert.Equal(t, CipherChaCha20Poly1305, cfg.Cipher)
	assert.Equal(t, 8192, cfg.BlockSize)
	assert.Equal(t, KeyModeMaster, cfg.KeyMode)
	assert.Equal(t, uint32(2048), cfg.KDF.Memory)
	assert.Equal(t, uint32(2), cfg.KDF.Iterations)
	require.NotNil(t, cfg.PBKDF2)
	assert.Equal(t, 5000, cfg.PBKDF2.Iterations)
	assert.Equal(t, SHA512, cfg.PBKDF2.HashFunc)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 2, cfg.Parallel.MaxWorkers)
	assert.Equal(t, testInstanceSecret, cfg.InstanceSecret)
	assert.Equal(t, logrus.DebugLevel, cfg.Logger.GetLevel())
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv(DefaultInstanceSecretEnv, string(testInstanceSecret))

	fc, err := LoadConfig(writeConfig(t, "root: data\n"))
	require.NoError(t, err)
	assert.Equal(t, "badger", fc.Store.Driver)

	cfg, err := fc.Config()
	require.NoError(t, err)
	def := DefaultConfig()
	assert.Equal(t, def.Cipher, cfg.Cipher)
	assert.Equal(t, def.BlockSize, cfg.BlockSize)
	assert.Equal(t, KeyModePerUser, cfg.KeyMode)
	assert.Nil(t, cfg.PBKDF2)
	assert.Equal(t, testInstanceSecret, cfg.InstanceSecret)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv(DefaultInstanceSecretEnv, string(testInstanceSecret))

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, IsIOError(err))

	_, err = LoadConfig(writeConfig(t, "cipher: [not, a, string\n"))
	assert.Error(t, err)

	tests := []struct {
		name  string
		body  string
		check func(error) bool
	}{
		{"cipher", "cipher: des\n", func(err error) bool { return errors.Is(err, ErrUnsupportedCipher) }},
		{"key mode", "key_mode: shared\n", func(err error) bool { return err != nil }},
		{"pbkdf2 hash", "pbkdf2:\n  hash: md5\n", IsValidationError},
		{"log level", "log_level: loud\n", IsValidationError},
		{"block size", "block_size: 16\n", IsValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, err := LoadConfig(writeConfig(t, tt.body))
			require.NoError(t, err)
			_, err = fc.Config()
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestLoadConfig_InstanceSecret(t *testing.T) {
	fc, err := LoadConfig(writeConfig(t, "instance_secret_env: TEST_ENVELOPE_UNSET\n"))
	require.NoError(t, err)
	_, err = fc.Config()
	assert.Error(t, err, "a missing secret must fail")

	t.Setenv("TEST_ENVELOPE_UNSET", "too short")
	_, err = fc.Config()
	assert.Error(t, err)

	t.Setenv("TEST_ENVELOPE_UNSET", hex.EncodeToString(testInstanceSecret[:32]))
	cfg, err := fc.Config()
	require.NoError(t, err)
	assert.Equal(t, testInstanceSecret[:32], cfg.InstanceSecret)
}
