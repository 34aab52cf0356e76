package envelopefs

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/absfs/envelopefs/internal/osbase"
)

var testInstanceSecret = bytes.Repeat([]byte("instance-secret-"), 4)

const testBlockSize = 128

// testConfig returns a valid config with cheap KDF parameters and small
// blocks so that tests cross block boundaries with little data.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BlockSize = testBlockSize
	cfg.KDF = Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1}.withDefaults()
	cfg.InstanceSecret = testInstanceSecret
	cfg.Parallel = ParallelConfig{Enabled: true, MaxWorkers: 4, MinBlocksForParallel: 2, BatchBlocks: 4}
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg.Logger = log
	return cfg
}

func setupTestFS(t *testing.T) *FS {
	t.Helper()
	return setupTestFSWith(t, NewMemoryKeyStore(), testConfig())
}

func setupTestFSWith(t *testing.T, store KeyStore, cfg *Config) *FS {
	t.Helper()
	base, err := osbase.New(t.TempDir())
	require.NoError(t, err)
	e, err := New(base, store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func secretFor(user string) []byte {
	return []byte("login secret of " + user)
}

func testSecrets(_ context.Context, userID string) ([]byte, error) {
	return secretFor(userID), nil
}

// login signs user in and returns a view backed by a fresh session.
func login(t *testing.T, e *FS, user string) *View {
	t.Helper()
	ctx := context.Background()
	priv, err := e.Login(ctx, user, secretFor(user))
	require.NoError(t, err)

	session := e.NewSession(testSecrets)
	t.Cleanup(session.Close)
	require.NoError(t, session.Put(user, priv))

	v, err := e.View(ctx, user, session)
	require.NoError(t, err)
	return v
}

func writeFile(t *testing.T, v *View, name string, data []byte) {
	t.Helper()
	f, err := v.Create(name)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func randomData(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}
