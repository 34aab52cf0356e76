package envelopefs

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyService(t *testing.T, store KeyStore, cfg *Config) *KeyPairService {
	t.Helper()
	s, err := NewKeyPairService(store, cfg)
	require.NoError(t, err)
	return s
}

func TestKeyPairService_EnsureAndUnlock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	s := newTestKeyService(t, store, testConfig())

	kp, err := s.EnsureUserKeyPair(ctx, "alice", secretFor("alice"))
	require.NoError(t, err)
	assert.Equal(t, User("alice"), kp.Principal)
	assert.Equal(t, WrapArgon2idAESGCM, kp.WrapAlgorithm)
	assert.Len(t, kp.PublicKey, 32)
	assert.NotEmpty(t, kp.Salt)

	again, err := s.EnsureUserKeyPair(ctx, "alice", []byte("a different secret"))
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, again.PublicKey, "an existing pair must be returned unchanged")

	priv, err := s.UnlockPrivateKey(ctx, "alice", secretFor("alice"))
	require.NoError(t, err)
	defer priv.Zero()
	pub := priv.PublicKey()
	assert.Equal(t, kp.PublicKey, pub.Key[:])

	_, err = s.UnlockPrivateKey(ctx, "alice", []byte("wrong"))
	assert.True(t, IsWrongSecret(err))

	_, err = s.UnlockPrivateKey(ctx, "nobody", secretFor("nobody"))
	assert.True(t, IsNoKeyPair(err))

	_, err = s.EnsureUserKeyPair(ctx, "", secretFor("alice"))
	assert.True(t, IsValidationError(err))
	_, err = s.EnsureUserKeyPair(ctx, "bob", nil)
	assert.True(t, IsValidationError(err))
}

func TestKeyPairService_PBKDF2(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PBKDF2 = &PBKDF2Params{Iterations: 1000, HashFunc: SHA512}
	s := newTestKeyService(t, NewMemoryKeyStore(), cfg)

	kp, err := s.EnsureUserKeyPair(ctx, "alice", secretFor("alice"))
	require.NoError(t, err)
	assert.Equal(t, WrapPBKDF2AESGCM, kp.WrapAlgorithm)
	require.NotNil(t, kp.PBKDF2)
	assert.Equal(t, SHA512, kp.PBKDF2.HashFunc)

	priv, err := s.UnlockPrivateKey(ctx, "alice", secretFor("alice"))
	require.NoError(t, err)
	priv.Zero()
}

func TestKeyPairService_ConcurrentEnsure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	services := []*KeyPairService{
		newTestKeyService(t, store, testConfig()),
		newTestKeyService(t, store, testConfig()),
	}

	const n = 16
	keys := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := services[i%2].EnsureUserKeyPair(ctx, "alice", secretFor("alice"))
			errs[i] = err
			if err == nil {
				keys[i] = kp.PublicKey
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i], "caller %d saw a different key pair", i)
	}

	stored, err := store.GetKeyPair(ctx, User("alice"))
	require.NoError(t, err)
	assert.Equal(t, keys[0], stored.PublicKey)

	priv, err := services[1].UnlockPrivateKey(ctx, "alice", secretFor("alice"))
	require.NoError(t, err)
	priv.Zero()
}

func TestKeyPairService_RewrapPrivateKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	s := newTestKeyService(t, store, testConfig())

	kp, err := s.EnsureUserKeyPair(ctx, "alice", []byte("old"))
	require.NoError(t, err)

	err = s.RewrapPrivateKey(ctx, "alice", []byte("not the old one"), []byte("new"))
	assert.True(t, IsWrongSecret(err))
	priv, err := s.UnlockPrivateKey(ctx, "alice", []byte("old"))
	require.NoError(t, err, "a failed rewrap must leave the old secret valid")
	priv.Zero()

	require.NoError(t, s.RewrapPrivateKey(ctx, "alice", []byte("old"), []byte("new")))

	_, err = s.UnlockPrivateKey(ctx, "alice", []byte("old"))
	assert.True(t, IsWrongSecret(err))
	priv, err = s.UnlockPrivateKey(ctx, "alice", []byte("new"))
	require.NoError(t, err)
	defer priv.Zero()
	pub := priv.PublicKey()
	assert.Equal(t, kp.PublicKey, pub.Key[:], "rewrapping must not change the key pair")

	assert.True(t, IsValidationError(s.RewrapPrivateKey(ctx, "alice", []byte("new"), nil)))
}

func TestMemoryKeyStore_UpdateKeyPairConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	s := newTestKeyService(t, store, testConfig())

	_, err := s.EnsureUserKeyPair(ctx, "alice", []byte("old"))
	require.NoError(t, err)
	stale, err := store.GetKeyPair(ctx, User("alice"))
	require.NoError(t, err)

	require.NoError(t, s.RewrapPrivateKey(ctx, "alice", []byte("old"), []byte("new")))

	next := stale.Clone()
	next.WrappedPrivateKey = []byte("bogus")
	assert.ErrorIs(t, store.UpdateKeyPair(ctx, stale, next), ErrConflict)

	priv, err := s.UnlockPrivateKey(ctx, "alice", []byte("new"))
	require.NoError(t, err, "the losing update must not overwrite the winner")
	priv.Zero()

	missing := stale.Clone()
	missing.Principal = User("nobody")
	assert.ErrorIs(t, store.UpdateKeyPair(ctx, missing, missing), ErrNotFound)
}

func TestKeyPairService_SystemKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestKeyService(t, NewMemoryKeyStore(), testConfig())

	sys, err := s.EnsureSystemKeyPair(ctx, KindSystem, nil)
	require.NoError(t, err)
	assert.Equal(t, SystemPrincipal, sys.Principal)
	assert.Equal(t, WrapHKDFAESGCM, sys.WrapAlgorithm)

	priv, err := s.UnlockSystemKey(ctx, KindSystem, nil)
	require.NoError(t, err)
	priv.Zero()

	_, err = s.UnlockSystemKey(ctx, KindSystem, []byte("another instance secret of 32 bytes!"))
	assert.True(t, IsWrongSecret(err))

	_, err = s.UnlockSystemKey(ctx, KindRecovery, []byte("passphrase"))
	assert.True(t, IsNoKeyPair(err))

	rec, err := s.EnsureSystemKeyPair(ctx, KindRecovery, []byte("passphrase"))
	require.NoError(t, err)
	assert.Equal(t, RecoveryPrincipal, rec.Principal)
	assert.Equal(t, WrapArgon2idAESGCM, rec.WrapAlgorithm)

	_, err = s.EnsureSystemKeyPair(ctx, KindUser, []byte("x"))
	assert.True(t, IsValidationError(err))
}

func TestKeyPairService_RecoveryEscrow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	s := newTestKeyService(t, store, testConfig())

	_, err := s.EnsureSystemKeyPair(ctx, KindRecovery, []byte("recovery passphrase"))
	require.NoError(t, err)
	kp, err := s.EnsureUserKeyPair(ctx, "alice", []byte("forgotten"))
	require.NoError(t, err)

	err = s.RecoverUserKeyPair(ctx, "alice", []byte("recovery passphrase"), []byte("fresh"))
	assert.ErrorIs(t, err, ErrNotFound, "recovery needs an escrow")

	priv, err := s.UnlockPrivateKey(ctx, "alice", []byte("forgotten"))
	require.NoError(t, err)
	require.NoError(t, s.EscrowForRecovery(ctx, priv))
	priv.Zero()

	stored, err := store.GetKeyPair(ctx, User("alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, stored.RecoveryEscrow)

	err = s.RecoverUserKeyPair(ctx, "alice", []byte("wrong passphrase"), []byte("fresh"))
	assert.True(t, IsWrongSecret(err))

	require.NoError(t, s.RecoverUserKeyPair(ctx, "alice", []byte("recovery passphrase"), []byte("fresh")))
	priv, err = s.UnlockPrivateKey(ctx, "alice", []byte("fresh"))
	require.NoError(t, err)
	pub := priv.PublicKey()
	assert.Equal(t, kp.PublicKey, pub.Key[:])
	priv.Zero()

	require.NoError(t, s.ClearEscrow(ctx, User("alice")))
	stored, err = store.GetKeyPair(ctx, User("alice"))
	require.NoError(t, err)
	assert.Empty(t, stored.RecoveryEscrow)
}

func TestKeyPairService_PublicKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestKeyService(t, NewMemoryKeyStore(), testConfig())

	_, err := s.EnsureUserKeyPair(ctx, "alice", secretFor("alice"))
	require.NoError(t, err)

	pubs, err := s.PublicKeys(ctx, []Principal{User("alice")})
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, User("alice"), pubs[0].Principal)

	_, err = s.PublicKeys(ctx, []Principal{User("alice"), User("bob")})
	assert.True(t, IsNoKeyPair(err))

	ok, err := s.HasKeyPair(ctx, User("bob"))
	require.NoError(t, err)
	assert.False(t, ok)
}
