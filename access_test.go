package envelopefs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestShare_AliceBobCarol covers a file created by alice and shared with
// bob: exactly two entries exist, both unwrap to the same content key, and
// carol has none.
func TestShare_AliceBobCarol(t *testing.T) {
	ctx := context.Background()
	e := setupTestFS(t)
	alice := login(t, e, "alice")
	bob := login(t, e, "bob")
	carol := login(t, e, "carol")

	writeFile(t, alice, "/f1", []byte("quarterly numbers"))
	require.NoError(t, alice.Share("/f1", "bob"))

	h, err := e.Header("/f1")
	require.NoError(t, err)
	entries, err := e.Store().ListEntries(ctx, h.FileID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var keys [][]byte
	for _, entry := range entries {
		require.Contains(t, []Principal{User("alice"), User("bob")}, entry.Principal)
		priv, err := e.Keys().UnlockPrivateKey(ctx, entry.Principal.ID, secretFor(entry.Principal.ID))
		require.NoError(t, err)
		entry := entry
		key, err := e.wrapper.UnwrapForPrincipal(&entry, priv)
		priv.Zero()
		require.NoError(t, err)
		assert.True(t, h.VerifyKey(key))
		keys = append(keys, key)
	}
	assert.Equal(t, keys[0], keys[1], "both entries must wrap the same content key")

	_, err = e.Store().GetEntry(ctx, h.FileID, User("carol"))
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := bob.ReadFile("/f1")
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(got))

	_, err = carol.ReadFile("/f1")
	assert.True(t, IsInaccessible(err))
}

func TestShare_Unshare(t *testing.T) {
	ctx := context.Background()
	e := setupTestFS(t)
	alice := login(t, e, "alice")
	bob := login(t, e, "bob")

	writeFile(t, alice, "/doc", []byte("shared"))
	require.NoError(t, alice.Share("/doc", "bob"))
	require.NoError(t, alice.Share("/doc", "bob"), "sharing twice is a no-op")

	rec, err := alice.Access("/doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, rec.Recipients)

	got, err := bob.ReadFile("/doc")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(got))

	assert.ErrorIs(t, bob.Share("/doc", "carol"), ErrNotOwner)
	assert.ErrorIs(t, bob.Unshare("/doc", "alice"), ErrNotOwner)
	assert.True(t, IsValidationError(alice.Unshare("/doc", "alice")))

	require.NoError(t, alice.Unshare("/doc", "bob"))

	_, err = e.Store().GetEntry(ctx, rec.FileID, User("bob"))
	assert.ErrorIs(t, err, ErrNotFound, "a revoked entry is deleted at once")
	_, err = bob.ReadFile("/doc")
	assert.ErrorIs(t, err, ErrNoAccess, "cached content keys must not outlive the entry")

	rec, err = alice.Access("/doc")
	require.NoError(t, err)
	assert.Empty(t, rec.Recipients)
}

func TestShare_RecipientWithoutKeyPair(t *testing.T) {
	e := setupTestFS(t)
	alice := login(t, e, "alice")
	writeFile(t, alice, "/doc", []byte("x"))

	err := alice.Share("/doc", "stranger")
	assert.True(t, IsNoKeyPair(err))

	rec, err := alice.Access("/doc")
	require.NoError(t, err)
	assert.Empty(t, rec.Recipients, "a failed share must not change the access list")

	assert.True(t, IsValidationError(alice.Share("/doc", "")))
}

func TestShare_MasterKeyMode(t *testing.T) {
	ctx := context.Background()
	e := setupTestFS(t)
	require.NoError(t, e.Admin().EnableMasterKeyMode(ctx))

	alice := login(t, e, "alice")
	bob := login(t, e, "bob")
	writeFile(t, alice, "/m", []byte("master mode"))

	h, err := e.Header("/m")
	require.NoError(t, err)
	assert.Equal(t, KeyModeMaster, h.KeyMode)
	entries, err := e.Store().ListEntries(ctx, h.FileID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SystemPrincipal, entries[0].Principal)

	_, err = bob.ReadFile("/m")
	assert.ErrorIs(t, err, ErrNoAccess, "master mode still honors the access list")

	require.NoError(t, alice.Share("/m", "bob"))
	entries, err = e.Store().ListEntries(ctx, h.FileID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "sharing in master mode writes no entries")

	got, err := bob.ReadFile("/m")
	require.NoError(t, err)
	assert.Equal(t, "master mode", string(got))

	require.NoError(t, alice.Unshare("/m", "bob"))
	_, err = bob.ReadFile("/m")
	assert.ErrorIs(t, err, ErrNoAccess)
}
