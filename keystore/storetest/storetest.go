// Package storetest holds the behavior every envelopefs.KeyStore must share.
// Backends run it from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/envelopefs"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) envelopefs.KeyStore

// Run exercises a KeyStore implementation.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s envelopefs.KeyStore)
	}{
		{"KeyPairs", testKeyPairs},
		{"KeyPairConflict", testKeyPairConflict},
		{"ConcurrentCreate", testConcurrentCreate},
		{"Entries", testEntries},
		{"Files", testFiles},
		{"ListFilesPaging", testListFilesPaging},
		{"DeleteFileCascades", testDeleteFileCascades},
		{"Settings", testSettings},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func keyPair(p envelopefs.Principal, wrapped string) *envelopefs.KeyPair {
	return &envelopefs.KeyPair{
		Principal:         p,
		PublicKey:         []byte("public key of " + p.Key()),
		WrappedPrivateKey: []byte(wrapped),
		WrapAlgorithm:     envelopefs.WrapArgon2idAESGCM,
		Salt:              []byte("salt"),
		Argon2:            &envelopefs.Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1},
		CreatedAt:         time.Unix(1700000000, 0).UTC(),
	}
}

func entry(fileID string, p envelopefs.Principal, wrapped string) envelopefs.WrappedKeyEntry {
	return envelopefs.WrappedKeyEntry{
		FileID:               fileID,
		Principal:            p,
		WrappedKey:           []byte(wrapped),
		Algorithm:            envelopefs.WrapSealedBox,
		Version:              envelopefs.EntryVersion,
		PublicKeyFingerprint: []byte("fp"),
		CreatedAt:            time.Unix(1700000000, 0).UTC(),
	}
}

func testKeyPairs(t *testing.T, s envelopefs.KeyStore) {
	ctx := context.Background()
	alice := envelopefs.User("alice")

	_, err := s.GetKeyPair(ctx, alice)
	assert.ErrorIs(t, err, envelopefs.ErrNotFound)

	kp := keyPair(alice, "wrapped-1")
	require.NoError(t, s.CreateKeyPair(ctx, kp))
	assert.ErrorIs(t, s.CreateKeyPair(ctx, keyPair(alice, "wrapped-2")), envelopefs.ErrAlreadyExists)

	got, err := s.GetKeyPair(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, kp.Principal, got.Principal)
	assert.Equal(t, kp.PublicKey, got.PublicKey)
	assert.Equal(t, kp.WrappedPrivateKey, got.WrappedPrivateKey)
	assert.Equal(t, kp.WrapAlgorithm, got.WrapAlgorithm)
	require.NotNil(t, got.Argon2)
	assert.Equal(t, *kp.Argon2, *got.Argon2)
	assert.True(t, kp.CreatedAt.Equal(got.CreatedAt))

	sys := keyPair(envelopefs.SystemPrincipal, "wrapped-sys")
	require.NoError(t, s.CreateKeyPair(ctx, sys))
	got, err = s.GetKeyPair(ctx, envelopefs.SystemPrincipal)
	require.NoError(t, err)
	assert.Equal(t, envelopefs.SystemPrincipal, got.Principal)

	_, err = s.GetKeyPair(ctx, envelopefs.User("system"))
	assert.ErrorIs(t, err, envelopefs.ErrNotFound, "a user named system is not the SYSTEM principal")

	require.NoError(t, s.DeleteKeyPair(ctx, alice))
	_, err = s.GetKeyPair(ctx, alice)
	assert.ErrorIs(t, err, envelopefs.ErrNotFound)
}

func testKeyPairConflict(t *testing.T, s envelopefs.KeyStore) {
	ctx := context.Background()
	alice := envelopefs.User("alice")
	v1 := keyPair(alice, "wrapped-1")
	require.NoError(t, s.CreateKeyPair(ctx, v1))

	v2 := v1.Clone()
	v2.WrappedPrivateKey = []byte("wrapped-2")
	require.NoError(t, s.UpdateKeyPair(ctx, v1, v2))

	v3 := v1.Clone()
	v3.WrappedPrivateKey = []byte("wrapped-3")
	assert.ErrorIs(t, s.UpdateKeyPair(ctx, v1, v3), envelopefs.ErrConflict, "prev is stale")

	got, err := s.GetKeyPair(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped-2"), got.WrappedPrivateKey)

	escrowed := v2.Clone()
	escrowed.RecoveryEscrow = []byte("escrow")
	require.NoError(t, s.UpdateKeyPair(ctx, v2, escrowed))
	assert.ErrorIs(t, s.UpdateKeyPair(ctx, v2, v3), envelopefs.ErrConflict, "the escrow is part of the swap")

	missing := keyPair(envelopefs.User("nobody"), "x")
	assert.ErrorIs(t, s.UpdateKeyPair(ctx, missing, missing), envelopefs.ErrNotFound)
}

func testConcurrentCreate(t *testing.T, s envelopefs.KeyStore) {
	ctx := context.Background()
	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CreateKeyPair(ctx, keyPair(envelopefs.User("alice"), fmt.Sprintf("wrapped-%d", i)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, envelopefs.ErrAlreadyExists)
	}
	assert.Equal(t, 1, winners, "exactly one create may win")
}

func testEntries(t *testing.T, s envelopefs.KeyStore) {
	ctx := context.Background()
	alice, bob := envelopefs.User("alice"), envelopefs.User("bob")

	_, err := s.GetEntry(ctx, "f1", alice)
	assert.ErrorIs(t, err, envelopefs.ErrNotFound)

	require.NoError(t, s.PutEntries(ctx, []envelopefs.WrappedKeyEntry{
		entry("f1", alice, "a1"),
		entry("f1", bob, "b1"),
		entry("f1", envelopefs.SystemPrincipal, "s1"),
		entry("f10", alice, "other file"),
	}))

	got, err := s.GetEntry(ctx, "f1", bob)
	require.NoError(t, err)
	assert.Equal(t, "f1", got.FileID)
	assert.Equal(t, bob, got.Principal)
	assert.Equal(t, []byte("b1"), got.WrappedKey)
	assert.Equal(t, envelopefs.EntryVersion, got.Version)

	list, err := s.ListEntries(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, list, 3, "entries of f10 must not leak into f1")
	var principals []envelopefs.Principal
	for _, e := range list {
		principals = append(principals, e.Principal)
	}
	assert.ElementsMatch(t, []envelopefs.Principal{alice, bob, envelopefs.SystemPrincipal}, principals)

	require.NoError(t, s.PutEntries(ctx, []envelopefs.WrappedKeyEntry{entry("f1", bob, "b2")}))
	got, err = s.GetEntry(ctx, "f1", bob)
	require.NoError(t, err)
	assert.Equal(t, []byte("b2"), got.WrappedKey, "a second put replaces the entry")
	list, err = s.ListEntries(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	require.NoError(t, s.DeleteEntries(ctx, "f1", []envelopefs.Principal{alice, envelopefs.SystemPrincipal, envelopefs.User("carol")}))
	list, err = s.ListEntries(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, bob, list[0].Principal)

	list, err = s.ListEntries(ctx, "f10")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListEntries(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testFiles(t *testing.T, s envelopefs.KeyStore) {
	ctx := context.Background()
	_, err := s.GetFile(ctx, "f1")
	assert.ErrorIs(t, err, envelopefs.ErrNotFound)

	rec := &envelopefs.FileRecord{
		FileID:     "f1",
		Path:       "/docs/report.txt",
		Owner:      "alice",
		Recipients: []string{"bob"},
		KeyMode:    envelopefs.KeyModePerUser,
		UpdatedAt:  time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.PutFile(ctx, rec))

	got, err := s.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, rec.Path, got.Path)
	assert.Equal(t, rec.Owner, got.Owner)
	assert.Equal(t, rec.Recipients, got.Recipients)
	assert.Equal(t, rec.KeyMode, got.KeyMode)

	rec.Recipients = nil
	rec.KeyMode = envelopefs.KeyModeMaster
	require.NoError(t, s.PutFile(ctx, rec))
	got, err = s.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, got.Recipients)
	assert.Equal(t, envelopefs.KeyModeMaster, got.KeyMode)
}

func testListFilesPaging(t *testing.T, s envelopefs.KeyStore) {
	ctx := context.Background()
	var want []string
	for i := 9; i >= 0; i-- {
		id := fmt.Sprintf("file-%02d", i)
		want = append([]string{id}, want...)
		require.NoError(t, s.PutFile(ctx, &envelopefs.FileRecord{FileID: id, Path: "/" + id, Owner: "alice"}))
	}

	var got []string
	after := ""
	pages := 0
	for {
		page, err := s.ListFiles(ctx, after, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 3)
		for _, rec := range page {
			got = append(got, rec.FileID)
		}
		after = page[len(page)-1].FileID
		pages++
	}
	assert.Equal(t, want, got, "pages are ordered by file id without gaps or repeats")
	assert.Equal(t, 4, pages)

	all, err := s.ListFiles(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 10, "a zero limit lists everything")

	tail, err := s.ListFiles(ctx, "file-07", 100)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "file-08", tail[0].FileID)
}

func testDeleteFileCascades(t *testing.T, s envelopefs.KeyStore) {
	ctx := context.Background()
	alice := envelopefs.User("alice")
	require.NoError(t, s.PutFile(ctx, &envelopefs.FileRecord{FileID: "f1", Path: "/a", Owner: "alice"}))
	require.NoError(t, s.PutFile(ctx, &envelopefs.FileRecord{FileID: "f2", Path: "/b", Owner: "alice"}))
	require.NoError(t, s.PutEntries(ctx, []envelopefs.WrappedKeyEntry{
		entry("f1", alice, "a1"),
		entry("f1", envelopefs.RecoveryPrincipal, "r1"),
		entry("f2", alice, "a2"),
	}))

	require.NoError(t, s.DeleteFile(ctx, "f1"))

	_, err := s.GetFile(ctx, "f1")
	assert.ErrorIs(t, err, envelopefs.ErrNotFound)
	list, err := s.ListEntries(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, list, "deleting a file deletes its entries")

	_, err = s.GetEntry(ctx, "f2", alice)
	assert.NoError(t, err, "other files are untouched")
	assert.NoError(t, s.DeleteFile(ctx, "never-existed"))
}

func testSettings(t *testing.T, s envelopefs.KeyStore) {
	ctx := context.Background()
	_, err := s.GetSetting(ctx, "key_mode")
	assert.ErrorIs(t, err, envelopefs.ErrNotFound)

	require.NoError(t, s.PutSetting(ctx, "key_mode", []byte("master")))
	require.NoError(t, s.PutSetting(ctx, "migration/all", []byte(`{"state":"done"}`)))

	v, err := s.GetSetting(ctx, "key_mode")
	require.NoError(t, err)
	assert.Equal(t, []byte("master"), v)

	require.NoError(t, s.PutSetting(ctx, "key_mode", []byte("per-user")))
	v, err = s.GetSetting(ctx, "key_mode")
	require.NoError(t, err)
	assert.Equal(t, []byte("per-user"), v)

	require.NoError(t, s.DeleteSetting(ctx, "key_mode"))
	_, err = s.GetSetting(ctx, "key_mode")
	assert.ErrorIs(t, err, envelopefs.ErrNotFound)

	v, err = s.GetSetting(ctx, "migration/all")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"done"}`, string(v))
}
