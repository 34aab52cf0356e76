package envelopefs

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRecoveryPassphrase(t *testing.T) {
	assert.True(t, IsValidationError(CheckRecoveryPassphrase(nil)))
	assert.True(t, IsValidationError(CheckRecoveryPassphrase([]byte("password"))))
	assert.True(t, IsValidationError(CheckRecoveryPassphrase([]byte("recovery1"))))
	assert.NoError(t, CheckRecoveryPassphrase([]byte(testRecoveryPassphrase)))
}

func TestAdmin_RecoveryKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	e := setupTestFS(t)
	admin := e.Admin()

	assert.True(t, IsValidationError(admin.EnableRecoveryKey(ctx, []byte("letmein"))))
	ok, err := e.Keys().HasKeyPair(ctx, RecoveryPrincipal)
	require.NoError(t, err)
	assert.False(t, ok, "a weak passphrase must not create the key")

	require.NoError(t, admin.EnableRecoveryKey(ctx, []byte(testRecoveryPassphrase)))
	enabled, err := e.RecoveryEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	assert.True(t, IsWrongSecret(admin.EnableRecoveryKey(ctx, []byte("another strong passphrase 7#Qz"))))
	assert.True(t, IsWrongSecret(admin.DisableRecoveryKey(ctx, []byte("wrong"))))

	login(t, e, "alice")
	kp, err := e.Store().GetKeyPair(ctx, User("alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, kp.RecoveryEscrow, "login escrows the key while recovery is on")

	require.NoError(t, admin.DisableRecoveryKey(ctx, []byte(testRecoveryPassphrase)))
	enabled, err = e.RecoveryEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	login(t, e, "alice")
	kp, err = e.Store().GetKeyPair(ctx, User("alice"))
	require.NoError(t, err)
	assert.Empty(t, kp.RecoveryEscrow, "login clears the escrow once recovery is off")

	require.NoError(t, admin.EnableRecoveryKey(ctx, []byte(testRecoveryPassphrase)), "re-enabling reuses the existing key")
}

func TestAdmin_RecoverUser(t *testing.T) {
	ctx := context.Background()
	e := setupTestFS(t)
	admin := e.Admin()
	require.NoError(t, admin.EnableRecoveryKey(ctx, []byte(testRecoveryPassphrase)))

	alice := login(t, e, "alice")
	writeFile(t, alice, "/diary", []byte("dear diary"))

	fresh := []byte("alice picked a new secret")
	assert.True(t, IsWrongSecret(admin.RecoverUser(ctx, "alice", []byte("guess"), fresh)))
	require.NoError(t, admin.RecoverUser(ctx, "alice", []byte(testRecoveryPassphrase), fresh))

	_, err := e.Keys().UnlockPrivateKey(ctx, "alice", secretFor("alice"))
	assert.True(t, IsWrongSecret(err))

	priv, err := e.Login(ctx, "alice", fresh)
	require.NoError(t, err)
	session := e.NewSession(nil)
	defer session.Close()
	require.NoError(t, session.Put("alice", priv))
	v, err := e.View(ctx, "alice", session)
	require.NoError(t, err)

	got, err := v.ReadFile("/diary")
	require.NoError(t, err)
	assert.Equal(t, "dear diary", string(got))

	err = admin.RecoverUser(ctx, "nobody", []byte(testRecoveryPassphrase), fresh)
	assert.Error(t, err)
}

func TestAdmin_VerifyUser(t *testing.T) {
	ctx := context.Background()
	e := setupTestFS(t)
	alice := login(t, e, "alice")
	bob := login(t, e, "bob")

	writeFile(t, alice, "/a", randomData(50, 2*testBlockSize))
	writeFile(t, alice, "/b", randomData(51, 2*testBlockSize))
	writeFile(t, bob, "/c", randomData(52, testBlockSize))
	writeFile(t, bob, "/d", randomData(53, testBlockSize))
	require.NoError(t, bob.Share("/c", "alice"))

	bf, err := e.Base().OpenFile("/b", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = bf.WriteAt([]byte{0xAA, 0xBB}, 20)
	require.NoError(t, err)
	require.NoError(t, bf.Close())

	report, err := e.Admin().VerifyUser(ctx, "alice", secretFor("alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", report.UserID)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.OK)
	require.Len(t, report.Failed, 1)
	assert.True(t, IsCorrupted(report.Failed["/b"]))

	_, err = e.Admin().VerifyUser(ctx, "alice", []byte("wrong"))
	assert.True(t, IsWrongSecret(err))
}

func TestAdmin_Status(t *testing.T) {
	ctx := context.Background()
	e := setupTestFS(t)
	admin := e.Admin()

	st, err := admin.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, KeyModePerUser, st.KeyMode)
	assert.False(t, st.RecoveryEnabled)
	assert.False(t, st.RecoveryKey)
	assert.Nil(t, st.Migration)

	require.NoError(t, admin.EnableMasterKeyMode(ctx))
	require.NoError(t, admin.EnableRecoveryKey(ctx, []byte(testRecoveryPassphrase)))
	_, err = admin.MigrateAll(ctx, MigrationOptions{})
	require.NoError(t, err)

	st, err = admin.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, KeyModeMaster, st.KeyMode)
	assert.True(t, st.RecoveryEnabled)
	assert.True(t, st.SystemKey)
	assert.True(t, st.RecoveryKey)
	require.NotNil(t, st.Migration)
	assert.Equal(t, MigrationDone, st.Migration.State)
	assert.Equal(t, KeyModeMaster, st.Migration.Target)
}
