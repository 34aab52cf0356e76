// Package envelopefs provides transparent at-rest encryption for the AbsFs
// filesystem abstraction, with per-file content keys wrapped for every
// principal allowed to read the file.
//
// # Overview
//
// An FS wraps any absfs.FileSystem. Callers never use the FS directly for
// file access; they obtain a View for one user, which implements
// absfs.FileSystem and sees only plaintext. Every file gets a random 256-bit
// content key. The content key is never stored in the clear: it is wrapped
// for the public key of each principal that may read the file and the
// wrapped copies live in a KeyStore.
//
// Two key modes are supported:
//
//   - Per-user: the content key is wrapped for the owner, every share
//     recipient and, when enabled, the RECOVERY key. Sharing a file wraps
//     one more copy; nothing is re-encrypted.
//   - Master key: the content key is wrapped for the SYSTEM principal only,
//     whose private key is protected by the instance secret. Access control
//     is enforced by the file's access record.
//
// Switching modes is done by a resumable migration job (Admin.MigrateAll,
// Admin.MigrateUser) that rewraps keys without touching file contents.
//
// # Basic Usage
//
//	base, _ := memfs.NewFS()
//	cfg := envelopefs.DefaultConfig()
//	cfg.InstanceSecret, _ = envelopefs.InstanceSecretFromEnv("ENVELOPEFS_INSTANCE_SECRET")
//
//	efs, err := envelopefs.New(base, envelopefs.NewMemoryKeyStore(), cfg)
//	if err != nil {
//	    return err
//	}
//	defer efs.Close()
//
//	// Login creates the user's key pair on first use.
//	if _, err := efs.Login(ctx, "alice", secret); err != nil {
//	    return err
//	}
//	session := efs.NewSession(envelopefs.EnvSecrets("ENVELOPEFS_SECRET_"))
//	defer session.Close()
//
//	alice, _ := efs.View(ctx, "alice", session)
//	f, _ := alice.Create("/report.txt")
//	f.Write([]byte("stored encrypted"))
//	f.Close()
//
//	alice.Share("/report.txt", "bob")
//
// Persistent key stores live in keystore/badgerstore and
// keystore/sqlitestore.
//
// # Cryptography
//
//   - Content: AES-256-GCM (default) or ChaCha20-Poly1305, chosen per file
//     and recorded in its header.
//   - User keys: X25519 key pairs. Private keys are sealed with AES-256-GCM
//     under a key derived from the login secret with Argon2id, or PBKDF2 when
//     configured.
//   - SYSTEM key: sealed under an HKDF-SHA256 derivation of the instance
//     secret.
//   - Wrapping: anonymous sealed boxes (NaCl box over X25519).
//
// # File Format
//
// The ciphertext of a file is a sequence of block records:
//
//	[plaintext length u32][nonce][ciphertext + tag]
//
// Each block is sealed with a fresh random nonce. Its AAD binds the file
// ID, the block index, the plaintext length and whether it is the final
// block, so blocks cannot be reordered, moved between files or dropped from
// the end without detection. Reads authenticate every block they touch
// before releasing any byte.
//
// The header (magic "ENVL", version, cipher, key mode, block size, file ID
// and a content-key check value) is kept in a sidecar named
// <name>.encmeta. Views hide sidecars from directory listings.
//
// # Security Considerations
//
// Protected against:
//   - Reading file contents from the base filesystem or a stolen key store
//     without a login secret, the instance secret or the recovery passphrase
//   - Tampering with, reordering or truncating ciphertext blocks
//   - Recipients keeping access through the key store after revocation
//
// Not protected against:
//   - Metadata leakage (names, sizes, directory structure, access times)
//   - A compromised host while keys are cached in a Session
//   - A revoked recipient who kept a copy of the content key; rotate the
//     content key with View.RotateContentKey for that case
package envelopefs
