package envelopefs

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"time"

	"golang.org/x/crypto/nacl/box"
)

const (
	// WrapSealedBox is the content-key wrapping algorithm: a NaCl anonymous
	// sealed box (X25519, XSalsa20-Poly1305) over key || fileID.
	WrapSealedBox = "x25519-xsalsa20-poly1305-sealedbox"

	// EntryVersion is the version of newly written entries.
	EntryVersion uint32 = 1
)

// ContentKeyWrapper wraps a file's content key for a set of principals. It
// knows nothing about who should have access; callers supply the keys.
type ContentKeyWrapper struct {
	rand io.Reader
}

// NewContentKeyWrapper creates a wrapper using crypto/rand.
func NewContentKeyWrapper() *ContentKeyWrapper {
	return &ContentKeyWrapper{rand: rand.Reader}
}

// WrapForPrincipals returns one entry per public key.
func (w *ContentKeyWrapper) WrapForPrincipals(fileID string, contentKey []byte, keys []PublicKey) ([]WrappedKeyEntry, error) {
	if err := ValidateKey(contentKey, ContentKeySize); err != nil {
		return nil, err
	}
	if err := ValidateFileID(fileID); err != nil {
		return nil, err
	}

	msg := make([]byte, 0, ContentKeySize+len(fileID))
	msg = append(msg, contentKey...)
	msg = append(msg, fileID...)
	defer zero(msg)

	now := time.Now().UTC()
	seen := make(map[string]bool, len(keys))
	entries := make([]WrappedKeyEntry, 0, len(keys))
	for _, k := range keys {
		if seen[k.Principal.Key()] {
			return nil, NewValidationError("principals", k.Principal.Key(), "duplicate principal")
		}
		seen[k.Principal.Key()] = true

		key := k.Key
		sealed, err := box.SealAnonymous(nil, msg, &key, w.rand)
		if err != nil {
			return nil, err
		}
		entries = append(entries, WrappedKeyEntry{
			FileID:               fileID,
			Principal:            k.Principal,
			WrappedKey:           sealed,
			Algorithm:            WrapSealedBox,
			Version:              EntryVersion,
			PublicKeyFingerprint: k.Fingerprint(),
			CreatedAt:            now,
		})
	}
	return entries, nil
}

// UnwrapForPrincipal recovers the content key from entry with priv. A nil
// entry means the principal has no access.
func (w *ContentKeyWrapper) UnwrapForPrincipal(entry *WrappedKeyEntry, priv *PrivateKey) ([]byte, error) {
	if entry == nil {
		return nil, ErrNoAccess
	}
	if priv == nil {
		return nil, ErrInvalidKey
	}
	fail := func(msg string, err error) error {
		return &UnwrapAuthenticationError{FileID: entry.FileID, Principal: priv.Principal, Message: msg, Err: err}
	}

	if entry.Principal != priv.Principal {
		return nil, fail("entry belongs to "+entry.Principal.Key(), ErrAuthFailed)
	}
	if entry.Algorithm != WrapSealedBox || entry.Version > EntryVersion {
		return nil, fail("unsupported wrapping "+entry.Algorithm, nil)
	}

	msg, ok := box.OpenAnonymous(nil, entry.WrappedKey, &priv.public, &priv.private)
	if !ok {
		return nil, fail("wrapped key does not authenticate", ErrAuthFailed)
	}
	defer zero(msg)

	if len(msg) != ContentKeySize+len(entry.FileID) ||
		subtle.ConstantTimeCompare(msg[ContentKeySize:], []byte(entry.FileID)) != 1 {
		return nil, fail("wrapped key belongs to another file", ErrAuthFailed)
	}
	return append([]byte(nil), msg[:ContentKeySize]...), nil
}

// Principals returns the principal set that must hold entries for a file in
// the given mode.
func Principals(mode KeyMode, rec *FileRecord, recoveryEnabled bool) []Principal {
	if mode == KeyModeMaster {
		return []Principal{SystemPrincipal}
	}

	out := []Principal{User(rec.Owner)}
	seen := map[string]bool{rec.Owner: true}
	for _, u := range rec.Recipients {
		if !seen[u] {
			seen[u] = true
			out = append(out, User(u))
		}
	}
	if recoveryEnabled {
		out = append(out, RecoveryPrincipal)
	}
	return out
}

// stalePrincipals returns the principals of entries outside want.
func stalePrincipals(entries []WrappedKeyEntry, want []Principal) []Principal {
	keep := make(map[Principal]bool, len(want))
	for _, p := range want {
		keep[p] = true
	}
	var stale []Principal
	for _, e := range entries {
		if !keep[e.Principal] {
			stale = append(stale, e.Principal)
		}
	}
	return stale
}
