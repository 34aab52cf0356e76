package envelopefs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// KeyPair is the stored form of a principal's asymmetric key pair. The
// private half is only present wrapped under a secret-derived key.
type KeyPair struct {
	Principal         Principal       `json:"principal"`
	PublicKey         []byte          `json:"public_key"`
	WrappedPrivateKey []byte          `json:"wrapped_private_key"` // nonce || ciphertext || tag
	WrapAlgorithm     WrapAlgorithm   `json:"wrap_algorithm"`
	Salt              []byte          `json:"salt"`
	Argon2            *Argon2idParams `json:"argon2,omitempty"`
	PBKDF2            *PBKDF2Params   `json:"pbkdf2,omitempty"`

	// RecoveryEscrow is the private key sealed to the recovery public key,
	// present while recovery is enabled for the user.
	RecoveryEscrow []byte `json:"recovery_escrow,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (kp *KeyPair) kdf() kdfSpec {
	return kdfSpec{Algorithm: kp.WrapAlgorithm, Salt: kp.Salt, Argon2: kp.Argon2, PBKDF2: kp.PBKDF2}
}

func (kp *KeyPair) setKDF(s kdfSpec) {
	kp.WrapAlgorithm = s.Algorithm
	kp.Salt = s.Salt
	kp.Argon2 = s.Argon2
	kp.PBKDF2 = s.PBKDF2
}

// Clone returns a deep copy.
func (kp *KeyPair) Clone() *KeyPair {
	if kp == nil {
		return nil
	}
	c := *kp
	c.PublicKey = append([]byte(nil), kp.PublicKey...)
	c.WrappedPrivateKey = append([]byte(nil), kp.WrappedPrivateKey...)
	c.Salt = append([]byte(nil), kp.Salt...)
	c.RecoveryEscrow = append([]byte(nil), kp.RecoveryEscrow...)
	if kp.Argon2 != nil {
		a := *kp.Argon2
		c.Argon2 = &a
	}
	if kp.PBKDF2 != nil {
		p := *kp.PBKDF2
		c.PBKDF2 = &p
	}
	return &c
}

// WrappedKeyEntry is one principal's wrapped copy of a file's content key.
// There is exactly one entry per (FileID, Principal) with access.
type WrappedKeyEntry struct {
	FileID     string    `json:"file_id"`
	Principal  Principal `json:"principal"`
	WrappedKey []byte    `json:"wrapped_key"`
	Algorithm  string    `json:"algorithm"`
	Version    uint32    `json:"version"`

	// PublicKeyFingerprint identifies the public key the entry was sealed to,
	// so stale entries can be detected without the private key.
	PublicKeyFingerprint []byte `json:"public_key_fingerprint"`

	CreatedAt time.Time `json:"created_at"`
}

// FileRecord is the access list of one encrypted file, maintained by the
// sharing layer and enumerated by migrations.
type FileRecord struct {
	FileID     string    `json:"file_id"`
	Path       string    `json:"path"`
	Owner      string    `json:"owner"`
	Recipients []string  `json:"recipients,omitempty"`
	KeyMode    KeyMode   `json:"key_mode"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasAccess reports whether userID is the owner or a recipient.
func (r *FileRecord) HasAccess(userID string) bool {
	if r.Owner == userID {
		return true
	}
	for _, u := range r.Recipients {
		if u == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Recipients = append([]string(nil), r.Recipients...)
	return &c
}

// KeyStore persists key material and access records. Implementations do no
// cryptography; every method is a single atomic operation.
type KeyStore interface {
	// GetKeyPair returns ErrNotFound when the principal has no pair.
	GetKeyPair(ctx context.Context, p Principal) (*KeyPair, error)
	// CreateKeyPair stores both halves at once, or returns ErrAlreadyExists.
	CreateKeyPair(ctx context.Context, kp *KeyPair) error
	// UpdateKeyPair replaces prev with next if the stored wrapped private key
	// still equals prev's, otherwise it returns ErrConflict.
	UpdateKeyPair(ctx context.Context, prev, next *KeyPair) error
	DeleteKeyPair(ctx context.Context, p Principal) error

	// PutEntries writes all entries in one transaction, replacing any
	// existing entry with the same (FileID, Principal).
	PutEntries(ctx context.Context, entries []WrappedKeyEntry) error
	// GetEntry returns ErrNotFound when the principal has no entry.
	GetEntry(ctx context.Context, fileID string, p Principal) (*WrappedKeyEntry, error)
	ListEntries(ctx context.Context, fileID string) ([]WrappedKeyEntry, error)
	DeleteEntries(ctx context.Context, fileID string, principals []Principal) error

	PutFile(ctx context.Context, rec *FileRecord) error
	GetFile(ctx context.Context, fileID string) (*FileRecord, error)
	// ListFiles returns up to limit records with FileID > after, ordered by FileID.
	ListFiles(ctx context.Context, after string, limit int) ([]FileRecord, error)
	// DeleteFile removes the record and all of its entries.
	DeleteFile(ctx context.Context, fileID string) error

	// GetSetting returns ErrNotFound for an unset name.
	GetSetting(ctx context.Context, name string) ([]byte, error)
	PutSetting(ctx context.Context, name string, value []byte) error
	DeleteSetting(ctx context.Context, name string) error

	Close() error
}

// MemoryKeyStore is a process-local KeyStore. Nothing survives Close.
type MemoryKeyStore struct {
	mu       sync.RWMutex
	pairs    map[string]*KeyPair
	entries  map[string]map[string]WrappedKeyEntry // fileID -> principal key -> entry
	files    map[string]*FileRecord
	settings map[string][]byte
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		pairs:    make(map[string]*KeyPair),
		entries:  make(map[string]map[string]WrappedKeyEntry),
		files:    make(map[string]*FileRecord),
		settings: make(map[string][]byte),
	}
}

func (m *MemoryKeyStore) GetKeyPair(_ context.Context, p Principal) (*KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kp, ok := m.pairs[p.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return kp.Clone(), nil
}

func (m *MemoryKeyStore) CreateKeyPair(_ context.Context, kp *KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[kp.Principal.Key()]; ok {
		return ErrAlreadyExists
	}
	m.pairs[kp.Principal.Key()] = kp.Clone()
	return nil
}

func (m *MemoryKeyStore) UpdateKeyPair(_ context.Context, prev, next *KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pairs[prev.Principal.Key()]
	if !ok {
		return ErrNotFound
	}
	if !sameWrapped(cur, prev) {
		return ErrConflict
	}
	m.pairs[next.Principal.Key()] = next.Clone()
	return nil
}

func (m *MemoryKeyStore) DeleteKeyPair(_ context.Context, p Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairs, p.Key())
	return nil
}

func (m *MemoryKeyStore) PutEntries(_ context.Context, entries []WrappedKeyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		byPrincipal, ok := m.entries[e.FileID]
		if !ok {
			byPrincipal = make(map[string]WrappedKeyEntry)
			m.entries[e.FileID] = byPrincipal
		}
		e.WrappedKey = append([]byte(nil), e.WrappedKey...)
		byPrincipal[e.Principal.Key()] = e
	}
	return nil
}

func (m *MemoryKeyStore) GetEntry(_ context.Context, fileID string, p Principal) (*WrappedKeyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fileID][p.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryKeyStore) ListEntries(_ context.Context, fileID string) ([]WrappedKeyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WrappedKeyEntry, 0, len(m.entries[fileID]))
	for _, e := range m.entries[fileID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal.Key() < out[j].Principal.Key() })
	return out, nil
}

func (m *MemoryKeyStore) DeleteEntries(_ context.Context, fileID string, principals []Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range principals {
		delete(m.entries[fileID], p.Key())
	}
	if len(m.entries[fileID]) == 0 {
		delete(m.entries, fileID)
	}
	return nil
}

func (m *MemoryKeyStore) PutFile(_ context.Context, rec *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rec.FileID] = rec.Clone()
	return nil
}

func (m *MemoryKeyStore) GetFile(_ context.Context, fileID string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryKeyStore) ListFiles(_ context.Context, after string, limit int) ([]FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.files))
	for id := range m.files {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]FileRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.files[id].Clone())
	}
	return out, nil
}

func (m *MemoryKeyStore) DeleteFile(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, fileID)
	delete(m.entries, fileID)
	return nil
}

func (m *MemoryKeyStore) GetSetting(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKeyStore) PutSetting(_ context.Context, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[name] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKeyStore) DeleteSetting(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, name)
	return nil
}

func (m *MemoryKeyStore) Close() error {
	return nil
}

// sameWrapped reports whether two records hold the same wrapped private key.
func sameWrapped(a, b *KeyPair) bool {
	return string(a.WrappedPrivateKey) == string(b.WrappedPrivateKey) &&
		string(a.RecoveryEscrow) == string(b.RecoveryEscrow)
}

// SameWrappedKey is the compare-and-swap predicate of UpdateKeyPair, exported
// for KeyStore implementations outside this package.
func SameWrappedKey(a, b *KeyPair) bool {
	return sameWrapped(a, b)
}
