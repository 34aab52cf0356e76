package envelopefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	settingKeyMode  = "instance/key_mode"
	settingRecovery = "instance/recovery_enabled"
)

// FS composes the encryption layer over a base filesystem. It is shared by
// every principal; reads and writes go through a per-principal View.
type FS struct {
	base    absfs.FileSystem
	store   KeyStore
	keys    *KeyPairService
	wrapper *ContentKeyWrapper
	config  *Config
	log     *logrus.Logger

	sysMu  sync.Mutex
	sysKey *PrivateKey
}

// New creates an encryption layer over base with key material in store.
func New(base absfs.FileSystem, store KeyStore, config *Config) (*FS, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	if store == nil {
		return nil, ErrNilKeyStore
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := config.normalize()

	keys, err := NewKeyPairService(store, cfg)
	if err != nil {
		return nil, err
	}

	return &FS{
		base:    base,
		store:   store,
		keys:    keys,
		wrapper: NewContentKeyWrapper(),
		config:  cfg,
		log:     cfg.Logger,
	}, nil
}

// Keys returns the key pair service.
func (e *FS) Keys() *KeyPairService {
	return e.keys
}

// Store returns the key store.
func (e *FS) Store() KeyStore {
	return e.store
}

// Base returns the underlying filesystem.
func (e *FS) Base() absfs.FileSystem {
	return e.base
}

// Close drops the cached SYSTEM key. The key store is not closed.
func (e *FS) Close() error {
	e.sysMu.Lock()
	defer e.sysMu.Unlock()
	if e.sysKey != nil {
		e.sysKey.Zero()
		e.sysKey = nil
	}
	return nil
}

// KeyMode returns the instance mode used for new files. It is read from the
// key store on every call and falls back to the configured mode.
func (e *FS) KeyMode(ctx context.Context) (KeyMode, error) {
	v, err := e.store.GetSetting(ctx, settingKeyMode)
	if errors.Is(err, ErrNotFound) {
		return e.config.KeyMode, nil
	}
	if err != nil {
		return 0, err
	}
	return ParseKeyMode(string(v))
}

func (e *FS) setKeyMode(ctx context.Context, mode KeyMode) error {
	return e.store.PutSetting(ctx, settingKeyMode, []byte(mode.String()))
}

// RecoveryEnabled reports whether new and migrated per-user files also get
// a RECOVERY entry.
func (e *FS) RecoveryEnabled(ctx context.Context) (bool, error) {
	v, err := e.store.GetSetting(ctx, settingRecovery)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(string(v))
}

func (e *FS) setRecoveryEnabled(ctx context.Context, enabled bool) error {
	return e.store.PutSetting(ctx, settingRecovery, []byte(strconv.FormatBool(enabled)))
}

// Login ensures the user has a key pair and unlocks it. While recovery is
// enabled the private key is escrowed to the RECOVERY key on first login.
func (e *FS) Login(ctx context.Context, userID string, secret []byte) (*PrivateKey, error) {
	kp, err := e.keys.EnsureUserKeyPair(ctx, userID, secret)
	if err != nil {
		return nil, err
	}
	priv, err := e.keys.UnlockPrivateKey(ctx, userID, secret)
	if err != nil {
		return nil, err
	}

	enabled, err := e.RecoveryEnabled(ctx)
	switch {
	case err != nil:
	case enabled && len(kp.RecoveryEscrow) == 0:
		err = e.keys.EscrowForRecovery(ctx, priv)
	case !enabled && len(kp.RecoveryEscrow) != 0:
		err = e.keys.ClearEscrow(ctx, priv.Principal)
	}
	if err != nil {
		e.log.WithError(err).WithField("principal", priv.Principal.Key()).Error("failed to update recovery escrow")
	}
	return priv, nil
}

// ChangeSecret rewraps the user's private key on password change.
func (e *FS) ChangeSecret(ctx context.Context, userID string, oldSecret, newSecret []byte) error {
	return e.keys.RewrapPrivateKey(ctx, userID, oldSecret, newSecret)
}

// NewSession creates a session with the configured TTL.
func (e *FS) NewSession(secrets SecretProvider) *Session {
	return NewSession(e.keys, secrets, e.config.SessionTTL)
}

// systemKey returns the unlocked SYSTEM key, creating the pair on first use.
func (e *FS) systemKey(ctx context.Context) (*PrivateKey, error) {
	e.sysMu.Lock()
	defer e.sysMu.Unlock()

	if e.sysKey != nil {
		return e.sysKey, nil
	}
	if _, err := e.keys.EnsureSystemKeyPair(ctx, KindSystem, nil); err != nil {
		return nil, err
	}
	k, err := e.keys.UnlockSystemKey(ctx, KindSystem, nil)
	if err != nil {
		return nil, err
	}
	e.sysKey = k
	return k, nil
}

// unwrapEntry resolves a content key through p's entry. unlock is only
// called when the entry exists.
func (e *FS) unwrapEntry(ctx context.Context, h *FileEncryptionHeader, p Principal, unlock func() (*PrivateKey, error)) ([]byte, error) {
	entry, err := e.store.GetEntry(ctx, h.FileID, p)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: file %s for %s", ErrNoAccess, h.FileID, p)
	}
	if err != nil {
		return nil, err
	}
	priv, err := unlock()
	if err != nil {
		return nil, err
	}
	key, err := e.wrapper.UnwrapForPrincipal(entry, priv)
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"file_id": h.FileID, "principal": p.Key()}).Warn("content key unwrap failed")
		return nil, err
	}
	if !h.VerifyKey(key) {
		zero(key)
		return nil, &UnwrapAuthenticationError{FileID: h.FileID, Principal: p, Message: "content key does not match the file header"}
	}
	return key, nil
}

func headerPath(name string) string {
	return name + HeaderSuffix
}

func isHeaderPath(name string) bool {
	return strings.HasSuffix(name, HeaderSuffix)
}

// Header reads the encryption header of name without any key material.
func (e *FS) Header(name string) (*FileEncryptionHeader, error) {
	f, err := e.base.Open(headerPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no encryption header", ErrInvalidHeader, name)
		}
		return nil, NewIOError("open", headerPath(name), err)
	}
	defer f.Close()

	h := &FileEncryptionHeader{}
	if _, err := h.ReadFrom(f); err != nil {
		if !errors.Is(err, ErrInvalidHeader) && !errors.Is(err, ErrUnsupportedVersion) {
			err = fmt.Errorf("%w: %s: %v", ErrInvalidHeader, name, err)
		}
		return nil, err
	}
	return h, nil
}

func (e *FS) writeHeader(name string, h *FileEncryptionHeader) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	f, err := e.base.OpenFile(headerPath(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return NewIOError("open", headerPath(name), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return NewIOError("write", headerPath(name), err)
	}
	if err := f.Close(); err != nil {
		return NewIOError("close", headerPath(name), err)
	}
	return nil
}

// walkHeaders calls fn for every encrypted file below dir.
func (e *FS) walkHeaders(dir string, fn func(name string, h *FileEncryptionHeader) error) error {
	entries, err := e.base.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, de := range entries {
		full := path.Join(dir, de.Name())
		if de.IsDir() {
			if err := e.walkHeaders(full, fn); err != nil {
				return err
			}
			continue
		}
		if !isHeaderPath(de.Name()) {
			continue
		}
		name := strings.TrimSuffix(full, HeaderSuffix)
		h, err := e.Header(name)
		if err != nil {
			e.log.WithError(err).WithField("path", name).Warn("skipping unreadable header")
			continue
		}
		if err := fn(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *FS) logicalInfo(name string, info os.FileInfo) (os.FileInfo, error) {
	if info.IsDir() {
		return info, nil
	}
	h, err := e.Header(name)
	if err != nil {
		if errors.Is(err, ErrInvalidHeader) && !e.exists(headerPath(name)) {
			return info, nil
		}
		return nil, err
	}
	layout, err := newBlockLayout(h.Cipher, h.BlockSize)
	if err != nil {
		return nil, err
	}
	size, err := layout.logicalSize(info.Size())
	if err != nil {
		return nil, &IntegrityError{Path: name, FileID: h.FileID, Message: "invalid ciphertext length", Err: err}
	}
	return &plainFileInfo{FileInfo: info, size: size}, nil
}

func (e *FS) exists(name string) bool {
	_, err := e.base.Stat(name)
	return err == nil
}

// View returns the filesystem as seen by userID. ctx bounds every key store
// call made through the absfs methods, which carry no context of their own.
func (e *FS) View(ctx context.Context, userID string, session *Session) (*View, error) {
	if err := User(userID).Validate(); err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	return &View{fs: e, ctx: ctx, user: userID, session: session}, nil
}

var _ absfs.FileSystem = (*View)(nil)

// View implements absfs.FileSystem for one principal. Content is encrypted
// on write and decrypted on read; the header sidecars are hidden.
type View struct {
	fs      *FS
	ctx     context.Context
	user    string
	session *Session
}

// User returns the principal the view acts for.
func (v *View) User() string {
	return v.user
}

// checkAccess reports ErrNoAccess unless the user may use the file.
func (v *View) checkAccess(h *FileEncryptionHeader) error {
	e := v.fs
	if h.KeyMode == KeyModeMaster {
		rec, err := e.store.GetFile(v.ctx, h.FileID)
		if errors.Is(err, ErrNotFound) || (err == nil && !rec.HasAccess(v.user)) {
			return fmt.Errorf("%w: file %s for %s", ErrNoAccess, h.FileID, User(v.user))
		}
		return err
	}
	_, err := e.store.GetEntry(v.ctx, h.FileID, User(v.user))
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: file %s for %s", ErrNoAccess, h.FileID, User(v.user))
	}
	return err
}

// contentKey resolves the content key of a file for the view's user.
func (v *View) contentKey(h *FileEncryptionHeader) ([]byte, error) {
	if err := v.checkAccess(h); err != nil {
		return nil, err
	}
	if k, ok := v.session.ContentKey(v.user, h.FileID); ok {
		if h.VerifyKey(k) {
			return k, nil
		}
		zero(k)
	}

	e := v.fs
	var key []byte
	var err error
	if h.KeyMode == KeyModeMaster {
		key, err = e.unwrapEntry(v.ctx, h, SystemPrincipal, func() (*PrivateKey, error) {
			return e.systemKey(v.ctx)
		})
	} else {
		var priv *PrivateKey
		key, err = e.unwrapEntry(v.ctx, h, User(v.user), func() (k *PrivateKey, err error) {
			priv, err = v.session.Get(v.ctx, v.user)
			return priv, err
		})
		if priv != nil {
			priv.Zero()
		}
	}
	if err != nil {
		return nil, err
	}
	v.session.PutContentKey(v.user, h.FileID, key)
	return key, nil
}

// Chdir changes the current working directory
func (v *View) Chdir(dir string) error {
	return v.fs.base.Chdir(dir)
}

// Getwd returns the current working directory
func (v *View) Getwd() (string, error) {
	return v.fs.base.Getwd()
}

// TempDir returns the temporary directory path
func (v *View) TempDir() string {
	return v.fs.base.TempDir()
}

// Open opens a file for reading with transparent decryption
func (v *View) Open(name string) (absfs.File, error) {
	return v.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for writing with transparent encryption
func (v *View) Create(name string) (absfs.File, error) {
	return v.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens a file with the specified flags and permissions. A new
// file gets a fresh identity and content key wrapped for the principals of
// the current instance mode.
func (v *View) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	if isHeaderPath(name) {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	e := v.fs

	info, err := e.base.Stat(name)
	switch {
	case err == nil && info.IsDir():
		f, err := e.base.OpenFile(name, flag, perm)
		if err != nil {
			return nil, err
		}
		return &dirFile{File: f}, nil
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
		}
	case errors.Is(err, os.ErrNotExist):
		if flag&os.O_CREATE == 0 {
			return nil, err
		}
		return v.create(name, flag, perm)
	default:
		return nil, err
	}

	h, err := e.Header(name)
	if err != nil {
		return nil, err
	}
	key, err := v.contentKey(h)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	stream, err := NewBlockCipherStream(h, key, e.config.Parallel)
	if err != nil {
		return nil, err
	}

	baseFlag := os.O_RDONLY
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		baseFlag = os.O_RDWR | flag&os.O_TRUNC
	}
	base, err := e.base.OpenFile(name, baseFlag, perm)
	if err != nil {
		return nil, err
	}
	f, err := newBlockFile(base, name, stream, flag)
	if err != nil {
		base.Close()
		return nil, err
	}
	return f, nil
}

// create writes the header, record and entries of a new file before any
// content, so a file on disk always has working key material.
func (v *View) create(name string, flag int, perm os.FileMode) (absfs.File, error) {
	e := v.fs
	ctx := v.ctx

	mode, err := e.KeyMode(ctx)
	if err != nil {
		return nil, err
	}
	recovery, err := e.RecoveryEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if mode == KeyModeMaster {
		if _, err := e.systemKey(ctx); err != nil {
			return nil, err
		}
	}

	key, err := randomBytes(nil, ContentKeySize)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	fileID := uuid.NewString()
	h := NewFileEncryptionHeader(e.config.Cipher, uint32(e.config.BlockSize), mode, fileID, key)
	rec := &FileRecord{
		FileID:    fileID,
		Path:      path.Clean(name),
		Owner:     v.user,
		KeyMode:   mode,
		UpdatedAt: time.Now().UTC(),
	}

	pubs, err := e.keys.PublicKeys(ctx, Principals(mode, rec, recovery))
	if err != nil {
		return nil, err
	}
	entries, err := e.wrapper.WrapForPrincipals(fileID, key, pubs)
	if err != nil {
		return nil, err
	}

	if err := e.store.PutFile(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.store.PutEntries(ctx, entries); err != nil {
		e.store.DeleteFile(ctx, fileID)
		return nil, err
	}
	if err := e.writeHeader(name, h); err != nil {
		e.discardCreated(ctx, fileID, headerPath(name))
		return nil, err
	}

	baseFlag := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	base, err := e.base.OpenFile(name, baseFlag, perm)
	if err != nil {
		e.discardCreated(ctx, fileID, headerPath(name))
		return nil, err
	}

	stream, err := NewBlockCipherStream(h, key, e.config.Parallel)
	if err != nil {
		base.Close()
		e.discardCreated(ctx, fileID, name, headerPath(name))
		return nil, err
	}
	f, err := newBlockFile(base, name, stream, flag)
	if err != nil {
		base.Close()
		e.discardCreated(ctx, fileID, name, headerPath(name))
		return nil, err
	}

	v.session.PutContentKey(v.user, fileID, key)
	e.log.WithFields(logrus.Fields{"file_id": fileID, "path": rec.Path, "principal": User(v.user).Key(), "key_mode": mode.String()}).Debug("created encrypted file")
	return f, nil
}

// discardCreated removes the key material and base files written by a
// create that failed part way.
func (e *FS) discardCreated(ctx context.Context, fileID string, paths ...string) {
	log := e.log.WithField("file_id", fileID)
	for _, p := range paths {
		if err := e.base.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("path", p).Warn("cleanup after failed create")
		}
	}
	if err := e.store.DeleteFile(ctx, fileID); err != nil {
		log.WithError(err).Warn("cleanup after failed create")
	}
}

// Mkdir creates a directory
func (v *View) Mkdir(name string, perm os.FileMode) error {
	return v.fs.base.Mkdir(name, perm)
}

// MkdirAll creates a directory and all necessary parent directories
func (v *View) MkdirAll(name string, perm os.FileMode) error {
	return v.fs.base.MkdirAll(name, perm)
}

// Remove removes a file and its key material, or an empty directory
func (v *View) Remove(name string) error {
	e := v.fs
	info, err := e.base.Stat(name)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return e.base.Remove(name)
	}

	h, herr := e.Header(name)
	if herr == nil {
		if err := v.checkAccess(h); err != nil {
			return err
		}
	}
	if err := e.base.Remove(name); err != nil {
		return err
	}
	if herr == nil {
		return v.forget(name, h)
	}
	return nil
}

func (v *View) forget(name string, h *FileEncryptionHeader) error {
	e := v.fs
	if err := e.base.Remove(headerPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	v.session.ForgetContentKey(h.FileID)
	return e.store.DeleteFile(v.ctx, h.FileID)
}

// RemoveAll removes a path and any children it contains, with their key
// material
func (v *View) RemoveAll(name string) error {
	e := v.fs
	info, err := e.base.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return v.Remove(name)
	}

	var ids []string
	if err := e.walkHeaders(name, func(_ string, h *FileEncryptionHeader) error {
		ids = append(ids, h.FileID)
		return nil
	}); err != nil {
		return err
	}
	if err := e.base.RemoveAll(name); err != nil {
		return err
	}
	for _, id := range ids {
		v.session.ForgetContentKey(id)
		if err := e.store.DeleteFile(v.ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Rename renames (moves) a file together with its header
func (v *View) Rename(oldpath, newpath string) error {
	e := v.fs
	info, err := e.base.Stat(oldpath)
	if err != nil {
		return err
	}

	if info.IsDir() {
		if err := e.base.Rename(oldpath, newpath); err != nil {
			return err
		}
		return e.walkHeaders(newpath, func(name string, h *FileEncryptionHeader) error {
			return v.movePath(h.FileID, name)
		})
	}

	h, err := e.Header(oldpath)
	if err != nil {
		return err
	}
	if err := v.checkAccess(h); err != nil {
		return err
	}
	if old, err := e.Header(newpath); err == nil && old.FileID != h.FileID {
		if err := v.forget(newpath, old); err != nil {
			return err
		}
	}

	if err := e.base.Rename(oldpath, newpath); err != nil {
		return err
	}
	if err := e.base.Rename(headerPath(oldpath), headerPath(newpath)); err != nil {
		return err
	}
	return v.movePath(h.FileID, newpath)
}

func (v *View) movePath(fileID, name string) error {
	rec, err := v.fs.store.GetFile(v.ctx, fileID)
	if err != nil {
		return err
	}
	rec.Path = path.Clean(name)
	rec.UpdatedAt = time.Now().UTC()
	return v.fs.store.PutFile(v.ctx, rec)
}

// Stat returns file information with the plaintext size
func (v *View) Stat(name string) (os.FileInfo, error) {
	if isHeaderPath(name) {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	info, err := v.fs.base.Stat(name)
	if err != nil {
		return nil, err
	}
	return v.fs.logicalInfo(name, info)
}

// Chmod changes the mode of a file
func (v *View) Chmod(name string, mode os.FileMode) error {
	return v.fs.base.Chmod(name, mode)
}

// Chtimes changes the access and modification times of a file
func (v *View) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return v.fs.base.Chtimes(name, atime, mtime)
}

// Chown changes the owner and group of a file
func (v *View) Chown(name string, uid, gid int) error {
	return v.fs.base.Chown(name, uid, gid)
}

// Truncate changes the plaintext size of a file
func (v *View) Truncate(name string, size int64) error {
	f, err := v.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadDir lists a directory without header sidecars
func (v *View) ReadDir(name string) ([]fs.DirEntry, error) {
	entries, err := v.fs.base.ReadDir(name)
	if err != nil {
		return nil, err
	}
	return v.fs.filterEntries(name, entries), nil
}

// ReadFile reads and decrypts the named file
func (v *View) ReadFile(name string) ([]byte, error) {
	f, err := v.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Sub returns a read-only fs.FS rooted at dir
func (v *View) Sub(dir string) (fs.FS, error) {
	return absfs.FilerToFS(v, dir)
}

// ReadRange returns up to length plaintext bytes starting at off.
func (v *View) ReadRange(name string, off, length int64) ([]byte, error) {
	if off < 0 || length < 0 {
		return nil, ErrNegativeOffset
	}
	f, err := v.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if off >= info.Size() {
		return []byte{}, nil
	}
	if off+length > info.Size() {
		length = info.Size() - off
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// WriteAppend appends p to the named file, creating it if necessary.
func (v *View) WriteAppend(name string, p []byte) error {
	f, err := v.OpenFile(name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteRange writes p at plaintext offset off, creating the file if
// necessary. A gap past the end is zero-filled.
func (v *View) WriteRange(name string, off int64, p []byte) error {
	f, err := v.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(p, off); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// filterEntries drops header sidecars and reports plaintext sizes.
func (e *FS) filterEntries(dir string, entries []fs.DirEntry) []fs.DirEntry {
	out := make([]fs.DirEntry, 0, len(entries))
	for _, de := range entries {
		if isHeaderPath(de.Name()) {
			continue
		}
		if de.IsDir() {
			out = append(out, de)
			continue
		}
		out = append(out, &plainDirEntry{DirEntry: de, fs: e, name: path.Join(dir, de.Name())})
	}
	return out
}

type plainDirEntry struct {
	fs.DirEntry
	fs   *FS
	name string
}

func (d *plainDirEntry) Info() (fs.FileInfo, error) {
	info, err := d.DirEntry.Info()
	if err != nil {
		return nil, err
	}
	return d.fs.logicalInfo(d.name, info)
}

// dirFile hides header sidecars from directory listings
type dirFile struct {
	absfs.File
}

func (d *dirFile) Readdir(n int) ([]os.FileInfo, error) {
	for {
		infos, err := d.File.Readdir(n)
		out := infos[:0]
		for _, info := range infos {
			if !isHeaderPath(info.Name()) {
				out = append(out, info)
			}
		}
		if len(out) > 0 || len(infos) == 0 || n <= 0 || err != nil {
			return out, err
		}
	}
}

func (d *dirFile) Readdirnames(n int) ([]string, error) {
	for {
		names, err := d.File.Readdirnames(n)
		out := names[:0]
		for _, name := range names {
			if !isHeaderPath(name) {
				out = append(out, name)
			}
		}
		if len(out) > 0 || len(names) == 0 || n <= 0 || err != nil {
			return out, err
		}
	}
}

func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	for {
		entries, err := d.File.ReadDir(n)
		out := entries[:0]
		for _, de := range entries {
			if !isHeaderPath(de.Name()) {
				out = append(out, de)
			}
		}
		if len(out) > 0 || len(entries) == 0 || n <= 0 || err != nil {
			return out, err
		}
	}
}
