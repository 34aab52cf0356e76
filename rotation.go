package envelopefs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// RotationOptions contains options for content key rotation
type RotationOptions struct {
	// Cipher re-encrypts with another suite; CipherAuto keeps the current one
	Cipher CipherSuite

	// BlockSize re-blocks the file; zero keeps the current size
	BlockSize int

	// PreserveTimestamps keeps the original modification time
	PreserveTimestamps bool
}

// RotateContentKey re-encrypts name under a fresh content key and file
// identity. Entries for the new identity are written before the content is
// swapped, and the old identity's entries are deleted last.
func (v *View) RotateContentKey(name string, opts RotationOptions) error {
	h, rec, err := v.ownedRecord(name)
	if err != nil {
		return err
	}
	e := v.fs
	ctx := v.ctx

	cipher := h.Cipher
	if opts.Cipher != CipherAuto {
		cipher = opts.Cipher
	}
	blockSize := h.BlockSize
	if opts.BlockSize != 0 {
		if err := ValidateBlockSize(uint32(opts.BlockSize)); err != nil {
			return NewValidationError("block_size", opts.BlockSize, err.Error())
		}
		blockSize = uint32(opts.BlockSize)
	}

	info, err := e.base.Stat(name)
	if err != nil {
		return err
	}

	oldKey, err := v.contentKey(h)
	if err != nil {
		return err
	}
	defer zero(oldKey)
	oldStream, err := NewBlockCipherStream(h, oldKey, e.config.Parallel)
	if err != nil {
		return err
	}

	newKey, err := randomBytes(nil, ContentKeySize)
	if err != nil {
		return err
	}
	defer zero(newKey)

	newID := uuid.NewString()
	newH := NewFileEncryptionHeader(cipher, blockSize, h.KeyMode, newID, newKey)
	newStream, err := NewBlockCipherStream(newH, newKey, e.config.Parallel)
	if err != nil {
		return err
	}

	recovery, err := e.RecoveryEnabled(ctx)
	if err != nil {
		return err
	}
	newRec := rec.Clone()
	newRec.FileID = newID
	newRec.UpdatedAt = time.Now().UTC()
	pubs, err := e.keys.PublicKeys(ctx, Principals(h.KeyMode, newRec, recovery))
	if err != nil {
		return err
	}
	entries, err := e.wrapper.WrapForPrincipals(newID, newKey, pubs)
	if err != nil {
		return err
	}
	if err := e.store.PutFile(ctx, newRec); err != nil {
		return err
	}
	if err := e.store.PutEntries(ctx, entries); err != nil {
		e.store.DeleteFile(ctx, newID)
		return err
	}

	tmp := path.Join(path.Dir(name), "."+path.Base(name)+".rotate")
	cleanup := func() {
		e.base.Remove(tmp)
		e.base.Remove(headerPath(tmp))
		e.store.DeleteFile(ctx, newID)
	}

	if err := v.reencode(name, tmp, info.Size(), oldStream, newStream); err != nil {
		cleanup()
		return err
	}
	if err := e.writeHeader(tmp, newH); err != nil {
		cleanup()
		return err
	}
	if err := e.base.Rename(tmp, name); err != nil {
		cleanup()
		return NewIOError("rename", name, err)
	}
	if err := e.base.Rename(headerPath(tmp), headerPath(name)); err != nil {
		return NewIOError("rename", headerPath(name), err)
	}

	if opts.PreserveTimestamps {
		if err := e.base.Chtimes(name, time.Now(), info.ModTime()); err != nil {
			return fmt.Errorf("failed to restore timestamps: %w", err)
		}
	}

	v.session.ForgetContentKey(h.FileID)
	v.session.PutContentKey(v.user, newID, newKey)
	if err := e.store.DeleteFile(ctx, h.FileID); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{"file_id": newID, "previous_file_id": h.FileID, "path": rec.Path, "cipher": cipher.String()}).Info("rotated content key")
	return nil
}

// reencode decodes name with from and writes it to tmp sealed with to. The
// whole file is authenticated before tmp is complete.
func (v *View) reencode(name, tmp string, size int64, from, to *BlockCipherStream) error {
	e := v.fs
	src, err := e.base.Open(name)
	if err != nil {
		return NewIOError("open", name, err)
	}
	defer src.Close()

	r, err := from.NewReader(src, size)
	if err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			ie.Path = name
		}
		return err
	}

	dst, err := e.base.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return NewIOError("open", tmp, err)
	}
	if _, err := to.Encode(dst, io.NewSectionReader(r, 0, r.Size())); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return NewIOError("sync", tmp, err)
	}
	if err := dst.Close(); err != nil {
		return NewIOError("close", tmp, err)
	}
	return nil
}

// RotateAll rotates the content key of every file below root the user
// owns. Files owned by others are skipped.
func (v *View) RotateAll(root string, opts RotationOptions) (int, error) {
	var names []string
	if err := v.fs.walkHeaders(root, func(name string, h *FileEncryptionHeader) error {
		rec, err := v.fs.store.GetFile(v.ctx, h.FileID)
		if err == nil && rec.Owner == v.user {
			names = append(names, name)
		}
		return nil
	}); err != nil {
		return 0, err
	}

	var rotated int
	var errs error
	for _, name := range names {
		if err := v.ctx.Err(); err != nil {
			return rotated, multierr.Append(errs, err)
		}
		if err := v.RotateContentKey(name, opts); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		rotated++
	}
	return rotated, errs
}

// VerifyFile decrypts the whole file and reports the first failure.
func (v *View) VerifyFile(name string) error {
	f, err := v.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(io.Discard, f)
	return err
}

// VerifyAll verifies every file below root the user can access and returns
// the failures by path. Files without access are not failures.
func (v *View) VerifyAll(root string) (checked int, failed map[string]error, err error) {
	failed = make(map[string]error)
	err = v.fs.walkHeaders(root, func(name string, h *FileEncryptionHeader) error {
		if v.checkAccess(h) != nil {
			return nil
		}
		checked++
		if verr := v.VerifyFile(name); verr != nil {
			failed[name] = verr
		}
		return nil
	})
	return checked, failed, err
}
