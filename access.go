package envelopefs

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Access returns the access record of name.
func (v *View) Access(name string) (*FileRecord, error) {
	h, err := v.fs.Header(name)
	if err != nil {
		return nil, err
	}
	if err := v.checkAccess(h); err != nil {
		return nil, err
	}
	return v.fs.store.GetFile(v.ctx, h.FileID)
}

func (v *View) ownedRecord(name string) (*FileEncryptionHeader, *FileRecord, error) {
	h, err := v.fs.Header(name)
	if err != nil {
		return nil, nil, err
	}
	rec, err := v.fs.store.GetFile(v.ctx, h.FileID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: file %s has no access record", ErrNoAccess, h.FileID)
	}
	if err != nil {
		return nil, nil, err
	}
	if rec.Owner != v.user {
		return nil, nil, ErrNotOwner
	}
	return h, rec, nil
}

// Share grants recipient access to name. In per-user mode the content key is
// wrapped for the recipient's public key, so the recipient must have a key
// pair. In master-key mode only the access record changes.
func (v *View) Share(name, recipient string) error {
	if err := User(recipient).Validate(); err != nil {
		return err
	}
	h, rec, err := v.ownedRecord(name)
	if err != nil {
		return err
	}
	e := v.fs

	if h.KeyMode == KeyModePerUser {
		key, err := v.contentKey(h)
		if err != nil {
			return err
		}
		defer zero(key)

		pubs, err := e.keys.PublicKeys(v.ctx, []Principal{User(recipient)})
		if err != nil {
			return err
		}
		entries, err := e.wrapper.WrapForPrincipals(h.FileID, key, pubs)
		if err != nil {
			return err
		}
		if err := e.store.PutEntries(v.ctx, entries); err != nil {
			return err
		}
	}

	if !rec.HasAccess(recipient) {
		rec.Recipients = append(rec.Recipients, recipient)
		rec.UpdatedAt = time.Now().UTC()
		if err := e.store.PutFile(v.ctx, rec); err != nil {
			return err
		}
	}

	e.log.WithFields(logrus.Fields{"file_id": h.FileID, "principal": User(recipient).Key()}).Info("granted access")
	return nil
}

// Unshare revokes recipient's access to name. The recipient's wrapped key
// is deleted before the access record changes.
func (v *View) Unshare(name, recipient string) error {
	h, rec, err := v.ownedRecord(name)
	if err != nil {
		return err
	}
	if recipient == rec.Owner {
		return NewValidationError("recipient", recipient, "cannot revoke the owner's access")
	}
	e := v.fs

	if err := e.store.DeleteEntries(v.ctx, h.FileID, []Principal{User(recipient)}); err != nil {
		return err
	}

	kept := rec.Recipients[:0]
	for _, u := range rec.Recipients {
		if u != recipient {
			kept = append(kept, u)
		}
	}
	rec.Recipients = kept
	rec.UpdatedAt = time.Now().UTC()
	if err := e.store.PutFile(v.ctx, rec); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{"file_id": h.FileID, "principal": User(recipient).Key()}).Info("revoked access")
	return nil
}
