package envelopefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbutton23/zxcvbn-go"
	"github.com/sirupsen/logrus"
)

// MinRecoveryScore is the minimum zxcvbn score (0-4) of a recovery passphrase.
const MinRecoveryScore = 3

// Admin exposes the instance-wide operations of an administrator.
type Admin struct {
	fs  *FS
	log *logrus.Logger
}

// Admin returns the administrative entry points of the filesystem.
func (e *FS) Admin() *Admin {
	return &Admin{fs: e, log: e.log}
}

// EnableMasterKeyMode makes master-key mode the instance mode. New files are
// wrapped for SYSTEM at once; existing files change with MigrateAll.
func (a *Admin) EnableMasterKeyMode(ctx context.Context) error {
	if _, err := a.fs.systemKey(ctx); err != nil {
		return err
	}
	if err := a.fs.setKeyMode(ctx, KeyModeMaster); err != nil {
		return err
	}
	a.log.WithField("key_mode", KeyModeMaster.String()).Warn("instance key mode changed")
	return nil
}

// DisableMasterKeyMode makes per-user mode the instance mode.
func (a *Admin) DisableMasterKeyMode(ctx context.Context) error {
	if err := a.fs.setKeyMode(ctx, KeyModePerUser); err != nil {
		return err
	}
	a.log.WithField("key_mode", KeyModePerUser.String()).Warn("instance key mode changed")
	return nil
}

// CheckRecoveryPassphrase rejects passphrases below MinRecoveryScore.
func CheckRecoveryPassphrase(passphrase []byte) error {
	if len(passphrase) == 0 {
		return NewValidationError("passphrase", nil, "recovery passphrase cannot be empty")
	}
	score := zxcvbn.PasswordStrength(string(passphrase), []string{"envelopefs", "recovery"}).Score
	if score < MinRecoveryScore {
		return NewValidationError("passphrase", score, fmt.Sprintf("recovery passphrase too weak: score %d, need %d", score, MinRecoveryScore))
	}
	return nil
}

// EnableRecoveryKey creates the RECOVERY key pair under passphrase, or
// checks passphrase against the existing pair, and turns recovery on. Users
// are escrowed on their next login; per-user files get a RECOVERY entry on
// creation or migration.
func (a *Admin) EnableRecoveryKey(ctx context.Context, passphrase []byte) error {
	exists, err := a.fs.keys.HasKeyPair(ctx, RecoveryPrincipal)
	if err != nil {
		return err
	}
	if !exists {
		if err := CheckRecoveryPassphrase(passphrase); err != nil {
			return err
		}
		if _, err := a.fs.keys.EnsureSystemKeyPair(ctx, KindRecovery, passphrase); err != nil {
			return err
		}
	}
	priv, err := a.fs.keys.UnlockSystemKey(ctx, KindRecovery, passphrase)
	if err != nil {
		return err
	}
	priv.Zero()

	if err := a.fs.setRecoveryEnabled(ctx, true); err != nil {
		return err
	}
	a.log.Warn("recovery key enabled")
	return nil
}

// DisableRecoveryKey turns recovery off after checking passphrase. Escrows
// are cleared on each user's next login and RECOVERY entries by the next
// migration.
func (a *Admin) DisableRecoveryKey(ctx context.Context, passphrase []byte) error {
	priv, err := a.fs.keys.UnlockSystemKey(ctx, KindRecovery, passphrase)
	if err != nil {
		return err
	}
	priv.Zero()

	if err := a.fs.setRecoveryEnabled(ctx, false); err != nil {
		return err
	}
	a.log.Warn("recovery key disabled")
	return nil
}

// MigrateUser converts the files owned by userID to the instance mode.
func (a *Admin) MigrateUser(ctx context.Context, userID string, opts MigrationOptions) (*MigrationCheckpoint, error) {
	mode, err := a.fs.KeyMode(ctx)
	if err != nil {
		return nil, err
	}
	opts.Owner = userID
	opts.Target = mode
	return a.fs.Migrator().Run(ctx, opts)
}

// MigrateAll converts every file to the instance mode.
func (a *Admin) MigrateAll(ctx context.Context, opts MigrationOptions) (*MigrationCheckpoint, error) {
	mode, err := a.fs.KeyMode(ctx)
	if err != nil {
		return nil, err
	}
	opts.Owner = ""
	opts.Target = mode
	return a.fs.Migrator().Run(ctx, opts)
}

// VerifyReport is the result of VerifyUser.
type VerifyReport struct {
	UserID  string
	Checked int
	OK      int
	// Failed maps file paths to the error that made them unreadable.
	Failed map[string]error
}

// VerifyUser unlocks the user's key with secret and decrypts every file the
// user owns or has been shared. A wrong secret fails the whole call.
func (a *Admin) VerifyUser(ctx context.Context, userID string, secret []byte) (*VerifyReport, error) {
	e := a.fs
	priv, err := e.keys.UnlockPrivateKey(ctx, userID, secret)
	if err != nil {
		return nil, err
	}
	session := e.NewSession(nil)
	defer session.Close()
	if err := session.Put(userID, priv); err != nil {
		priv.Zero()
		return nil, err
	}
	view, err := e.View(ctx, userID, session)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{UserID: userID, Failed: make(map[string]error)}
	after := ""
	for {
		page, err := e.store.ListFiles(ctx, after, defaultMigrationPageSize)
		if err != nil {
			return report, err
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			after = rec.FileID
			if !rec.HasAccess(userID) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			if err := view.verifyRecord(&rec); err != nil {
				report.Failed[rec.Path] = err
				a.log.WithError(err).WithFields(logrus.Fields{"file_id": rec.FileID, "principal": User(userID).Key()}).Error("file failed verification")
				continue
			}
			report.OK++
		}
	}
	return report, nil
}

// verifyRecord checks that rec's header matches and the content decrypts.
func (v *View) verifyRecord(rec *FileRecord) error {
	h, err := v.fs.Header(rec.Path)
	if err != nil {
		return err
	}
	if h.FileID != rec.FileID {
		return fmt.Errorf("%w: header at %s belongs to file %s", ErrInvalidHeader, rec.Path, h.FileID)
	}
	return v.VerifyFile(rec.Path)
}

// RecoverUser rewraps a user's private key under newSecret with the
// recovery key.
func (a *Admin) RecoverUser(ctx context.Context, userID string, recoveryPassphrase, newSecret []byte) error {
	return a.fs.keys.RecoverUserKeyPair(ctx, userID, recoveryPassphrase, newSecret)
}

// Status describes the instance key configuration.
type Status struct {
	KeyMode         KeyMode
	RecoveryEnabled bool
	SystemKey       bool
	RecoveryKey     bool
	// Migration is the last instance-wide migration, if any.
	Migration *MigrationCheckpoint
}

// Status reports the instance key configuration.
func (a *Admin) Status(ctx context.Context) (*Status, error) {
	e := a.fs
	mode, err := e.KeyMode(ctx)
	if err != nil {
		return nil, err
	}
	recovery, err := e.RecoveryEnabled(ctx)
	if err != nil {
		return nil, err
	}
	sys, err := e.keys.HasKeyPair(ctx, SystemPrincipal)
	if err != nil {
		return nil, err
	}
	rec, err := e.keys.HasKeyPair(ctx, RecoveryPrincipal)
	if err != nil {
		return nil, err
	}
	cp, err := e.Migrator().Checkpoint(ctx, "")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &Status{KeyMode: mode, RecoveryEnabled: recovery, SystemKey: sys, RecoveryKey: rec, Migration: cp}, nil
}
