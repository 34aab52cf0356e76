package envelopefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// MigrationState is the state of a key-mode migration job.
type MigrationState string

const (
	MigrationIdle       MigrationState = "idle"
	MigrationScanning   MigrationState = "scanning"
	MigrationRewrapping MigrationState = "rewrapping"
	MigrationFinalizing MigrationState = "finalizing"
	MigrationDone       MigrationState = "done"
	MigrationFailed     MigrationState = "failed"
)

const defaultMigrationPageSize = 100

// MigrationCheckpoint is the persisted progress of a migration job. It is
// stored as JSON in the key store settings after every file.
type MigrationCheckpoint struct {
	JobID    string         `json:"job_id"`
	Owner    string         `json:"owner,omitempty"` // empty for an instance-wide run
	Target   KeyMode        `json:"target"`
	Recovery bool           `json:"recovery"`
	State    MigrationState `json:"state"`

	// Cursor is the last file id handled by the current phase.
	Cursor string   `json:"cursor"`
	Failed []string `json:"failed,omitempty"`

	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Finalized int `json:"finalized"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// InProgress reports whether the job can be resumed.
func (c *MigrationCheckpoint) InProgress() bool {
	switch c.State {
	case MigrationScanning, MigrationRewrapping, MigrationFinalizing:
		return true
	}
	return false
}

// MigrationOptions selects the scope and key sources of a migration.
type MigrationOptions struct {
	// Owner restricts the run to files owned by one user.
	Owner string
	// Target is the key mode every file in scope ends up in.
	Target KeyMode
	// Secrets unlocks owners' private keys for files whose old entries are
	// per-user only.
	Secrets SecretProvider
	// RecoveryPassphrase unlocks the RECOVERY key as a fallback unwrap path.
	RecoveryPassphrase []byte
	// PageSize is the number of file records fetched per store call.
	PageSize int
}

func migrationSetting(owner string) string {
	if owner == "" {
		return "migration/all"
	}
	return "migration/" + User(owner).Key()
}

// ModeMigrator converts files between per-user and master-key mode. New
// entries are written and verified for every file before any old entry is
// deleted, so each file stays readable throughout.
type ModeMigrator struct {
	fs  *FS
	log *logrus.Logger

	// onFile is called after each file of the rewrapping phase.
	onFile func(rec FileRecord)
}

// Migrator returns a migrator over the filesystem's key store.
func (e *FS) Migrator() *ModeMigrator {
	return &ModeMigrator{fs: e, log: e.log}
}

// Checkpoint returns the stored checkpoint for a scope, or ErrNotFound.
func (m *ModeMigrator) Checkpoint(ctx context.Context, owner string) (*MigrationCheckpoint, error) {
	raw, err := m.fs.store.GetSetting(ctx, migrationSetting(owner))
	if err != nil {
		return nil, err
	}
	cp := &MigrationCheckpoint{}
	if err := json.Unmarshal(raw, cp); err != nil {
		return nil, fmt.Errorf("invalid migration checkpoint: %w", err)
	}
	return cp, nil
}

func (m *ModeMigrator) save(ctx context.Context, cp *MigrationCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return m.fs.store.PutSetting(ctx, migrationSetting(cp.Owner), raw)
}

// Run migrates every file in scope to opts.Target, resuming an interrupted
// job of the same scope and target. Per-file failures are returned as an
// aggregate of *MigrationStepError and leave the job Failed; running again
// retries them. A cancelled context stops the job between files and leaves
// it resumable.
func (m *ModeMigrator) Run(ctx context.Context, opts MigrationOptions) (*MigrationCheckpoint, error) {
	if opts.Owner != "" {
		if err := User(opts.Owner).Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Target != KeyModePerUser && opts.Target != KeyModeMaster {
		return nil, NewValidationError("target", opts.Target, "unknown key mode")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultMigrationPageSize
	}
	if opts.Target == KeyModeMaster {
		if _, err := m.fs.systemKey(ctx); err != nil {
			return nil, err
		}
	}

	cp, err := m.Checkpoint(ctx, opts.Owner)
	switch {
	case err == nil && cp.InProgress():
		if cp.Target != opts.Target {
			return cp, fmt.Errorf("migration %s to %s is in progress: %w", cp.JobID, cp.Target, ErrConflict)
		}
	case err == nil || errors.Is(err, ErrNotFound):
		recovery, err := m.fs.RecoveryEnabled(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		cp = &MigrationCheckpoint{
			JobID:     uuid.NewString(),
			Owner:     opts.Owner,
			Target:    opts.Target,
			Recovery:  recovery,
			State:     MigrationScanning,
			StartedAt: now,
		}
		if err := m.save(ctx, cp); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	log := m.log.WithFields(logrus.Fields{"job_id": cp.JobID, "target": cp.Target.String(), "owner": cp.Owner})
	log.WithField("state", cp.State).Info("migration started")

	keys := newMigrationKeys(m.fs, opts)
	defer keys.zero()

	if cp.State != MigrationFinalizing {
		errs := m.rewrap(ctx, cp, keys, log)
		if ctx.Err() != nil {
			return cp, ctx.Err()
		}
		if errs == nil && len(cp.Failed) > 0 {
			errs = fmt.Errorf("%d files failed before the job was resumed: %v", len(cp.Failed), cp.Failed)
		}
		if errs != nil {
			cp.State = MigrationFailed
			cp.LastError = errs.Error()
			if err := m.save(ctx, cp); err != nil {
				return cp, multierr.Append(errs, err)
			}
			log.WithError(errs).WithField("failed", len(cp.Failed)).Error("migration failed")
			return cp, errs
		}
		cp.State = MigrationFinalizing
		cp.Cursor = ""
		if err := m.save(ctx, cp); err != nil {
			return cp, err
		}
	}

	if errs := m.finalize(ctx, cp, keys, log); errs != nil {
		if ctx.Err() != nil {
			return cp, ctx.Err()
		}
		cp.State = MigrationFailed
		cp.LastError = errs.Error()
		if err := m.save(ctx, cp); err != nil {
			return cp, multierr.Append(errs, err)
		}
		log.WithError(errs).Error("migration failed while finalizing")
		return cp, errs
	}

	if cp.Owner == "" {
		if err := m.fs.setKeyMode(ctx, cp.Target); err != nil {
			return cp, err
		}
	}
	cp.State = MigrationDone
	cp.Cursor = ""
	if err := m.save(ctx, cp); err != nil {
		return cp, err
	}
	log.WithFields(logrus.Fields{"processed": cp.Processed, "skipped": cp.Skipped, "finalized": cp.Finalized}).Info("migration done")
	return cp, nil
}

// each pages the records in scope after cp.Cursor, checking ctx between
// files. fn's error is collected; the cursor advances either way.
func (m *ModeMigrator) each(ctx context.Context, cp *MigrationCheckpoint, phase MigrationState, pageSize int, fn func(rec *FileRecord) error) error {
	var errs error
	for {
		page, err := m.fs.store.ListFiles(ctx, cp.Cursor, pageSize)
		if err != nil {
			return multierr.Append(errs, err)
		}
		if len(page) == 0 {
			return errs
		}
		for i := range page {
			if err := ctx.Err(); err != nil {
				return multierr.Append(errs, err)
			}
			rec := &page[i]
			if cp.Owner == "" || rec.Owner == cp.Owner {
				if err := fn(rec); err != nil {
					errs = multierr.Append(errs, &MigrationStepError{FileID: rec.FileID, Path: rec.Path, Phase: phase, Err: err})
				}
			}
			cp.Cursor = rec.FileID
			if err := m.save(ctx, cp); err != nil {
				return multierr.Append(errs, err)
			}
		}
	}
}

func (m *ModeMigrator) rewrap(ctx context.Context, cp *MigrationCheckpoint, keys *migrationKeys, log *logrus.Entry) error {
	if cp.State == MigrationScanning {
		cp.State = MigrationRewrapping
		if err := m.save(ctx, cp); err != nil {
			return err
		}
	}
	return m.each(ctx, cp, MigrationRewrapping, keys.opts.PageSize, func(rec *FileRecord) error {
		skipped, err := m.rewrapFile(ctx, cp, keys, rec)
		switch {
		case err != nil:
			cp.Failed = appendOnce(cp.Failed, rec.FileID)
			log.WithError(err).WithFields(logrus.Fields{"file_id": rec.FileID, "phase": MigrationRewrapping}).Error("migration step failed")
		case skipped:
			cp.Skipped++
		default:
			cp.Processed++
		}
		if err == nil {
			cp.Failed = removeID(cp.Failed, rec.FileID)
		}
		if m.onFile != nil {
			m.onFile(*rec)
		}
		return err
	})
}

// rewrapFile writes the target entries of one file. It reports whether the
// file already had verified target entries.
func (m *ModeMigrator) rewrapFile(ctx context.Context, cp *MigrationCheckpoint, keys *migrationKeys, rec *FileRecord) (bool, error) {
	e := m.fs
	h, err := e.Header(rec.Path)
	if err != nil {
		return false, err
	}
	if h.FileID != rec.FileID {
		return false, fmt.Errorf("%w: header at %s belongs to file %s", ErrInvalidHeader, rec.Path, h.FileID)
	}

	want := Principals(cp.Target, rec, cp.Recovery)
	pubs, err := e.keys.PublicKeys(ctx, want)
	if err != nil {
		return false, err
	}
	existing, err := e.store.ListEntries(ctx, rec.FileID)
	if err != nil {
		return false, err
	}

	missing := missingEntries(existing, pubs)
	if len(missing) == 0 {
		if err := keys.verify(ctx, h, existing, want); err != nil {
			return false, err
		}
		return true, nil
	}

	key, err := keys.contentKey(ctx, h, existing)
	if err != nil {
		return false, err
	}
	defer zero(key)

	entries, err := e.wrapper.WrapForPrincipals(rec.FileID, key, missing)
	if err != nil {
		return false, err
	}
	if err := e.store.PutEntries(ctx, entries); err != nil {
		return false, err
	}

	written, err := e.store.ListEntries(ctx, rec.FileID)
	if err != nil {
		return false, err
	}
	return false, keys.verify(ctx, h, written, want)
}

// finalize flips each file to the target mode and deletes the entries the
// target no longer needs. Files created or shared after the rewrap pass
// reached them are rewrapped here first; a file whose target entries cannot
// be written and verified keeps its old entries and fails the job.
func (m *ModeMigrator) finalize(ctx context.Context, cp *MigrationCheckpoint, keys *migrationKeys, log *logrus.Entry) error {
	return m.each(ctx, cp, MigrationFinalizing, keys.opts.PageSize, func(rec *FileRecord) error {
		err := m.finalizeFile(ctx, cp, keys, rec)
		if err != nil {
			cp.Failed = appendOnce(cp.Failed, rec.FileID)
			log.WithError(err).WithFields(logrus.Fields{"file_id": rec.FileID, "phase": MigrationFinalizing}).Error("migration step failed")
			return err
		}
		cp.Finalized++
		log.WithFields(logrus.Fields{"file_id": rec.FileID, "phase": MigrationFinalizing}).Debug("file finalized")
		return nil
	})
}

func (m *ModeMigrator) finalizeFile(ctx context.Context, cp *MigrationCheckpoint, keys *migrationKeys, rec *FileRecord) error {
	e := m.fs
	if _, err := m.rewrapFile(ctx, cp, keys, rec); err != nil {
		return err
	}

	h, err := e.Header(rec.Path)
	if err != nil {
		return err
	}
	if h.KeyMode != cp.Target {
		h.KeyMode = cp.Target
		if err := e.writeHeader(rec.Path, h); err != nil {
			return err
		}
	}

	// Reload so that a share made since the rewrap is not lost.
	cur, err := e.store.GetFile(ctx, rec.FileID)
	if err != nil {
		return err
	}
	if cur.KeyMode != cp.Target {
		cur.KeyMode = cp.Target
		cur.UpdatedAt = time.Now().UTC()
		if err := e.store.PutFile(ctx, cur); err != nil {
			return err
		}
	}

	want := Principals(cp.Target, cur, cp.Recovery)
	entries, err := e.store.ListEntries(ctx, rec.FileID)
	if err != nil {
		return err
	}
	if err := keys.verify(ctx, h, entries, want); err != nil {
		return err
	}
	if stale := stalePrincipals(entries, want); len(stale) > 0 {
		if err := e.store.DeleteEntries(ctx, rec.FileID, stale); err != nil {
			return err
		}
	}
	return nil
}

// missingEntries returns the keys of pubs without an entry sealed to them.
func missingEntries(existing []WrappedKeyEntry, pubs []PublicKey) []PublicKey {
	have := make(map[Principal]WrappedKeyEntry, len(existing))
	for _, entry := range existing {
		have[entry.Principal] = entry
	}
	var missing []PublicKey
	for _, pk := range pubs {
		entry, ok := have[pk.Principal]
		if !ok || entry.Version != EntryVersion || string(entry.PublicKeyFingerprint) != string(pk.Fingerprint()) {
			missing = append(missing, pk)
		}
	}
	return missing
}

func appendOnce(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// migrationKeys holds the private keys a migration run has unlocked.
type migrationKeys struct {
	fs       *FS
	opts     MigrationOptions
	owners   map[string]*PrivateKey
	recovery *PrivateKey
}

func newMigrationKeys(e *FS, opts MigrationOptions) *migrationKeys {
	return &migrationKeys{fs: e, opts: opts, owners: make(map[string]*PrivateKey)}
}

// private returns an unlocked key for p, or nil if the run cannot unlock it.
func (k *migrationKeys) private(ctx context.Context, p Principal) (*PrivateKey, error) {
	switch p.Kind {
	case KindSystem:
		return k.fs.systemKey(ctx)
	case KindRecovery:
		if len(k.opts.RecoveryPassphrase) == 0 {
			return nil, nil
		}
		if k.recovery == nil {
			priv, err := k.fs.keys.UnlockSystemKey(ctx, KindRecovery, k.opts.RecoveryPassphrase)
			if err != nil {
				return nil, err
			}
			k.recovery = priv
		}
		return k.recovery, nil
	default:
		if k.opts.Secrets == nil {
			return nil, nil
		}
		if priv, ok := k.owners[p.ID]; ok {
			return priv, nil
		}
		secret, err := k.opts.Secrets(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		defer zero(secret)
		priv, err := k.fs.keys.UnlockPrivateKey(ctx, p.ID, secret)
		if err != nil {
			return nil, err
		}
		k.owners[p.ID] = priv
		return priv, nil
	}
}

// contentKey unwraps the file's key through the first entry the run holds
// a private key for: SYSTEM, then the owner, then RECOVERY.
func (k *migrationKeys) contentKey(ctx context.Context, h *FileEncryptionHeader, entries []WrappedKeyEntry) ([]byte, error) {
	order := map[PrincipalKind]int{KindSystem: 0, KindUser: 1, KindRecovery: 2}
	var errs error
	for pass := 0; pass < 3; pass++ {
		for i := range entries {
			entry := &entries[i]
			if order[entry.Principal.Kind] != pass {
				continue
			}
			priv, err := k.private(ctx, entry.Principal)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if priv == nil {
				continue
			}
			key, err := k.fs.wrapper.UnwrapForPrincipal(entry, priv)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if !h.VerifyKey(key) {
				zero(key)
				errs = multierr.Append(errs, &UnwrapAuthenticationError{FileID: h.FileID, Principal: entry.Principal, Message: "content key does not match the file header"})
				continue
			}
			return key, nil
		}
	}
	if errs != nil {
		return nil, errs
	}
	return nil, fmt.Errorf("%w: no unlockable entry for file %s", ErrNoAccess, h.FileID)
}

// verify checks that every principal in want has an entry and dry-runs the
// unwrap of those the run can unlock.
func (k *migrationKeys) verify(ctx context.Context, h *FileEncryptionHeader, entries []WrappedKeyEntry, want []Principal) error {
	byPrincipal := make(map[Principal]*WrappedKeyEntry, len(entries))
	for i := range entries {
		byPrincipal[entries[i].Principal] = &entries[i]
	}
	for _, p := range want {
		entry, ok := byPrincipal[p]
		if !ok {
			return fmt.Errorf("%w: missing entry for %s", ErrNoAccess, p)
		}
		priv, err := k.private(ctx, p)
		if err != nil || priv == nil {
			continue
		}
		key, err := k.fs.wrapper.UnwrapForPrincipal(entry, priv)
		if err != nil {
			return err
		}
		ok = h.VerifyKey(key)
		zero(key)
		if !ok {
			return &UnwrapAuthenticationError{FileID: h.FileID, Principal: p, Message: "dry-run unwrap does not match the file header"}
		}
	}
	return nil
}

func (k *migrationKeys) zero() {
	for _, priv := range k.owners {
		priv.Zero()
	}
	if k.recovery != nil {
		k.recovery.Zero()
	}
}
