// Package sqlitestore implements envelopefs.KeyStore on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/absfs/envelopefs"
	_ "modernc.org/sqlite" // SQLite driver
)

var _ envelopefs.KeyStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS keypairs (
	principal           TEXT PRIMARY KEY,
	wrapped_private_key BLOB NOT NULL,
	recovery_escrow     BLOB NOT NULL,
	data                BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	file_id    TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	data       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	file_id    TEXT NOT NULL,
	principal  TEXT NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (file_id, principal)
);

CREATE TABLE IF NOT EXISTS settings (
	name       TEXT PRIMARY KEY,
	value      BLOB NOT NULL
);
`

// Store is a KeyStore backed by one SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("chmod database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// nz maps nil to an empty blob so NOT NULL columns compare by value.
func nz(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return envelopefs.ErrNotFound
	}
	return err
}

// inTx runs fn in a transaction, committing if it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) GetKeyPair(ctx context.Context, p envelopefs.Principal) (*envelopefs.KeyPair, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM keypairs WHERE principal = ?`, p.Key()).Scan(&data)
	if err != nil {
		return nil, notFound(err)
	}
	var kp envelopefs.KeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

func (s *Store) CreateKeyPair(ctx context.Context, kp *envelopefs.KeyPair) error {
	data, err := json.Marshal(kp)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keypairs (principal, wrapped_private_key, recovery_escrow, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (principal) DO NOTHING`,
		kp.Principal.Key(), nz(kp.WrappedPrivateKey), nz(kp.RecoveryEscrow), data)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return envelopefs.ErrAlreadyExists
	}
	return nil
}

func (s *Store) UpdateKeyPair(ctx context.Context, prev, next *envelopefs.KeyPair) error {
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE keypairs SET wrapped_private_key = ?, recovery_escrow = ?, data = ?
			 WHERE principal = ? AND wrapped_private_key = ? AND recovery_escrow = ?`,
			nz(next.WrappedPrivateKey), nz(next.RecoveryEscrow), data,
			prev.Principal.Key(), nz(prev.WrappedPrivateKey), nz(prev.RecoveryEscrow))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM keypairs WHERE principal = ?`, prev.Principal.Key()).Scan(&one)
		if err != nil {
			return notFound(err)
		}
		return envelopefs.ErrConflict
	})
}

func (s *Store) DeleteKeyPair(ctx context.Context, p envelopefs.Principal) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM keypairs WHERE principal = ?`, p.Key())
	return err
}

func (s *Store) PutEntries(ctx context.Context, entries []envelopefs.WrappedKeyEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO entries (file_id, principal, data) VALUES (?, ?, ?)
			 ON CONFLICT (file_id, principal) DO UPDATE SET data = excluded.data`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range entries {
			e := &entries[i]
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, e.FileID, e.Principal.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetEntry(ctx context.Context, fileID string, p envelopefs.Principal) (*envelopefs.WrappedKeyEntry, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM entries WHERE file_id = ? AND principal = ?`, fileID, p.Key()).Scan(&data)
	if err != nil {
		return nil, notFound(err)
	}
	var e envelopefs.WrappedKeyEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListEntries(ctx context.Context, fileID string) ([]envelopefs.WrappedKeyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM entries WHERE file_id = ? ORDER BY principal`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []envelopefs.WrappedKeyEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e envelopefs.WrappedKeyEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEntries(ctx context.Context, fileID string, principals []envelopefs.Principal) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range principals {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE file_id = ? AND principal = ?`, fileID, p.Key()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PutFile(ctx context.Context, rec *envelopefs.FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO files (file_id, owner, data) VALUES (?, ?, ?)
		 ON CONFLICT (file_id) DO UPDATE SET owner = excluded.owner, data = excluded.data`,
		rec.FileID, rec.Owner, data)
	return err
}

func (s *Store) GetFile(ctx context.Context, fileID string) (*envelopefs.FileRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM files WHERE file_id = ?`, fileID).Scan(&data)
	if err != nil {
		return nil, notFound(err)
	}
	var rec envelopefs.FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListFiles(ctx context.Context, after string, limit int) ([]envelopefs.FileRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM files WHERE file_id > ? ORDER BY file_id LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []envelopefs.FileRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec envelopefs.FileRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE file_id = ?`, fileID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, fileID)
		return err
	})
}

func (s *Store) GetSetting(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if err != nil {
		return nil, notFound(err)
	}
	return value, nil
}

func (s *Store) PutSetting(ctx context.Context, name string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (name, value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		name, nz(value))
	return err
}

func (s *Store) DeleteSetting(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE name = ?`, name)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
