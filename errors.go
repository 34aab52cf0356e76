package envelopefs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IOError represents a failure of the underlying filesystem
type IOError struct {
	Operation string // "read", "write", "seek", "open", "close", etc.
	Path      string // File path
	Offset    int64  // File offset, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NoKeyPairError reports a principal without key material. It is
// recoverable by creating the key pair (EnsureUserKeyPair).
type NoKeyPairError struct {
	Principal Principal
}

func (e *NoKeyPairError) Error() string {
	return fmt.Sprintf("no key pair for %s", e.Principal)
}

// WrongSecretError reports a login secret or passphrase that does not
// unlock the principal's private key.
type WrongSecretError struct {
	Principal Principal
	Err       error
}

func (e *WrongSecretError) Error() string {
	return fmt.Sprintf("secret does not unlock the private key of %s", e.Principal)
}

func (e *WrongSecretError) Unwrap() error {
	return e.Err
}

// UnwrapAuthenticationError reports a wrapped content key that does not
// authenticate for the given principal: either access was revoked and the
// entry is stale, or the key store is corrupted. Callers report the file as
// inaccessible.
type UnwrapAuthenticationError struct {
	FileID    string
	Principal Principal
	Message   string
	Err       error
}

func (e *UnwrapAuthenticationError) Error() string {
	return fmt.Sprintf("unwrap error: file %s for %s: %s", e.FileID, e.Principal, e.Message)
}

func (e *UnwrapAuthenticationError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a ciphertext block that failed authentication. No
// plaintext from the read is released.
type IntegrityError struct {
	Path    string // File path, if known
	FileID  string
	Block   uint64 // Block index
	Message string
	Err     error
}

func (e *IntegrityError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("integrity error: %s (block %d): %s", e.Path, e.Block, e.Message)
	}
	return fmt.Sprintf("integrity error: file %s (block %d): %s", e.FileID, e.Block, e.Message)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// MigrationStepError records a per-file failure during a key-mode migration.
// The file keeps its previous entries and stays readable.
type MigrationStepError struct {
	FileID string
	Path   string
	Phase  MigrationState
	Err    error
}

func (e *MigrationStepError) Error() string {
	return fmt.Sprintf("migration %s: file %s (%s): %v", e.Phase, e.FileID, e.Path, e.Err)
}

func (e *MigrationStepError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidKey         = errors.New("invalid encryption key")
	ErrAuthFailed         = errors.New("authentication failed - data may be corrupted or tampered")
	ErrInvalidHeader      = errors.New("invalid file header")
	ErrUnsupportedVersion = errors.New("unsupported file format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilKeyStore        = errors.New("key store cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrNegativeOffset     = errors.New("negative offset not allowed")
	ErrClosed             = errors.New("file already closed")

	// ErrNoAccess means the principal has no wrapped key for the file.
	ErrNoAccess = errors.New("no access to file")
	// ErrNotOwner is returned when a non-owner tries to change the access list.
	ErrNotOwner = errors.New("only the owner can change access")

	// ErrNotFound is returned by a KeyStore for a missing row.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by KeyStore.CreateKeyPair when a pair exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a compare-and-swap update lost a race.
	ErrConflict = errors.New("concurrent modification")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsNoKeyPair checks if an error is a NoKeyPairError
func IsNoKeyPair(err error) bool {
	var e *NoKeyPairError
	return errors.As(err, &e)
}

// IsWrongSecret checks if an error is a WrongSecretError
func IsWrongSecret(err error) bool {
	var e *WrongSecretError
	return errors.As(err, &e)
}

// IsUnwrapAuthentication checks if an error is an UnwrapAuthenticationError
func IsUnwrapAuthentication(err error) bool {
	var e *UnwrapAuthenticationError
	return errors.As(err, &e)
}

// IsIntegrityError checks if an error is an IntegrityError
func IsIntegrityError(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

// IsInaccessible reports whether err means "this principal cannot open the
// file", as opposed to broken data.
func IsInaccessible(err error) bool {
	return errors.Is(err, ErrNoAccess) || IsUnwrapAuthentication(err)
}

// IsCorrupted reports whether err means the stored ciphertext is broken.
func IsCorrupted(err error) bool {
	return IsIntegrityError(err) || errors.Is(err, ErrInvalidHeader)
}
