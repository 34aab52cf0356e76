package envelopefs

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/sync/singleflight"
)

const (
	privateKeySize  = 32
	fingerprintSize = 16
	privateKeyAAD   = "envelopefs private key "
)

// PublicKey is the public half of a principal's key pair.
type PublicKey struct {
	Principal Principal
	Key       [32]byte
}

// Fingerprint identifies the key without revealing anything useful.
func (k PublicKey) Fingerprint() []byte {
	sum := sha256.Sum256(k.Key[:])
	return sum[:fingerprintSize]
}

// PrivateKey is an unlocked X25519 private key. Call Zero when done.
type PrivateKey struct {
	Principal Principal
	public    [32]byte
	private   [32]byte
}

// PublicKey returns the matching public key.
func (k *PrivateKey) PublicKey() PublicKey {
	return PublicKey{Principal: k.Principal, Key: k.public}
}

// Zero overwrites the private scalar.
func (k *PrivateKey) Zero() {
	zero(k.private[:])
}

func (k *PrivateKey) clone() *PrivateKey {
	c := *k
	return &c
}

func newPrivateKey(p Principal, scalar []byte) (*PrivateKey, error) {
	if len(scalar) != privateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, privateKeySize)
	}
	pub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k := &PrivateKey{Principal: p}
	copy(k.private[:], scalar)
	copy(k.public[:], pub)
	return k, nil
}

func publicKeyOf(kp *KeyPair) (PublicKey, error) {
	if len(kp.PublicKey) != 32 {
		return PublicKey{}, fmt.Errorf("%w: stored public key of %s has %d bytes", ErrInvalidKey, kp.Principal, len(kp.PublicKey))
	}
	pk := PublicKey{Principal: kp.Principal}
	copy(pk.Key[:], kp.PublicKey)
	return pk, nil
}

// KeyPairService generates, stores and unlocks the X25519 key pairs of
// users and of the SYSTEM and RECOVERY principals.
type KeyPairService struct {
	store KeyStore
	cfg   *Config
	log   *logrus.Logger
	rand  io.Reader
	group singleflight.Group
}

// NewKeyPairService creates a service over store. cfg must be valid.
func NewKeyPairService(store KeyStore, cfg *Config) (*KeyPairService, error) {
	if store == nil {
		return nil, ErrNilKeyStore
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.normalize()
	return &KeyPairService{store: store, cfg: cfg, log: cfg.Logger, rand: rand.Reader}, nil
}

// EnsureUserKeyPair returns the user's key pair, creating it under
// loginSecret if none exists. Concurrent calls create at most one pair.
func (s *KeyPairService) EnsureUserKeyPair(ctx context.Context, userID string, loginSecret []byte) (*KeyPair, error) {
	p := User(userID)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.ensure(ctx, p, loginSecret)
}

// EnsureSystemKeyPair is EnsureUserKeyPair for the SYSTEM and RECOVERY
// principals. A nil secret for SYSTEM means the configured instance secret.
func (s *KeyPairService) EnsureSystemKeyPair(ctx context.Context, kind PrincipalKind, secret []byte) (*KeyPair, error) {
	p, secret, err := s.systemPrincipal(kind, secret)
	if err != nil {
		return nil, err
	}
	return s.ensure(ctx, p, secret)
}

func (s *KeyPairService) systemPrincipal(kind PrincipalKind, secret []byte) (Principal, []byte, error) {
	switch kind {
	case KindSystem:
		if secret == nil {
			secret = s.cfg.InstanceSecret
		}
		return SystemPrincipal, secret, nil
	case KindRecovery:
		return RecoveryPrincipal, secret, nil
	default:
		return Principal{}, nil, NewValidationError("kind", kind, "expected SYSTEM or RECOVERY")
	}
}

func (s *KeyPairService) ensure(ctx context.Context, p Principal, secret []byte) (*KeyPair, error) {
	if len(secret) == 0 {
		return nil, NewValidationError("secret", nil, "secret cannot be empty")
	}

	v, err, _ := s.group.Do(p.Key(), func() (any, error) {
		kp, err := s.store.GetKeyPair(ctx, p)
		if err == nil {
			return kp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		kp, err = s.generate(p, secret)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair for %s: %w", p, err)
		}
		if err := s.store.CreateKeyPair(ctx, kp); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return s.store.GetKeyPair(ctx, p)
			}
			return nil, err
		}
		s.log.WithField("principal", p.Key()).Info("created key pair")
		return kp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyPair).Clone(), nil
}

// generate creates a fresh pair and wraps its private half under secret.
func (s *KeyPairService) generate(p Principal, secret []byte) (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(s.rand)
	if err != nil {
		return nil, fmt.Errorf("failed to generate X25519 key: %w", err)
	}
	defer zero(priv[:])

	kp := &KeyPair{
		Principal: p,
		PublicKey: append([]byte(nil), pub[:]...),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.wrapPrivate(kp, priv[:], secret); err != nil {
		return nil, err
	}
	return kp, nil
}

// wrapPrivate seals scalar into kp under a fresh salt.
func (s *KeyPairService) wrapPrivate(kp *KeyPair, scalar, secret []byte) error {
	spec, err := newKDFSpec(kp.Principal.Kind, s.cfg, s.rand)
	if err != nil {
		return err
	}
	key, err := spec.deriveKey(secret)
	if err != nil {
		return err
	}
	defer zero(key)

	engine, err := NewAESGCMEngine(key)
	if err != nil {
		return err
	}
	nonce, err := randomBytes(s.rand, engine.NonceSize())
	if err != nil {
		return err
	}
	ct, err := engine.Seal(nonce, scalar, []byte(privateKeyAAD+kp.Principal.Key()))
	if err != nil {
		return err
	}

	kp.setKDF(spec)
	kp.WrappedPrivateKey = append(nonce, ct...)
	return nil
}

// openPrivate reverses wrapPrivate.
func (s *KeyPairService) openPrivate(kp *KeyPair, secret []byte) (*PrivateKey, error) {
	key, err := kp.kdf().deriveKey(secret)
	if err != nil {
		return nil, &WrongSecretError{Principal: kp.Principal, Err: err}
	}
	defer zero(key)

	engine, err := NewAESGCMEngine(key)
	if err != nil {
		return nil, err
	}
	ns := engine.NonceSize()
	if len(kp.WrappedPrivateKey) < ns+engine.Overhead() {
		return nil, fmt.Errorf("%w: wrapped private key of %s is truncated", ErrInvalidKey, kp.Principal)
	}
	scalar, err := engine.Open(kp.WrappedPrivateKey[:ns], kp.WrappedPrivateKey[ns:], []byte(privateKeyAAD+kp.Principal.Key()))
	if err != nil {
		return nil, &WrongSecretError{Principal: kp.Principal, Err: err}
	}
	defer zero(scalar)

	priv, err := newPrivateKey(kp.Principal, scalar)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(priv.public[:], kp.PublicKey) != 1 {
		priv.Zero()
		return nil, fmt.Errorf("%w: private key of %s does not match its public key", ErrInvalidKey, kp.Principal)
	}
	return priv, nil
}

func (s *KeyPairService) load(ctx context.Context, p Principal) (*KeyPair, error) {
	kp, err := s.store.GetKeyPair(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return nil, &NoKeyPairError{Principal: p}
	}
	return kp, err
}

// UnlockPrivateKey unwraps the user's private key with loginSecret.
func (s *KeyPairService) UnlockPrivateKey(ctx context.Context, userID string, loginSecret []byte) (*PrivateKey, error) {
	kp, err := s.load(ctx, User(userID))
	if err != nil {
		return nil, err
	}
	return s.openPrivate(kp, loginSecret)
}

// UnlockSystemKey unwraps the SYSTEM or RECOVERY private key.
func (s *KeyPairService) UnlockSystemKey(ctx context.Context, kind PrincipalKind, secret []byte) (*PrivateKey, error) {
	p, secret, err := s.systemPrincipal(kind, secret)
	if err != nil {
		return nil, err
	}
	kp, err := s.load(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.openPrivate(kp, secret)
}

// RewrapPrivateKey re-encrypts the user's private key under newSecret. The
// stored record is replaced by compare-and-swap, so the old form stays valid
// until the new one is in place.
func (s *KeyPairService) RewrapPrivateKey(ctx context.Context, userID string, oldSecret, newSecret []byte) error {
	if len(newSecret) == 0 {
		return NewValidationError("secret", nil, "new secret cannot be empty")
	}
	kp, err := s.load(ctx, User(userID))
	if err != nil {
		return err
	}
	priv, err := s.openPrivate(kp, oldSecret)
	if err != nil {
		return err
	}
	defer priv.Zero()

	next := kp.Clone()
	if err := s.wrapPrivate(next, priv.private[:], newSecret); err != nil {
		return err
	}
	if err := s.store.UpdateKeyPair(ctx, kp, next); err != nil {
		return fmt.Errorf("failed to store rewrapped key of %s: %w", kp.Principal, err)
	}
	s.log.WithField("principal", kp.Principal.Key()).Info("rewrapped private key")
	return nil
}

// PublicKeys returns the public keys of principals, in order.
func (s *KeyPairService) PublicKeys(ctx context.Context, principals []Principal) ([]PublicKey, error) {
	keys := make([]PublicKey, 0, len(principals))
	for _, p := range principals {
		kp, err := s.load(ctx, p)
		if err != nil {
			return nil, err
		}
		pk, err := publicKeyOf(kp)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

// HasKeyPair reports whether p has a stored key pair.
func (s *KeyPairService) HasKeyPair(ctx context.Context, p Principal) (bool, error) {
	_, err := s.store.GetKeyPair(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// EscrowForRecovery stores priv sealed to the RECOVERY public key on the
// owner's key pair record.
func (s *KeyPairService) EscrowForRecovery(ctx context.Context, priv *PrivateKey) error {
	recovery, err := s.load(ctx, RecoveryPrincipal)
	if err != nil {
		return err
	}
	recoveryPub, err := publicKeyOf(recovery)
	if err != nil {
		return err
	}

	msg := append(append([]byte(nil), priv.private[:]...), priv.Principal.Key()...)
	defer zero(msg)
	sealed, err := box.SealAnonymous(nil, msg, &recoveryPub.Key, s.rand)
	if err != nil {
		return fmt.Errorf("failed to seal recovery escrow: %w", err)
	}

	return s.updateEscrow(ctx, priv.Principal, sealed)
}

// ClearEscrow removes the recovery escrow of p, if any.
func (s *KeyPairService) ClearEscrow(ctx context.Context, p Principal) error {
	return s.updateEscrow(ctx, p, nil)
}

func (s *KeyPairService) updateEscrow(ctx context.Context, p Principal, escrow []byte) error {
	for attempt := 0; attempt < 3; attempt++ {
		kp, err := s.load(ctx, p)
		if err != nil {
			return err
		}
		if len(kp.RecoveryEscrow) == 0 && len(escrow) == 0 {
			return nil
		}
		next := kp.Clone()
		next.RecoveryEscrow = escrow
		err = s.store.UpdateKeyPair(ctx, kp, next)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("failed to update recovery escrow of %s: %w", p, ErrConflict)
}

// RecoverUserKeyPair restores a user's access after a lost login secret:
// the escrowed private key is opened with the RECOVERY key and rewrapped
// under newSecret. The user's public key, and so every wrapped content key,
// stays valid.
func (s *KeyPairService) RecoverUserKeyPair(ctx context.Context, userID string, recoveryPassphrase, newSecret []byte) error {
	if len(newSecret) == 0 {
		return NewValidationError("secret", nil, "new secret cannot be empty")
	}
	p := User(userID)
	kp, err := s.load(ctx, p)
	if err != nil {
		return err
	}
	if len(kp.RecoveryEscrow) == 0 {
		return fmt.Errorf("no recovery escrow for %s: %w", p, ErrNotFound)
	}

	recovery, err := s.UnlockSystemKey(ctx, KindRecovery, recoveryPassphrase)
	if err != nil {
		return err
	}
	defer recovery.Zero()

	msg, ok := box.OpenAnonymous(nil, kp.RecoveryEscrow, &recovery.public, &recovery.private)
	if !ok {
		return &UnwrapAuthenticationError{Principal: RecoveryPrincipal, Message: "recovery escrow of " + p.Key() + " does not authenticate", Err: ErrAuthFailed}
	}
	defer zero(msg)
	if len(msg) != privateKeySize+len(p.Key()) || string(msg[privateKeySize:]) != p.Key() {
		return &UnwrapAuthenticationError{Principal: RecoveryPrincipal, Message: "recovery escrow belongs to another principal"}
	}

	priv, err := newPrivateKey(p, msg[:privateKeySize])
	if err != nil {
		return err
	}
	defer priv.Zero()
	if subtle.ConstantTimeCompare(priv.public[:], kp.PublicKey) != 1 {
		return fmt.Errorf("%w: escrowed key of %s does not match its public key", ErrInvalidKey, p)
	}

	next := kp.Clone()
	if err := s.wrapPrivate(next, priv.private[:], newSecret); err != nil {
		return err
	}
	if err := s.store.UpdateKeyPair(ctx, kp, next); err != nil {
		return fmt.Errorf("failed to store recovered key of %s: %w", p, err)
	}
	s.log.WithField("principal", p.Key()).Warn("user key pair recovered with the recovery key")
	return nil
}
