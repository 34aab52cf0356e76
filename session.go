package envelopefs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SecretProvider supplies a user's login secret when a session needs to
// unlock the private key. The returned slice is zeroed after use.
type SecretProvider func(ctx context.Context, userID string) ([]byte, error)

// Session caches unlocked private keys and content keys in memory. Cached
// keys are zeroed when they expire, on Invalidate and on Close; callers only
// ever receive copies. A Session must not be shared between principals that
// should not see each other's keys.
type Session struct {
	keys    *KeyPairService
	secrets SecretProvider
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	users   map[string]*sessionKey
	content map[string]map[string]*contentEntry // userID -> fileID
	closed  bool

	group singleflight.Group
}

type sessionKey struct {
	key     *PrivateKey
	expires time.Time
}

type contentEntry struct {
	key     []byte
	expires time.Time
}

// NewSession creates a session. A zero ttl keeps keys until Invalidate.
func NewSession(keys *KeyPairService, secrets SecretProvider, ttl time.Duration) *Session {
	return &Session{
		keys:    keys,
		secrets: secrets,
		ttl:     ttl,
		now:     time.Now,
		users:   make(map[string]*sessionKey),
		content: make(map[string]map[string]*contentEntry),
	}
}

// Get returns a copy of the user's unlocked private key, unlocking it on
// first use. The copy belongs to the caller, who should Zero it when done;
// expiry or Invalidate never touch it.
func (s *Session) Get(ctx context.Context, userID string) (*PrivateKey, error) {
	if k, ok := s.cached(userID); ok {
		return k, nil
	}

	_, err, _ := s.group.Do(userID, func() (any, error) {
		if _, ok := s.cached(userID); ok {
			return nil, nil
		}
		if s.secrets == nil {
			return nil, errors.New("session has no secret provider")
		}
		secret, err := s.secrets(ctx, userID)
		if err != nil {
			return nil, err
		}
		defer zero(secret)

		priv, err := s.keys.UnlockPrivateKey(ctx, userID, secret)
		if err != nil {
			return nil, err
		}
		if err := s.Put(userID, priv); err != nil {
			priv.Zero()
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if k, ok := s.cached(userID); ok {
		return k, nil
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	return nil, fmt.Errorf("session key for %s was dropped while unlocking", userID)
}

// cached returns a copy of the cached key, taken under the lock so that a
// concurrent drop cannot zero it half way.
func (s *Session) cached(userID string) (*PrivateKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	if s.expiredLocked(e.expires) {
		s.dropLocked(userID)
		return nil, false
	}
	return e.key.clone(), true
}

func (s *Session) expiredLocked(expires time.Time) bool {
	return s.ttl > 0 && !s.now().Before(expires)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Put stores an already unlocked key, for example the one returned by Login.
// The session takes ownership of priv.
func (s *Session) Put(userID string, priv *PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if old, ok := s.users[userID]; ok && old.key != priv {
		old.key.Zero()
	}
	s.users[userID] = &sessionKey{key: priv, expires: s.now().Add(s.ttl)}
	return nil
}

// ContentKey returns a copy of a cached content key. Content keys expire on
// their own TTL, whether or not the user's private key is cached.
func (s *Session) ContentKey(userID, fileID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.users[userID]; ok && s.expiredLocked(e.expires) {
		s.dropLocked(userID)
		return nil, false
	}
	c, ok := s.content[userID][fileID]
	if !ok {
		return nil, false
	}
	if s.expiredLocked(c.expires) {
		zero(c.key)
		delete(s.content[userID], fileID)
		return nil, false
	}
	return append([]byte(nil), c.key...), true
}

// PutContentKey caches a copy of key.
func (s *Session) PutContentKey(userID, fileID string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	byFile, ok := s.content[userID]
	if !ok {
		byFile = make(map[string]*contentEntry)
		s.content[userID] = byFile
	}
	if old, ok := byFile[fileID]; ok {
		zero(old.key)
	}
	byFile[fileID] = &contentEntry{key: append([]byte(nil), key...), expires: s.now().Add(s.ttl)}
}

// ForgetContentKey drops one cached content key, for every user.
func (s *Session) ForgetContentKey(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, byFile := range s.content {
		if c, ok := byFile[fileID]; ok {
			zero(c.key)
			delete(byFile, fileID)
		}
	}
}

// Invalidate zeroes and drops the user's private key and content keys, on
// logout or password change.
func (s *Session) Invalidate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(userID)
}

func (s *Session) dropLocked(userID string) {
	if e, ok := s.users[userID]; ok {
		e.key.Zero()
		delete(s.users, userID)
	}
	for _, c := range s.content[userID] {
		zero(c.key)
	}
	delete(s.content, userID)
}

// Close clears every key. Further Puts fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID := range s.users {
		s.dropLocked(userID)
	}
	for userID := range s.content {
		s.dropLocked(userID)
	}
	s.closed = true
}
