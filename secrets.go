package envelopefs

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
)

// StaticSecrets returns a SecretProvider that serves the given secrets. The
// map and its values are copied, and every call returns a fresh copy because
// callers zero what they receive.
func StaticSecrets(secrets map[string][]byte) SecretProvider {
	held := make(map[string][]byte, len(secrets))
	for id, s := range secrets {
		held[id] = append([]byte(nil), s...)
	}
	return func(_ context.Context, userID string) ([]byte, error) {
		s, ok := held[userID]
		if !ok {
			return nil, fmt.Errorf("no secret for %s: %w", userID, ErrNotFound)
		}
		return append([]byte(nil), s...), nil
	}
}

// EnvSecrets returns a SecretProvider that reads the secret of a user from
// the environment variable EnvSecretName(prefix, userID).
func EnvSecrets(prefix string) SecretProvider {
	return func(_ context.Context, userID string) ([]byte, error) {
		name := EnvSecretName(prefix, userID)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil, fmt.Errorf("environment variable %s not set: %w", name, ErrNotFound)
		}
		return []byte(v), nil
	}
}

// EnvSecretName maps a user ID to an environment variable name: the ID is
// upper-cased and every byte outside [A-Z0-9] becomes an underscore.
func EnvSecretName(prefix, userID string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range strings.ToUpper(userID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ChainSecrets tries each provider in order and returns the first secret
// found. If all fail, the combined error is returned.
func ChainSecrets(providers ...SecretProvider) SecretProvider {
	return func(ctx context.Context, userID string) ([]byte, error) {
		var errs error
		for _, p := range providers {
			if p == nil {
				continue
			}
			s, err := p(ctx, userID)
			if err == nil {
				return s, nil
			}
			errs = multierr.Append(errs, err)
		}
		if errs == nil {
			return nil, fmt.Errorf("no secret for %s: %w", userID, ErrNotFound)
		}
		return nil, errs
	}
}
