package envelopefs

import (
	"fmt"
	"strings"
)

// PrincipalKind tags the entities that can decrypt a file on their own.
type PrincipalKind uint8

const (
	// KindUser is a regular account
	KindUser PrincipalKind = iota
	// KindSystem is the instance-wide principal used in master-key mode
	KindSystem
	// KindRecovery is the administrator-held recovery key
	KindRecovery
)

func (k PrincipalKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindSystem:
		return "system"
	case KindRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Principal identifies a user, the SYSTEM pseudo-principal or the RECOVERY
// pseudo-principal.
type Principal struct {
	ID   string        `json:"id"`
	Kind PrincipalKind `json:"kind"`
}

var (
	// SystemPrincipal wraps every content key in master-key mode.
	SystemPrincipal = Principal{ID: "system", Kind: KindSystem}
	// RecoveryPrincipal can unwrap content keys and escrowed user keys.
	RecoveryPrincipal = Principal{ID: "recovery", Kind: KindRecovery}
)

// User returns the principal for a user account.
func User(id string) Principal {
	return Principal{ID: id, Kind: KindUser}
}

// Key returns the stable storage key of the principal.
func (p Principal) Key() string {
	switch p.Kind {
	case KindUser:
		return "user:" + p.ID
	default:
		return p.Kind.String()
	}
}

func (p Principal) String() string {
	return p.Key()
}

// Validate rejects principals that cannot be stored.
func (p Principal) Validate() error {
	switch p.Kind {
	case KindUser:
		if p.ID == "" {
			return NewValidationError("principal", p, "user id cannot be empty")
		}
		if strings.ContainsAny(p.ID, "/\x00") {
			return NewValidationError("principal", p.ID, "user id cannot contain '/' or NUL")
		}
		return nil
	case KindSystem, KindRecovery:
		return nil
	default:
		return NewValidationError("principal", p, "unknown principal kind")
	}
}

// ParsePrincipal parses the output of Principal.Key.
func ParsePrincipal(key string) (Principal, error) {
	switch {
	case key == "system":
		return SystemPrincipal, nil
	case key == "recovery":
		return RecoveryPrincipal, nil
	case strings.HasPrefix(key, "user:"):
		p := User(strings.TrimPrefix(key, "user:"))
		return p, p.Validate()
	default:
		return Principal{}, fmt.Errorf("invalid principal key %q", key)
	}
}
