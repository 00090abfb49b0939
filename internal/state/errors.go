package state

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates no state is stored for the identity.
	ErrNotFound = errors.New("state: not found")

	// ErrCorrupt indicates a stored document exists but is unreadable or
	// carries an unknown schema version.
	ErrCorrupt = errors.New("state: corrupt")

	// ErrInvalidIdentity indicates the identity cannot be used as a storage
	// key. This includes empty identities and path traversal attempts.
	ErrInvalidIdentity = errors.New("state: invalid identity")
)

// MaxIdentityLen bounds identity length so it stays a valid file name.
const MaxIdentityLen = 128

// ValidateIdentity checks that id is usable as a storage key.
func ValidateIdentity(id string) error {
	if id == "" || len(id) > MaxIdentityLen {
		return ErrInvalidIdentity
	}
	if strings.HasPrefix(id, ".") || strings.Contains(id, "..") {
		return ErrInvalidIdentity
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return ErrInvalidIdentity
	}
	return nil
}
