package command

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Secret is the pre-shared control-port password.  A value that looks
// like a bcrypt hash is verified with bcrypt; anything else is compared
// in constant time.
type Secret struct {
	plain  []byte
	hashed []byte
}

// NewSecret builds a Secret from its configured form.
func NewSecret(s string) Secret {
	if IsBcryptHash(s) {
		return Secret{hashed: []byte(s)}
	}
	return Secret{plain: []byte(s)}
}

// IsBcryptHash reports whether s carries a bcrypt prefix.
func IsBcryptHash(s string) bool {
	for _, p := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Verify reports whether password matches.
func (s Secret) Verify(password []byte) bool {
	if s.hashed != nil {
		return bcrypt.CompareHashAndPassword(s.hashed, password) == nil
	}
	return subtle.ConstantTimeCompare(s.plain, password) == 1
}
