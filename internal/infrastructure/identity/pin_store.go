package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/davidleathers/guardian-core/internal/domain/credential"
)

// ErrUnsupportedMethod is returned when no hash is enrolled for a method
var ErrUnsupportedMethod = errors.New("credential method not enrolled")

// PINStore matches credentials against bcrypt hashes enrolled per method
// for a single owner subject.
type PINStore struct {
	subject string
	hashes  map[credential.Method][]byte
}

// NewPINStore enrolls the given hashes. Empty hashes leave a method
// unenrolled; malformed hashes are rejected.
func NewPINStore(subject, pinHash, secondaryHash string) (*PINStore, error) {
	s := &PINStore{
		subject: subject,
		hashes:  make(map[credential.Method][]byte),
	}
	for method, h := range map[credential.Method]string{
		credential.MethodPIN:       pinHash,
		credential.MethodSecondary: secondaryHash,
	} {
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid %s hash: %w", method, err)
		}
		s.hashes[method] = []byte(h)
	}
	return s, nil
}

// Enrolled reports whether a hash exists for method
func (s *PINStore) Enrolled(method credential.Method) bool {
	_, ok := s.hashes[method]
	return ok
}

// Match compares the credential with the enrolled hash. A mismatch is
// (false, nil); anything that prevents a comparison is an error.
func (s *PINStore) Match(ctx context.Context, c credential.Credential) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.Subject != s.subject {
		return false, nil
	}
	hash, ok := s.hashes[c.Method]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedMethod, c.Method)
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(c.Secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("compare %s hash: %w", c.Method, err)
	}
}

// HashSecret validates and hashes a secret for enrollment. PINs are 4-6
// digits; secondary passphrases need at least 8 characters.
func HashSecret(method credential.Method, secret string) (string, error) {
	if err := validateSecret(method, secret); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

func validateSecret(method credential.Method, secret string) error {
	switch method {
	case credential.MethodPIN:
		if len(secret) < 4 || len(secret) > 6 {
			return fmt.Errorf("pin must be 4-6 digits")
		}
		for _, r := range secret {
			if !unicode.IsDigit(r) {
				return fmt.Errorf("pin must be 4-6 digits")
			}
		}
	case credential.MethodSecondary:
		if len(strings.TrimSpace(secret)) < 8 {
			return fmt.Errorf("secondary passphrase must be at least 8 characters")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return nil
}
