package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidPatientID  = errors.New("patient id must be a positive integer")
)

const (
	maxNameRunes       = 128
	maxProviderKeySize = 64
)

var (
	addressPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	providerKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

// NormalizeAddress validates an address-like identifier (0x + 40 hex chars)
// and returns its lowercase canonical form.
func NormalizeAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !addressPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q is not a 0x-prefixed 20 byte address", ErrInvalidIdentifier, raw)
	}
	return strings.ToLower(s), nil
}

// IsAddress reports whether raw is a well-formed address.
func IsAddress(raw string) bool {
	_, err := NormalizeAddress(raw)
	return err == nil
}

// NormalizeProviderRef accepts either an address or an opaque provider key.
// Anything starting with 0x is treated as an address and must be one.
func NormalizeProviderRef(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty provider reference", ErrInvalidIdentifier)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return NormalizeAddress("0x" + s[2:])
	}
	if len(s) > maxProviderKeySize || !providerKeyPattern.MatchString(s) {
		return "", fmt.Errorf("%w: malformed provider key %q", ErrInvalidIdentifier, raw)
	}
	return strings.ToLower(s), nil
}

// NormalizeName validates a name-like identifier (display names, patient
// names). Surrounding whitespace is dropped, inner whitespace collapsed.
func NormalizeName(raw string) (string, error) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidIdentifier)
	}
	if utf8.RuneCountInString(s) > maxNameRunes {
		return "", fmt.Errorf("%w: name longer than %d characters", ErrInvalidIdentifier, maxNameRunes)
	}
	return s, nil
}

func ValidatePatientID(id int64) error {
	if id <= 0 {
		return ErrInvalidPatientID
	}
	return nil
}

// SameIdentity compares two raw identifiers after canonicalization.
func SameIdentity(a, b string) bool {
	na, errA := NormalizeProviderRef(a)
	nb, errB := NormalizeProviderRef(b)
	return errA == nil && errB == nil && na == nb
}
