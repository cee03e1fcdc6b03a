package model

import (
	"strings"

	"github.com/google/uuid"
)

// IsCanonicalUUID reports whether s is a hyphenated RFC 4122 UUID of version 1-5.
// Braced, URN and unhyphenated forms are rejected.
func IsCanonicalUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	v := u.Version()
	return v >= 1 && v <= 5 && u.Variant() == uuid.RFC4122
}

// CanonicalID lowercases UUID-shaped identifiers so lookups are case-insensitive
// the same way a uuid column would be. Other strings are only trimmed.
func CanonicalID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 36 {
		if u, err := uuid.Parse(s); err == nil {
			return u.String()
		}
	}
	return s
}

func NewID() string {
	return uuid.NewString()
}
