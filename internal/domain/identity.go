package domain

import (
	"encoding/hex"
	"strings"
)

// Identity is a ledger account address, stored as 0x-prefixed lowercase hex.
type Identity string

// ParseIdentity validates s as a 20-byte hex address and canonicalises it.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "", Invalid("identity %q: missing 0x prefix", s)
	}
	raw := s[2:]
	if len(raw) != 40 {
		return "", Invalid("identity %q: want 40 hex digits", s)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", Invalid("identity %q: not hex", s)
	}
	return Identity("0x" + strings.ToLower(raw)), nil
}

// MustIdentity is ParseIdentity for constants and tests.
func MustIdentity(s string) Identity {
	id, err := ParseIdentity(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (i Identity) String() string { return string(i) }

// IsZero reports whether i is empty or the zero address.
func (i Identity) IsZero() bool {
	return i == "" || i == "0x0000000000000000000000000000000000000000"
}

// Equal compares two identities ignoring hex case.
func (i Identity) Equal(other Identity) bool {
	return strings.EqualFold(string(i), string(other))
}
