// Package identity handles the canonical hex addresses that key every map
// in the relay: validation, normalization, EIP-55 checksum display, and
// derivation from a public key.
package identity

import (
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidAddress is returned for anything that is not 0x + 40 hex digits.
var ErrInvalidAddress = errors.New("invalid address")

var addrPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Valid reports whether s is a well-formed identity address (any case).
func Valid(s string) bool {
	return addrPattern.MatchString(s)
}

// Normalize validates s and returns its canonical lower-case form.
// All registry, queue and key-directory lookups key on this form.
func Normalize(s string) (string, error) {
	if !addrPattern.MatchString(s) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(s), nil
}

// FromPublicKey derives an identity address from a public key: the last 20
// bytes of the Keccak-256 digest, hex-encoded with a 0x prefix.
func FromPublicKey(pub []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[len(sum)-20:])
}

// Checksum returns the EIP-55 mixed-case form of addr for display.
// The input must be a valid address; state is never keyed on this form.
func Checksum(addr string) (string, error) {
	norm, err := Normalize(addr)
	if err != nil {
		return "", err
	}
	body := norm[2:]
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(body))
	digest := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out), nil
}
