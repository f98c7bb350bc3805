package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ShortLen is the number of hex characters used in image tags and log fields.
const ShortLen = 12

// Fingerprint is the hex-encoded SHA-256 digest of trimmed code text.
type Fingerprint string

// Of returns the fingerprint of code. It is pure and never fails.
func Of(code string) Fingerprint {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Short returns the leading ShortLen characters of the fingerprint.
func (f Fingerprint) Short() string {
	if len(f) <= ShortLen {
		return string(f)
	}
	return string(f[:ShortLen])
}

func (f Fingerprint) String() string {
	return string(f)
}
