package lifecycle

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxBaseNameLen caps the sanitized base before the uniqueness suffix.
const MaxBaseNameLen = 40

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	dashRuns         = regexp.MustCompile(`-+`)
)

// Sanitize canonicalizes user input into a DNS-safe base name:
// lowercase, invalid runs to single dashes, trimmed, never empty, capped at
// MaxBaseNameLen. Sanitize is idempotent.
func Sanitize(input string) string {
	s := strings.ToLower(strings.TrimSpace(input))
	s = invalidNameChars.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "vm"
	}
	if len(s) > MaxBaseNameLen {
		s = s[:MaxBaseNameLen]
		s = strings.Trim(s, "-")
	}
	return s
}

// suffix returns 4 random hex characters for name uniqueness.
func suffix() string {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand is the process entropy source; if it fails the
		// process has bigger problems, but a fixed suffix still yields a
		// valid (if collision-prone) name.
		return "0000"
	}
	return hex.EncodeToString(b[:])
}

// CanonicalName builds `sanitize(input) + "-" + 4-hex`, the only
// identifier used for hostname, cloud-init, and the subdomain route.
func CanonicalName(input string) string {
	return Sanitize(input) + "-" + suffix()
}
