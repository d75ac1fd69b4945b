package util

import (
	"strings"
)

// brazilCountryCode prefixes Brazilian numbers; legacy mobile numbers lack the ninth digit.
const brazilCountryCode = "55"

// CanonicalPhone normalizes a phone identifier to digits only and restores the
// ninth digit of legacy Brazilian mobile numbers ("55"+DDD+8 digits). It is
// idempotent: CanonicalPhone(CanonicalPhone(x)) == CanonicalPhone(x).
func CanonicalPhone(raw string) string {
	// JIDs arrive as "5511...@s.whatsapp.net" and device suffixes as "5511...:12".
	if i := strings.IndexAny(raw, "@:"); i >= 0 && !strings.HasPrefix(raw, "whatsapp:") {
		raw = raw[:i]
	}
	var b strings.Builder
	b.Grow(len(raw) + 1)
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, brazilCountryCode) && len(digits) == 12 {
		digits = digits[:4] + "9" + digits[4:]
	}
	return digits
}
