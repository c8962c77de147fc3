package log

import (
	"crypto/sha256"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// MaskSecret hides all but the ends of a credential-bearing value, such as
// a DSN, for display.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > 20 {
		return s[:10] + "***" + s[len(s)-7:]
	}
	return "***"
}

// MaskURL replaces the password of a URL-style DSN, keeping the rest
// readable. Values that do not parse as a URL with user info fall back to
// MaskSecret.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil || u.Scheme == "" {
		return MaskSecret(raw)
	}
	return u.Redacted()
}

// Fingerprint identifies a secret in logs without revealing it.
func Fingerprint(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("sha256:%x", sum[:6])
}

// Secret is a zap field carrying the fingerprint of a secret.
func Secret(key, value string) zap.Field {
	return zap.String(key, Fingerprint(value))
}
