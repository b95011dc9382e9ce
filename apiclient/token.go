package apiclient

import (
	"regexp"
	"strings"
)

var (
	preferredCookieRe = regexp.MustCompile(`(?i)(?:^|;\s*)(session|token)=([^;]+)`)
	anyCookieRe       = regexp.MustCompile(`(?:^|;\s*)([^=;]+)=([^;]+)`)
)

// NormalizeBearerToken reduces a stored token to a bare bearer value.
// Users paste tokens in many shapes: raw values, "Bearer x", whole
// cookie strings copied from devtools. All of them normalize to the
// naked token, or "" when nothing usable remains.
func NormalizeBearerToken(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if m := preferredCookieRe.FindStringSubmatch(trimmed); m != nil {
		trimmed = strings.TrimSpace(m[2])
	}
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "bearer "):
		trimmed = strings.TrimSpace(trimmed[7:])
	case strings.HasPrefix(lower, "session="):
		trimmed = strings.TrimSpace(trimmed[8:])
	case strings.HasPrefix(lower, "token="):
		trimmed = strings.TrimSpace(trimmed[6:])
	}
	return trimmed
}

// ParseCookieToken splits a raw token that may be a cookie string into
// the token value and the cookie name it was found under. Name
// preference: session, then token, then whatever key appears first.
// The name is "" for bare tokens.
func ParseCookieToken(raw string) (token, cookieName string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ""
	}
	var cookieValue string
	if m := preferredCookieRe.FindStringSubmatch(trimmed); m != nil {
		cookieName = strings.ToLower(m[1])
		cookieValue = strings.TrimSpace(m[2])
	} else if m := anyCookieRe.FindStringSubmatch(trimmed); m != nil {
		cookieName = strings.TrimSpace(m[1])
		cookieValue = strings.TrimSpace(m[2])
	}
	token = NormalizeBearerToken(trimmed)
	if token == "" {
		token = cookieValue
	}
	return token, cookieName
}
