// Package security masks credentials before they reach the logs
package security

import (
	"net/http"
	"strings"
)

// MaskSecret shows the first prefixLen characters followed by "...".
// Secrets no longer than prefixLen are fully replaced by "***".
//
//	MaskSecret("sk_test_abc123", 4) -> "sk_t..."
//	MaskSecret("short", 8) -> "***"
func MaskSecret(secret string, prefixLen int) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= prefixLen {
		return "***"
	}
	return secret[:prefixLen] + "..."
}

// MaskToken masks bearer and control tokens, keeping 4 characters
func MaskToken(token string) string {
	return MaskSecret(token, 4)
}

var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"X-Api-Key":           true,
	"X-Auth-Token":        true,
	"Proxy-Authorization": true,
	"Cookie":              true,
}

// MaskSensitiveHeaders returns a copy of headers with credentials masked.
// Keys are expected in canonical form, as on any parsed request.
func MaskSensitiveHeaders(headers http.Header) http.Header {
	masked := make(http.Header, len(headers))

	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		if !sensitiveHeaders[key] {
			masked[key] = append([]string(nil), values...)
			continue
		}

		value := values[0]
		switch key {
		case "Authorization", "Proxy-Authorization":
			if token, ok := strings.CutPrefix(value, "Bearer "); ok {
				masked.Set(key, "Bearer "+MaskToken(token))
			} else {
				masked.Set(key, MaskSecret(value, 4))
			}
		case "Cookie":
			masked.Set(key, "***cookie***")
		default:
			masked.Set(key, MaskToken(value))
		}
	}

	return masked
}
