package logs

import (
	"net/http"
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

// Sensitive header names that should be redacted in logs.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-access-token":      true,
	"x-refresh-token":     true,
}

var sensitiveParamPattern = regexp.MustCompile(`(?i)\b(access_token|refresh_token|id_token|client_secret|code_verifier|code|state|password|token)=[^&\s]+`)

// RedactURL redacts sensitive query parameters from a URL string.
// The OAuth state is redacted as well since it carries the session id.
func RedactURL(urlStr string) string {
	if urlStr == "" {
		return urlStr
	}
	return sensitiveParamPattern.ReplaceAllStringFunc(urlStr, func(match string) string {
		key, _, _ := strings.Cut(match, "=")
		return key + "=" + redacted
	})
}

// RedactHeaders creates a copy of headers with sensitive values redacted.
func RedactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			out[key] = redacted
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
