package logging

import (
	"regexp"
	"strings"
)

const (
	// MaxValueLogLength is the maximum length of a parameter value to log.
	MaxValueLogLength = 100
	// RedactedText is the replacement text for sensitive data.
	RedactedText = "[REDACTED]"
)

var (
	// Matches password=xxx, pwd=xxx, pass=xxx (until next delimiter).
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches potential API keys embedded in string values.
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret)=[A-Za-z0-9-_]{16,}`)

	// Matches connection string credentials (user:pass@host format).
	connStringPattern = regexp.MustCompile(`://[^:]+:[^@]+@[^/\s]+`)

	// Parameter keys whose values are redacted wholesale.
	secretKeyFragments = []string{"password", "secret", "token", "credential", "api_key", "apikey"}
)

// SanitizeParams returns a copy of action parameters safe for logging and
// audit payloads. Secret-looking keys are redacted wholesale; string values
// are scrubbed for embedded credentials and truncated.
func SanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSecretKey(k) {
			out[k] = RedactedText
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = SanitizeValue(s)
			continue
		}
		out[k] = v
	}
	return out
}

// SanitizeValue scrubs credential patterns from a string value and truncates it.
func SanitizeValue(s string) string {
	if s == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return TruncateString(sanitized, MaxValueLogLength)
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Use this before persisting executor errors to an action's error message.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
