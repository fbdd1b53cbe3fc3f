package http

import (
	"fmt"
	"regexp"
)

const (
	// MaxLoggedResponseLength is the maximum length of response text to include in logs.
	// Responses longer than this are truncated to prevent logging sensitive data.
	MaxLoggedResponseLength = 200
)

// TruncateForLogging safely truncates a response string for logging purposes.
// This prevents logging of potentially sensitive user data (source code, secrets, etc.)
// to log aggregators while still providing enough context for debugging.
//
// Returns the first MaxLoggedResponseLength characters plus a truncation indicator if truncated.
func TruncateForLogging(response string) string {
	if len(response) <= MaxLoggedResponseLength {
		return response
	}
	return response[:MaxLoggedResponseLength] + fmt.Sprintf("... [truncated, total length=%d bytes]", len(response))
}

// RedactSensitiveData performs basic redaction of potentially sensitive patterns.
// This is a defense-in-depth measure in addition to truncation.
func RedactSensitiveData(text string) string {
	// Redact common secret patterns
	redacted := text

	// API keys (basic pattern: long alphanumeric strings)
	// This is a simple heuristic and not comprehensive
	redacted = redactPattern(redacted, `[a-zA-Z0-9]{32,}`, "[REDACTED-KEY]")

	return redacted
}

// redactPattern replaces every match of the regex pattern in text with replacement.
func redactPattern(text, pattern, replacement string) string {
	return regexp.MustCompile(pattern).ReplaceAllString(text, replacement)
}

// urlSecretParam matches the value of a key/apiKey/api_key query parameter.
var urlSecretParam = regexp.MustCompile(`([?&](?:key|apiKey|api_key)=)[^&"\s]+`)

// RedactURLSecrets replaces the values of key, apiKey and api_key query
// parameters in text (a URL or a message containing one) with "[REDACTED]".
// Other parameters are left as they are.
func RedactURLSecrets(text string) string {
	return urlSecretParam.ReplaceAllString(text, "${1}[REDACTED]")
}

// SafeLogResponse combines truncation for safe logging.
// Use this function when logging LLM responses that may contain user data.
func SafeLogResponse(response string) string {
	return TruncateForLogging(response)
}
