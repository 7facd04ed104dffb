package policy

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
	keyPattern    = regexp.MustCompile(`\b(?:sk|ek|rk)[-_][A-Za-z0-9_\-]{8,}\b`)
	secretPattern = regexp.MustCompile(`"(client_secret|credential|value|api_key)"\s*:\s*"[^"]*"`)

	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Redact masks credentials and common PII in text that leaves the process,
// such as error frames built from upstream response bodies.
func Redact(input string) (string, bool) {
	out, secrets := RedactSecrets(input)
	out, pii := RedactPII(out)
	return out, secrets || pii
}

// RedactSecrets masks bearer tokens, API keys and ephemeral session keys.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = secretPattern.ReplaceAllString(out, `"$1":"[REDACTED]"`)
	changed = changed || next != out
	out = next

	next = keyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone so card numbers are not classified as phones.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}
