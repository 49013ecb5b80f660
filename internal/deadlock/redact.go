package deadlock

import "regexp"

// Placeholders written by Redact. None of them can match a redaction pattern,
// which keeps Redact idempotent.
const (
	PlaceholderEmail = "[EMAIL]"
	PlaceholderUUID  = "[UUID]"
	PlaceholderToken = "[TOKEN]"
	PlaceholderID    = "[ID]"
)

type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Applied in order: emails and tokens before digit runs so that an id inside
// an email address is not half-redacted.
var redactions = []redaction{
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`), PlaceholderEmail},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), PlaceholderUUID},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), PlaceholderToken},
	{regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=\-]+`), "${1} " + PlaceholderToken},
	{regexp.MustCompile(`(?i)\b(api[_\-]?key|access[_\-]?token|auth[_\-]?token|token|secret|password|passwd|pwd|key)\s*[=:]\s*'?[^\s',;)]+`), "${1}=" + PlaceholderToken},
	{regexp.MustCompile(`\d{5,}`), PlaceholderID},
}

// Redact masks values that look like personal data or credentials: email
// addresses, UUIDs, JWTs, bearer tokens, key=value secrets and runs of five or
// more digits, including runs inside words such as 'INV2024000123'.
// Redact(Redact(s)) == Redact(s).
func Redact(text string) string {
	if text == "" {
		return text
	}
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

// RedactAll redacts every value and returns a new slice.
func RedactAll(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Redact(v)
	}
	return out
}
