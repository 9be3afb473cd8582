package memory

import "regexp"

// redaction is one compiled scrub pattern. Order matters: the specific
// token patterns must run before the generic long-base64 pattern, or
// the generic one would swallow them with a less informative label.
type redaction struct {
	name    string
	pattern *regexp.Regexp
	repl    string
}

var redactions = []redaction{
	{
		name:    "private_key_block",
		pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		repl:    "[REDACTED_PRIVATE_KEY]",
	},
	{
		name:    "jwt",
		pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
		repl:    "[REDACTED_JWT]",
	},
	{
		name:    "anthropic_token",
		pattern: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{16,}\b`),
		repl:    "[REDACTED_ANTHROPIC_KEY]",
	},
	{
		name:    "openai_token",
		pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`),
		repl:    "[REDACTED_API_KEY]",
	},
	{
		name:    "github_token",
		pattern: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
		repl:    "[REDACTED_GITHUB_TOKEN]",
	},
	{
		name:    "slack_token",
		pattern: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
		repl:    "[REDACTED_SLACK_TOKEN]",
	},
	{
		name:    "aws_access_key",
		pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		repl:    "[REDACTED_AWS_KEY]",
	},
	{
		name:    "bearer_token",
		pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
		repl:    "Bearer [REDACTED_TOKEN]",
	},
	{
		name:    "ssh_key",
		pattern: regexp.MustCompile(`\bssh-(rsa|ed25519|dss) [A-Za-z0-9+/=]{40,}`),
		repl:    "[REDACTED_SSH_KEY]",
	},
	{
		name:    "db_uri",
		pattern: regexp.MustCompile(`\b(postgres(ql)?|mysql|mongodb(\+srv)?|redis|amqp)://[^\s@]+@[^\s]+`),
		repl:    "[REDACTED_DB_URI]",
	},
	{
		name:    "env_assignment",
		pattern: regexp.MustCompile(`(?i)\b([A-Z0-9_]*(PASSWORD|SECRET|TOKEN|API_KEY|APIKEY|CREDENTIALS?)[A-Z0-9_]*)\s*=\s*[^\s]+`),
		repl:    "$1=[REDACTED]",
	},
	{
		// Generic catch-all, last on purpose.
		name:    "long_base64",
		pattern: regexp.MustCompile(`\b[A-Za-z0-9+/]{48,}={0,2}\b`),
		repl:    "[REDACTED_BASE64]",
	},
}

// Scrub removes secret material from text. Every replacement string is
// a fixed point of Scrub, so scrubbing is idempotent.
func Scrub(text string) string {
	s := text
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.repl)
	}
	return s
}
