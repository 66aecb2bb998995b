package sanitize

import "regexp"

// Injection markers rejected in every string argument. Patterns require
// syntax, not bare keywords, so prose like "select a city from the list"
// passes.
var injectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	// script
	{regexp.MustCompile(`(?i)<\s*/?\s*script\b`), "script tag"},
	{regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`), "script URL"},
	{regexp.MustCompile(`(?i)<\s*(iframe|object|embed|form)\b`), "embedded content tag"},
	{regexp.MustCompile(`(?i)<[^>]*\bon(load|error|click|mouseover|focus)\s*=`), "inline event handler"},

	// SQL
	{regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`), "SQL injection"},
	{regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter|insert|update|create)\s+\w`), "SQL injection (stacked statement)"},
	{regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`), "SQL injection"},
	{regexp.MustCompile(`(?i)'\s*or\s+'?[\w]+'?\s*=\s*'?[\w]+`), "SQL injection (tautology)"},
	{regexp.MustCompile(`'\s*;?\s*--`), "SQL comment injection"},

	// shell
	{regexp.MustCompile(`(?i);\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|exec)\b`), "command injection"},
	{regexp.MustCompile(`(?i)(\||&&)\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh)\b`), "command injection (pipe/chain)"},
	{regexp.MustCompile(`\$\([^)]*\)`), "command substitution"},
	{regexp.MustCompile("`[^`]*`"), "backtick command execution"},

	// filesystem
	{regexp.MustCompile(`\.\.[/\\]`), "path traversal"},
}

// detectInjection returns a description of the first marker found in s.
func detectInjection(s string) (string, bool) {
	for _, p := range injectionPatterns {
		if p.re.MatchString(s) {
			return p.detail, true
		}
	}
	return "", false
}
