package memory

import "regexp"

// secretPatterns match common credential formats. Memory content lives for
// a long time and surfaces in every future prompt, so anything that might
// be a secret is rejected at insert rather than stored.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sk-[a-zA-Z0-9\-]{20,}`),          // OpenAI / Anthropic keys
	regexp.MustCompile(`AIza[a-zA-Z0-9\-_]{35}`),             // Google API key
	regexp.MustCompile(`(?i)gh[ops]_[a-zA-Z0-9]{36}`),        // GitHub tokens
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),                   // AWS access key
	regexp.MustCompile(`(?i)eyJ[a-zA-Z0-9_\-]{20,}\.eyJ[a-zA-Z0-9_\-]+`), // JWT
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`),
	regexp.MustCompile(`(?i)(?:postgres|mysql|mongodb|redis)://\S+@\S+`),
	regexp.MustCompile(`-{5}BEGIN (?:RSA |EC |DSA )?PRIVATE KEY-{5}`),
	regexp.MustCompile(`(?i)(?:api[_-]?key|secret[_-]?key|access[_-]?token|auth[_-]?token)\s*[:=]\s*["']?[a-zA-Z0-9\-_.]{16,}["']?`),
	regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*["']?[^\s"']{8,}["']?`),
}

// ContainsSecrets reports whether text matches any known secret pattern.
// Favors false positives: better to drop a fact than to store a credential.
func ContainsSecrets(text string) bool {
	for _, p := range secretPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
