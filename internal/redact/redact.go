// Package redact performs a best-effort secret scrub over captured TLS
// body text before it reaches the file sink. A TLS-decrypting collector
// is exactly where an Authorization header or API key ends up in a log
// file by accident; this is logging enrichment, not a pipeline stage —
// nothing here changes an Event's identity or routing.
package redact

import (
	"fmt"
	"regexp"

	"golang.org/x/crypto/blake2b"
)

// patterns matches common bearer-token/API-key shapes seen in HTTP
// headers and JSON bodies. Each match is replaced with a short,
// non-reversible tag so repeated occurrences of the same secret across
// log lines remain visibly correlated without the secret itself being
// recoverable from the log.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9\-._~+/]{12,}=*)`),
	regexp.MustCompile(`(?i)("(?:api[_-]?key|authorization|token|secret)"\s*:\s*")([^"]{8,})(")`),
	regexp.MustCompile(`(sk-[A-Za-z0-9]{16,})`),
}

// Text returns s with recognized secrets replaced by a stable
// `[redacted:<hash>]` tag. Non-matching text passes through unchanged.
func Text(s string) string {
	out := s
	for _, re := range patterns {
		out = re.ReplaceAllStringFunc(out, func(match string) string {
			sub := re.FindStringSubmatch(match)
			switch len(sub) {
			case 4: // prefix, secret, suffix
				return sub[1] + tag(sub[2]) + sub[3]
			case 3: // prefix, secret
				return sub[1] + tag(sub[2])
			default: // whole match is the secret
				return tag(match)
			}
		})
	}
	return out
}

// tag returns a short deterministic fingerprint for secret, so the same
// value redacted twice looks the same in logs without revealing it.
func tag(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return fmt.Sprintf("[redacted:%x]", sum[:6])
}
