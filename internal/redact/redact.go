// Package redact sanitises URLs, headers and free text destined for logs
// or error messages, stripping credential-shaped values before they can
// leak. Redaction runs before any escape/encode step applied for transport
// safety, per spec.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

// Marker replaces a redacted value.
const Marker = "[REDACTED]"

// sensitiveKeys are checked after lowercasing and removing separators
// (-, _, space) from the candidate key.
var sensitiveKeys = map[string]bool{
	"accessid":               true,
	"accessid2":              true,
	"apikey":                 true,
	"token":                  true,
	"accesstoken":            true,
	"idtoken":                true,
	"refreshtoken":           true,
	"authorization":          true,
	"password":               true,
	"passwd":                 true,
	"secret":                 true,
	"clientsecret":           true,
	"clientassertion":        true,
	"nonce":                  true,
	"state":                  true,
	"code":                   true,
	"cookie":                 true,
	"privatetoken":           true,
	"ocpapimsubscriptionkey": true,
}

var sensitivePrefixes = []string{"saml", "session", "xgoog"}

// IsSensitiveKey reports whether a header or parameter name is considered
// sensitive once normalised (lowercased, separators stripped).
func IsSensitiveKey(name string) bool {
	norm := normalizeKey(name)
	if sensitiveKeys[norm] {
		return true
	}
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(norm, p) {
			return true
		}
	}
	// Dynamic heuristics: substrings that always indicate a credential,
	// even embedded in a longer vendor-specific header name.
	for _, sub := range []string{"token", "secret", "auth", "apikey", "cookie", "session"} {
		if strings.Contains(norm, sub) {
			return true
		}
	}
	return false
}

func normalizeKey(name string) string {
	norm := strings.ToLower(name)
	norm = strings.ReplaceAll(norm, "-", "")
	norm = strings.ReplaceAll(norm, "_", "")
	norm = strings.ReplaceAll(norm, " ", "")
	return norm
}

// Value masks secret, revealing 2 leading and 2 trailing characters when
// len(secret) >= 20, otherwise revealing nothing. A secret that already
// contains Marker is returned unchanged, so repeated redaction is a fixed
// point rather than progressively shortening the revealed edges.
func Value(secret string) string {
	if strings.Contains(secret, Marker) {
		return secret
	}
	if len(secret) >= 20 {
		return secret[:2] + Marker + secret[len(secret)-2:]
	}
	return Marker
}

// kvPattern matches free-text "key=value" or `key="quoted value"` pairs,
// with optional surrounding whitespace, used to scrub log lines and
// stringified errors that embed query-string-like fragments.
var kvPattern = regexp.MustCompile(`(?i)\b([A-Za-z0-9_\-]+)\s*=\s*("([^"]*)"|[^\s&,;]+)`)

// userinfoPattern matches the "user:pass@" part of a URL embedded in text.
var userinfoPattern = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)[^/?#\s@]+@`)

// URL redacts userinfo, query parameters and the fragment (parsed as a
// query string) of rawURL. Input that does not parse as a URL with a
// scheme is scrubbed with Text instead.
func URL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return Text(rawURL)
	}

	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(Marker, Marker)
		} else {
			u.User = url.User(Marker)
		}
	}

	if q := u.RawQuery; q != "" {
		u.RawQuery = redactQueryString(q)
	}

	if u.Fragment != "" {
		if vals, err := url.ParseQuery(u.Fragment); err == nil && len(vals) > 0 {
			redacted := redactValues(vals)
			u.Fragment = redacted.Encode()
			u.RawFragment = ""
		} else {
			u.Fragment = Text(u.Fragment)
			u.RawFragment = ""
		}
	}

	return u.String()
}

func redactQueryString(raw string) string {
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return Text(raw)
	}
	return redactValues(vals).Encode()
}

func redactValues(vals url.Values) url.Values {
	out := make(url.Values, len(vals))
	for k, vs := range vals {
		if IsSensitiveKey(k) {
			redacted := make([]string, len(vs))
			for i, v := range vs {
				redacted[i] = Value(v)
			}
			out[k] = redacted
			continue
		}
		out[k] = vs
	}
	return out
}

// Header redacts a header value if its name is sensitive.
func Header(name, value string) string {
	if IsSensitiveKey(name) {
		return Value(value)
	}
	return value
}

// Text scrubs free-form text (error strings, log message bodies, response
// excerpts) for embedded key=value credential-shaped fragments, and for
// URLs embedded within the text: their userinfo is masked, and their
// query parameters are covered by the key=value match.
func Text(s string) string {
	s = userinfoPattern.ReplaceAllString(s, "${1}"+Marker+"@")
	s = kvPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := kvPattern.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		key := parts[1]
		rawVal := parts[2]
		if !IsSensitiveKey(key) {
			return match
		}
		quoted := strings.HasPrefix(rawVal, `"`) && strings.HasSuffix(rawVal, `"`)
		val := rawVal
		if quoted {
			val = rawVal[1 : len(rawVal)-1]
		}
		masked := Value(val)
		if quoted {
			masked = `"` + masked + `"`
		}
		return key + "=" + masked
	})
	return s
}

// Idempotent reports whether Text is idempotent on s — Text(Text(s)) ==
// Text(s). Exposed for tests exercising the round-trip law in spec §8.
func Idempotent(s string) bool {
	once := Text(s)
	return Text(once) == once
}
