package errclass

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Redacted replaces secret values.
const Redacted = "[REDACTED]"

var secretNames = []string{"authorization", "cookie", "key", "token"}

// credentials carried with an auth scheme prefix, whatever the header name
var secretValue = regexp.MustCompile(`^(?i:bearer|basic|digest|token|apikey)\s+\S+`)

// IsSecretName reports whether a header or query parameter name looks like it carries credentials.
func IsSecretName(name string) bool {
	n := strings.ToLower(name)
	for _, s := range secretNames {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}

// LooksSecret reports whether a value looks like a credential.
func LooksSecret(value string) bool {
	return secretValue.MatchString(strings.TrimSpace(value))
}

// RedactHeaders flattens h, replacing values of secret-named headers and
// values that look like credentials.
func RedactHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		v := strings.Join(values, ", ")
		if IsSecretName(name) || LooksSecret(v) {
			v = Redacted
		}
		out[name] = v
	}
	return out
}

// RedactURL replaces secret-named query parameters and userinfo passwords.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), Redacted)
		}
	}
	q := u.Query()
	changed := false
	for name := range q {
		if IsSecretName(name) {
			q.Set(name, Redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
