// Package scope decides whether an intercepted request is eligible for rewriting.
package scope

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/match"
)

// MatchError is returned when a request URL carries no usable hostname.
type MatchError struct {
	URL string
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("cannot extract hostname from %q", e.URL)
}

// Matches reports whether hostname equals suffix or is a subdomain of it.
// The check honours label boundaries: "notexample.com" does not match "example.com".
func Matches(hostname, suffix string) bool {
	hostname = normalize(hostname)
	suffix = normalize(suffix)
	if hostname == "" || suffix == "" {
		return false
	}
	return hostname == suffix || strings.HasSuffix(hostname, "."+suffix)
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// Matcher applies the scope suffix together with an ignore list of host globs.
type Matcher struct {
	suffix string
	ignore []string
}

// NewMatcher creates a Matcher. Ignore patterns use '*' and '?' wildcards.
func NewMatcher(suffix string, ignore []string) *Matcher {
	patterns := make([]string, 0, len(ignore))
	for _, p := range ignore {
		if p = normalize(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Matcher{suffix: normalize(suffix), ignore: patterns}
}

// Suffix returns the configured scope suffix.
func (m *Matcher) Suffix() string {
	return m.suffix
}

// Match reports whether u is in scope.
func (m *Matcher) Match(u *url.URL) (bool, error) {
	if u == nil {
		return false, &MatchError{}
	}
	host := u.Hostname()
	if host == "" {
		return false, &MatchError{URL: u.String()}
	}
	if !Matches(host, m.suffix) {
		return false, nil
	}
	return !m.ignored(normalize(host)), nil
}

func (m *Matcher) ignored(host string) bool {
	for _, p := range m.ignore {
		if match.Match(host, p) {
			return true
		}
	}
	return false
}
