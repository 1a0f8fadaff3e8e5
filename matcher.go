// The matcher maps a path pattern (literal, :param segments, a * wildcard,
// or a regular expression) and an address string to extracted params and
// query values, or to no match. It is pure and total: it never returns an
// error and never panics; no match is nil.
package wavesock

import (
	"net/url"
	"regexp"
	"strings"
)

// Route is the result of a successful match.
type Route struct {
	// Params holds the :name captures. Empty in regexp mode.
	Params map[string]string

	// Query holds the flat key=value pairs after the first '?'. Repeated
	// keys keep the first value.
	Query map[string]string

	// Wildcard is the remaining path captured by a '*' segment, with
	// duplicate separators collapsed. Nil when the pattern had none.
	Wildcard *string
}

// match tests address against pattern. The pattern is made of '/'
// separated segments: a literal segment matches itself, a ':name' segment
// captures exactly one address segment, and a '*' segment captures the
// whole remaining path. Non-wildcard patterns only match addresses with
// the same segment count.
func match(pattern, address string) *Route {
	path, query := splitAddress(address)

	patternSegments := splitSegments(pattern)
	pathSegments := splitSegments(path)

	wildcardIndex := -1
	for i, segment := range patternSegments {
		if segment == "*" {
			wildcardIndex = i
			break
		}
	}

	params := make(map[string]string)

	if wildcardIndex >= 0 {
		if len(pathSegments) < wildcardIndex {
			return nil
		}
		if !matchSegments(patternSegments[:wildcardIndex], pathSegments[:wildcardIndex], params) {
			return nil
		}
		remaining := strings.Join(pathSegments[wildcardIndex:], "/")
		return &Route{Params: params, Query: query, Wildcard: &remaining}
	}

	if len(patternSegments) != len(pathSegments) {
		return nil
	}
	if !matchSegments(patternSegments, pathSegments, params) {
		return nil
	}
	return &Route{Params: params, Query: query}
}

// matchRegexp tests address against a compiled regular expression. Params
// are opaque in this mode; only the query is extracted.
func matchRegexp(pattern *regexp.Regexp, address string) *Route {
	if pattern == nil {
		return nil
	}
	path, query := splitAddress(address)
	if !pattern.MatchString(path) {
		return nil
	}
	return &Route{Params: make(map[string]string), Query: query}
}

func matchSegments(patternSegments, pathSegments []string, params map[string]string) bool {
	for i, patternSegment := range patternSegments {
		pathSegment := pathSegments[i]
		if strings.HasPrefix(patternSegment, ":") {
			name := strings.TrimPrefix(patternSegment, ":")
			if decoded, err := url.QueryUnescape(pathSegment); err == nil {
				pathSegment = decoded
			}
			params[name] = pathSegment
			continue
		}
		if patternSegment != pathSegment {
			return false
		}
	}
	return true
}

// splitAddress separates the path from the query string at the first '?'
// and parses the query into a flat map. A malformed query yields whatever
// pairs parse cleanly; it never fails the match.
func splitAddress(address string) (string, map[string]string) {
	query := make(map[string]string)
	path := address
	if i := strings.IndexByte(address, '?'); i >= 0 {
		path = address[:i]
		values, err := url.ParseQuery(address[i+1:])
		if err == nil {
			for key, list := range values {
				if len(list) > 0 {
					query[key] = list[0]
				}
			}
		}
	}
	return path, query
}

// splitSegments breaks a path on '/', trimming outer separators and
// collapsing duplicates.
func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if path == "" {
		return []string{}
	}
	return strings.Split(path, "/")
}
