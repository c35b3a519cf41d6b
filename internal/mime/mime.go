// Package mime classifies response bodies as text or binary and parses the
// handful of header formats the request/response engine needs: Accept and
// Content-Type.
package mime

import (
	"strings"

	"github.com/samber/lo"
)

// ParseAcceptedType picks a concrete media type out of an Accept (or
// Content-Type) header value.
//
// It splits on ',' and ';', trims whitespace, and prefers, in order:
//  1. the first fully-specified "type/subtype" entry (no '*' anywhere)
//  2. the first "type/*" entry
//  3. "*/*"
//
// If noWildcard is true and only a wildcard was seen, def is returned
// instead. An empty headerValue returns def.
func ParseAcceptedType(headerValue, def string, noWildcard bool) string {
	if strings.TrimSpace(headerValue) == "" {
		return def
	}

	candidates := splitMediaTypes(headerValue)
	if len(candidates) == 0 {
		return def
	}

	if exact, ok := lo.Find(candidates, func(c string) bool {
		return !strings.Contains(c, "*")
	}); ok {
		return exact
	}

	if partial, ok := lo.Find(candidates, func(c string) bool {
		return strings.HasSuffix(c, "/*") && c != "*/*"
	}); ok {
		if noWildcard {
			return def
		}
		return partial
	}

	if _, ok := lo.Find(candidates, func(c string) bool { return c == "*/*" }); ok {
		if noWildcard {
			return def
		}
		return "*/*"
	}

	return def
}

// splitMediaTypes splits a comma-separated Accept-style header value into
// trimmed "type/subtype" tokens, dropping any ";q=..." parameters.
func splitMediaTypes(headerValue string) []string {
	parts := strings.Split(headerValue, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if semi := strings.IndexByte(p, ';'); semi >= 0 {
			p = p[:semi]
		}
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BaseType strips any ";param=..." suffix and surrounding whitespace from
// a Content-Type header value, returning just "type/subtype" in lower
// case. An empty input returns "".
func BaseType(contentType string) string {
	if semi := strings.IndexByte(contentType, ';'); semi >= 0 {
		contentType = contentType[:semi]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// IsText reports whether mime should be treated as text: it begins with
// "text/", or ends with "/xhtml+xml" or "/xml". An empty mime is never
// text.
func IsText(m string) bool {
	if m == "" {
		return false
	}
	if strings.HasPrefix(m, "text/") {
		return true
	}
	return strings.HasSuffix(m, "/xhtml+xml") || strings.HasSuffix(m, "/xml")
}
