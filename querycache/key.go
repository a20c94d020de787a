package querycache

import (
	"net/url"
	"strings"
)

// Key identifies a cached query as an ordered list of segments, e.g.
// {"api", "loads", "companyId=c-123"}.
type Key []string

// With returns a copy of k extended with a "field=value" segment.
func (k Key) With(field, value string) Key {
	out := make(Key, len(k), len(k)+1)
	copy(out, k)
	return append(out, field+"="+value)
}

// String is the canonical form used as the cache slot. Segments are path
// escaped, so a "/" inside a segment never reads as a separator.
func (k Key) String() string {
	escaped := make([]string, len(k))
	for i, seg := range k {
		escaped[i] = url.PathEscape(seg)
	}
	return strings.Join(escaped, "/")
}

// HasPrefix reports whether every segment of prefix leads k.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Field returns the value of the first "field=value" segment.
func (k Key) Field(field string) (string, bool) {
	for _, seg := range k {
		if v, ok := strings.CutPrefix(seg, field+"="); ok {
			return v, true
		}
	}
	return "", false
}
