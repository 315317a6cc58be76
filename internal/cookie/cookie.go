// Package cookie extracts token values from raw Cookie headers.
package cookie

import "strings"

// Value returns the value of the named cookie from a raw Cookie header
// string and reports whether it was present. Segments are split on ';',
// trimmed, and divided at the first '='; names are compared exactly.
// Values are not percent-decoded: the tokens carried here are base64url
// JWTs, which never contain escapes.
func Value(header, name string) (string, bool) {
	if header == "" || name == "" {
		return "", false
	}
	for _, segment := range strings.Split(header, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		k, v, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		if k == name {
			return v, true
		}
	}
	return "", false
}
