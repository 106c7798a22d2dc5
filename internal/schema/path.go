package schema

import (
	"fmt"
	"strings"
)

// Wildcard is the path component addressing all elements of a repeated
// field.
const Wildcard = "*"

// Path addresses a location in the schema tree. Components are literal
// field names or Wildcard.
type Path []string

// ParsePath parses the flattened dotted string form of a path. A component
// wrapped in single or double quotes is taken literally, including any
// dots inside it. A quote character that does not open a terminated quoted
// component is treated as a literal character.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	var parts Path
	var cur strings.Builder
	quoted := false
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case (c == '\'' || c == '"') && cur.Len() == 0 && !quoted:
			end := closingQuote(s, i)
			if end < 0 {
				// No terminated quote; the character is literal.
				cur.WriteByte(c)
				i++
				continue
			}
			cur.WriteString(s[i+1 : end])
			quoted = true
			i = end + 1
		case c == '.':
			if cur.Len() == 0 && !quoted {
				return nil, fmt.Errorf("empty component in path %q", s)
			}
			parts = append(parts, cur.String())
			cur.Reset()
			quoted = false
			i++
		default:
			cur.WriteByte(c)
			i++
		}
	}
	if cur.Len() == 0 && !quoted {
		return nil, fmt.Errorf("empty trailing component in path %q", s)
	}
	parts = append(parts, cur.String())
	return parts, nil
}

// closingQuote returns the index of the quote closing the one at open, or
// -1 when the quoted run is not terminated before a component boundary.
func closingQuote(s string, open int) int {
	q := s[open]
	for j := open + 1; j < len(s); j++ {
		if s[j] == q && (j+1 == len(s) || s[j+1] == '.') {
			return j
		}
	}
	return -1
}

// String renders the path in its flattened dotted form, re-escaping
// components that contain structural characters. ParsePath(p.String())
// yields p back.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, part := range p {
		parts[i] = escapeComponent(part)
	}
	return strings.Join(parts, ".")
}

func escapeComponent(part string) string {
	needsQuote := strings.Contains(part, ".") ||
		(part != "" && (part[0] == '\'' || part[0] == '"'))
	if !needsQuote {
		return part
	}
	if strings.Contains(part, `"`) {
		return "'" + part + "'"
	}
	return `"` + part + `"`
}

// Equal reports whether two paths are component-wise identical.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether the path starts with the given prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	return p[:len(prefix)].Equal(prefix)
}

// Child returns the path extended by one component.
func (p Path) Child(part string) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)
	return append(out, part)
}

// Concat returns the path extended by all components of the suffix.
func (p Path) Concat(suffix Path) Path {
	out := make(Path, 0, len(p)+len(suffix))
	out = append(out, p...)
	return append(out, suffix...)
}
