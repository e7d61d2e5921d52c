// Package collection implements nested collection values: index paths,
// whole and item-wise provisioning, the array.yml storage layout, structural
// validation of stored collections and response building.
package collection

import (
	"strconv"
	"strings"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
)

// Path is an index path, one position per nesting level.
type Path []int

// ParsePath parses a slash separated index path such as "0/4".
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil, apperr.New(apperr.ErrInvalidIndexPath, "empty index path")
	}
	parts := strings.Split(s, "/")
	p := make(Path, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || strings.HasPrefix(part, "+") {
			return nil, apperr.New(apperr.ErrInvalidIndexPath, "segment %q of %q is not a non-negative integer", part, s)
		}
		p[i] = n
	}
	return p, nil
}

// ParseWire parses the wire form "parameter/i0/i1/...". The leading parameter
// name may be omitted; when present it must match.
func ParseWire(parameter, s string) (Path, error) {
	s = strings.Trim(s, "/")
	head, rest, found := strings.Cut(s, "/")
	if _, err := strconv.Atoi(head); err != nil {
		if head != parameter {
			return nil, apperr.New(apperr.ErrInvalidIndexPath, "index %q does not address parameter %q", s, parameter)
		}
		if !found {
			return nil, apperr.New(apperr.ErrInvalidIndexPath, "index %q has no positions", s)
		}
		s = rest
	}
	return ParsePath(s)
}

// String returns the slash separated form.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, n := range p {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "/")
}

// Wire returns the wire form including the parameter name.
func (p Path) Wire(parameter string) string {
	if len(p) == 0 {
		return parameter
	}
	return parameter + "/" + p.String()
}

// Prefix returns the index string of the first n positions.
func (p Path) Prefix(n int) string {
	return p[:n].String()
}

// LastSegment returns the trailing position of an index string.
func LastSegment(index string) string {
	if i := strings.LastIndexByte(index, '/'); i >= 0 {
		return index[i+1:]
	}
	return index
}

// depthOf returns the number of positions in an index string.
func depthOf(index string) int {
	if index == "" {
		return 0
	}
	return strings.Count(index, "/") + 1
}

// lessIndex orders index strings position by position, numerically.
func lessIndex(a, b string) bool {
	as, bs := strings.Split(a, "/"), strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		x, _ := strconv.Atoi(as[i])
		y, _ := strconv.Atoi(bs[i])
		if x != y {
			return x < y
		}
	}
	return len(as) < len(bs)
}
