// Package typesys implements validation, text encoding and format sniffing
// for the scalar parameter type variants. Collections are handled by the
// collection package, which delegates leaf values here.
package typesys

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseNumber parses a decimal number. The tokens "nan", "inf" and "-inf" are
// accepted case-insensitively in addition to the usual syntax; other spellings
// of special values (such as "Infinity" or "+inf") are rejected.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "nan":
		return math.NaN(), nil
	case "inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	// ParseFloat also understands "infinity", "+inf" and "nan" spellings
	if math.IsInf(f, 0) || math.IsNaN(f) {
		lower := strings.ToLower(s)
		if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") {
			return 0, fmt.Errorf("parse number %q: unsupported special value", s)
		}
	}
	return f, nil
}

// FormatNumber is the inverse of ParseNumber.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// jsonNumber returns a JSON-encodable representation of f. NaN and the
// infinities are not valid JSON numbers and are returned as their tokens.
func jsonNumber(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return FormatNumber(f)
	}
	return f
}
