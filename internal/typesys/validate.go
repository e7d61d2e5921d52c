package typesys

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Validate checks a provisioned value against a non-collection type and
// returns its storage text. Values come from JSON decoded with UseNumber, so
// numbers arrive as json.Number; Go numeric types are accepted as well.
// File and image content is passed as []byte.
func Validate(t types.Type, v any) (string, error) {
	switch t := t.(type) {
	case *types.BooleanType:
		b, ok := v.(bool)
		if !ok {
			return "", mismatch(t, v)
		}
		return strconv.FormatBool(b), nil
	case *types.IntegerType:
		n, err := toInt(v)
		if err != nil {
			return "", err
		}
		if err := checkInteger(t, n); err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case *types.NumberType:
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		if err := checkNumber(t, f); err != nil {
			return "", err
		}
		return FormatNumber(f), nil
	case *types.StringType:
		s, ok := v.(string)
		if !ok {
			return "", mismatch(t, v)
		}
		if err := checkString(t, s); err != nil {
			return "", err
		}
		return s, nil
	case *types.EnumerationType:
		s, ok := v.(string)
		if !ok {
			return "", mismatch(t, v)
		}
		if err := checkEnumeration(t, s); err != nil {
			return "", err
		}
		return s, nil
	case *types.DateTimeType:
		ts, err := toTime(v)
		if err != nil {
			return "", err
		}
		if err := checkDateTime(t, ts); err != nil {
			return "", err
		}
		return ts.Format(time.RFC3339Nano), nil
	case *types.GeometryType:
		doc, err := geometryBytes(v)
		if err != nil {
			return "", err
		}
		compact, err := ValidateGeometry(doc)
		if err != nil {
			return "", err
		}
		return string(compact), nil
	case *types.FileType:
		data, ok := v.([]byte)
		if !ok {
			return "", mismatch(t, v)
		}
		return "", ValidateFile(t, data)
	case *types.ImageType:
		data, ok := v.([]byte)
		if !ok {
			return "", mismatch(t, v)
		}
		return "", ValidateImage(t, data)
	case *types.CollectionType:
		return "", apperr.New(apperr.ErrParameterTypeMismatch, "collection value cannot be validated as a single value")
	default:
		return "", apperr.New(apperr.ErrParameterTypeMismatch, "unsupported type %T", t)
	}
}

// Decode parses stored content of a scalar leaf (as written by a task run),
// validates it and returns the canonical storage text.
func Decode(t types.Type, data []byte) (string, error) {
	text := string(data)
	switch t := t.(type) {
	case *types.BooleanType:
		switch trimmed(text) {
		case "true", "True", "TRUE":
			return "true", nil
		case "false", "False", "FALSE":
			return "false", nil
		}
		return "", apperr.New(apperr.ErrInvalidFormat, "%q is not a boolean", trimmed(text))
	case *types.IntegerType:
		n, err := strconv.ParseInt(trimmed(text), 10, 64)
		if err != nil {
			return "", apperr.New(apperr.ErrInvalidFormat, "%q is not an integer", trimmed(text))
		}
		return Validate(t, n)
	case *types.NumberType:
		f, err := ParseNumber(text)
		if err != nil {
			return "", apperr.New(apperr.ErrInvalidFormat, "%v", err)
		}
		return Validate(t, f)
	case *types.StringType, *types.EnumerationType:
		return Validate(t, trimNewline(text))
	case *types.DateTimeType:
		return Validate(t, trimmed(text))
	case *types.GeometryType:
		return Validate(t, json.RawMessage(data))
	case *types.FileType, *types.ImageType:
		return Validate(t, data)
	case *types.CollectionType:
		return "", apperr.New(apperr.ErrParameterTypeMismatch, "collection content cannot be decoded as a single value")
	default:
		return "", apperr.New(apperr.ErrParameterTypeMismatch, "unsupported type %T", t)
	}
}

// Response converts the storage text of a scalar leaf into the value returned
// to API callers. Files and images have no inline value.
func Response(t types.Type, text string) (any, error) {
	switch t.(type) {
	case *types.BooleanType:
		return strconv.ParseBool(text)
	case *types.IntegerType:
		return strconv.ParseInt(text, 10, 64)
	case *types.NumberType:
		f, err := ParseNumber(text)
		if err != nil {
			return nil, err
		}
		return jsonNumber(f), nil
	case *types.StringType, *types.EnumerationType, *types.DateTimeType:
		return text, nil
	case *types.GeometryType:
		return json.RawMessage(text), nil
	case *types.FileType, *types.ImageType:
		return nil, nil
	case *types.CollectionType:
		return nil, fmt.Errorf("collection responses are built by the collection engine")
	default:
		return nil, fmt.Errorf("unsupported type %T", t)
	}
}

func checkInteger(t *types.IntegerType, v int64) error {
	if t.GT != nil && v <= *t.GT {
		return apperr.Constraintf(apperr.ConstraintGT, "%d must be greater than %d", v, *t.GT)
	}
	if t.GEQ != nil && v < *t.GEQ {
		return apperr.Constraintf(apperr.ConstraintGEQ, "%d must be greater than or equal to %d", v, *t.GEQ)
	}
	if t.LT != nil && v >= *t.LT {
		return apperr.Constraintf(apperr.ConstraintLT, "%d must be lower than %d", v, *t.LT)
	}
	if t.LEQ != nil && v > *t.LEQ {
		return apperr.Constraintf(apperr.ConstraintLEQ, "%d must be lower than or equal to %d", v, *t.LEQ)
	}
	return nil
}

// checkNumber applies bounds before the special-value gates. NaN compares
// false against every bound, so it always reaches the NaN gate.
func checkNumber(t *types.NumberType, v float64) error {
	if t.GT != nil && v <= *t.GT {
		return apperr.Constraintf(apperr.ConstraintGT, "%s must be greater than %s", FormatNumber(v), FormatNumber(*t.GT))
	}
	if t.GEQ != nil && v < *t.GEQ {
		return apperr.Constraintf(apperr.ConstraintGEQ, "%s must be greater than or equal to %s", FormatNumber(v), FormatNumber(*t.GEQ))
	}
	if t.LT != nil && v >= *t.LT {
		return apperr.Constraintf(apperr.ConstraintLT, "%s must be lower than %s", FormatNumber(v), FormatNumber(*t.LT))
	}
	if t.LEQ != nil && v > *t.LEQ {
		return apperr.Constraintf(apperr.ConstraintLEQ, "%s must be lower than or equal to %s", FormatNumber(v), FormatNumber(*t.LEQ))
	}
	if !t.InfinityAllowed && math.IsInf(v, 0) {
		return apperr.Constraintf(apperr.ConstraintInfinity, "infinite values are not allowed")
	}
	if !t.NaNAllowed && math.IsNaN(v) {
		return apperr.Constraintf(apperr.ConstraintNaN, "NaN is not allowed")
	}
	return nil
}

func checkString(t *types.StringType, s string) error {
	n := utf8.RuneCountInString(s)
	if n < t.MinLength {
		return apperr.Constraintf(apperr.ConstraintLength, "length %d is below the minimum of %d", n, t.MinLength)
	}
	if t.MaxLength > 0 && n > t.MaxLength {
		return apperr.Constraintf(apperr.ConstraintLength, "length %d exceeds the maximum of %d", n, t.MaxLength)
	}
	return nil
}

func checkEnumeration(t *types.EnumerationType, s string) error {
	if !slices.Contains(t.Values, s) {
		return apperr.Constraintf(apperr.ConstraintValues, "%q is not one of %v", s, t.Values)
	}
	return nil
}

func checkDateTime(t *types.DateTimeType, v time.Time) error {
	if t.Before != nil && v.After(*t.Before) {
		return apperr.Constraintf(apperr.ConstraintBefore, "%s is after %s", v.Format(time.RFC3339), t.Before.Format(time.RFC3339))
	}
	if t.After != nil && v.Before(*t.After) {
		return apperr.Constraintf(apperr.ConstraintAfter, "%s is before %s", v.Format(time.RFC3339), t.After.Format(time.RFC3339))
	}
	return nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, apperr.New(apperr.ErrParameterTypeMismatch, "%s is not an integer", n)
		}
		return i, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, apperr.New(apperr.ErrParameterTypeMismatch, "%v is not an integer", n)
		}
		return int64(n), nil
	}
	return 0, apperr.New(apperr.ErrParameterTypeMismatch, "expected integer, got %s", describe(v))
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		f, err := ParseNumber(n.String())
		if err != nil {
			return 0, apperr.New(apperr.ErrParameterTypeMismatch, "%s is not a number", n)
		}
		return f, nil
	case string:
		f, err := ParseNumber(n)
		if err != nil {
			return 0, apperr.New(apperr.ErrParameterTypeMismatch, "%q is not a number", n)
		}
		return f, nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, apperr.New(apperr.ErrParameterTypeMismatch, "expected number, got %s", describe(v))
}

func toTime(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, apperr.New(apperr.ErrInvalidFormat, "%q is not an RFC 3339 date-time", ts)
		}
		return parsed, nil
	}
	return time.Time{}, apperr.New(apperr.ErrParameterTypeMismatch, "expected datetime, got %s", describe(v))
}

func mismatch(t types.Type, v any) error {
	return apperr.New(apperr.ErrParameterTypeMismatch, "expected %s, got %s", t.Kind(), describe(v))
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case []byte:
		return "binary content"
	}
	return fmt.Sprintf("%T", v)
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}

// trimNewline drops a single trailing line break, as written by most shells.
func trimNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
