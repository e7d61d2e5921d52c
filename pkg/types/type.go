package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies a parameter type variant.
type Kind string

const (
	KindBoolean     Kind = "boolean"
	KindInteger     Kind = "integer"
	KindNumber      Kind = "number"
	KindString      Kind = "string"
	KindEnumeration Kind = "enumeration"
	KindDateTime    Kind = "datetime"
	KindGeometry    Kind = "geometry"
	KindFile        Kind = "file"
	KindImage       Kind = "image"
	KindCollection  Kind = "array"
)

// AllKinds lists every variant. Code dispatching on Type must handle each one.
var AllKinds = []Kind{
	KindBoolean, KindInteger, KindNumber, KindString, KindEnumeration,
	KindDateTime, KindGeometry, KindFile, KindImage, KindCollection,
}

// Type is a parameter type. The set of implementations is closed; every
// variant is declared in this file.
type Type interface {
	Kind() Kind
	String() string
	sealed()
}

type BooleanType struct{}

// IntegerType bounds are optional. GT/LT are strict, GEQ/LEQ inclusive.
type IntegerType struct {
	GT  *int64
	GEQ *int64
	LT  *int64
	LEQ *int64
}

// NumberType additionally gates NaN and infinities, both disallowed unless set.
type NumberType struct {
	GT              *float64
	GEQ             *float64
	LT              *float64
	LEQ             *float64
	InfinityAllowed bool
	NaNAllowed      bool
}

type StringType struct {
	MinLength int
	MaxLength int // 0 means unbounded
}

type EnumerationType struct {
	Values []string
}

// DateTimeType bounds are inclusive.
type DateTimeType struct {
	Before *time.Time
	After  *time.Time
}

type GeometryType struct{}

type FileType struct {
	Formats     []string
	MaxFileSize string
}

type ImageType struct {
	Formats     []string
	MaxFileSize string
	MaxWidth    *int
	MaxHeight   *int
}

// CollectionType is the only recursive variant.
type CollectionType struct {
	MinSize int
	MaxSize int
	SubType Type
}

func (*BooleanType) Kind() Kind     { return KindBoolean }
func (*IntegerType) Kind() Kind     { return KindInteger }
func (*NumberType) Kind() Kind      { return KindNumber }
func (*StringType) Kind() Kind      { return KindString }
func (*EnumerationType) Kind() Kind { return KindEnumeration }
func (*DateTimeType) Kind() Kind    { return KindDateTime }
func (*GeometryType) Kind() Kind    { return KindGeometry }
func (*FileType) Kind() Kind        { return KindFile }
func (*ImageType) Kind() Kind       { return KindImage }
func (*CollectionType) Kind() Kind  { return KindCollection }

func (*BooleanType) sealed()     {}
func (*IntegerType) sealed()     {}
func (*NumberType) sealed()      {}
func (*StringType) sealed()      {}
func (*EnumerationType) sealed() {}
func (*DateTimeType) sealed()    {}
func (*GeometryType) sealed()    {}
func (*FileType) sealed()        {}
func (*ImageType) sealed()       {}
func (*CollectionType) sealed()  {}

func (t *BooleanType) String() string     { return string(t.Kind()) }
func (t *IntegerType) String() string     { return string(t.Kind()) }
func (t *NumberType) String() string      { return string(t.Kind()) }
func (t *StringType) String() string      { return string(t.Kind()) }
func (t *EnumerationType) String() string { return string(t.Kind()) }
func (t *DateTimeType) String() string    { return string(t.Kind()) }
func (t *GeometryType) String() string    { return string(t.Kind()) }
func (t *FileType) String() string        { return string(t.Kind()) }
func (t *ImageType) String() string       { return string(t.Kind()) }

func (t *CollectionType) String() string {
	return fmt.Sprintf("array<%s>[%d..%d]", t.SubType, t.MinSize, t.MaxSize)
}

// IsCollection reports whether t is a collection.
func IsCollection(t Type) bool {
	_, ok := t.(*CollectionType)
	return ok
}

// Depth returns the number of nested collection levels (0 for scalars).
func Depth(t Type) int {
	d := 0
	for {
		c, ok := t.(*CollectionType)
		if !ok {
			return d
		}
		d++
		t = c.SubType
	}
}

// IsBinary reports whether values of the kind are stored as raw bytes.
func IsBinary(k Kind) bool {
	return k == KindFile || k == KindImage
}

// typeSpec is the wire form of a Type.
type typeSpec struct {
	ID              Kind            `json:"id"`
	GT              *json.Number    `json:"gt,omitempty"`
	GEQ             *json.Number    `json:"geq,omitempty"`
	LT              *json.Number    `json:"lt,omitempty"`
	LEQ             *json.Number    `json:"leq,omitempty"`
	InfinityAllowed bool            `json:"infinity_allowed,omitempty"`
	NaNAllowed      bool            `json:"nan_allowed,omitempty"`
	MinLength       int             `json:"min_length,omitempty"`
	MaxLength       int             `json:"max_length,omitempty"`
	Values          []string        `json:"values,omitempty"`
	Before          *time.Time      `json:"before,omitempty"`
	After           *time.Time      `json:"after,omitempty"`
	Formats         []string        `json:"formats,omitempty"`
	MaxFileSize     string          `json:"max_file_size,omitempty"`
	MaxWidth        *int            `json:"max_width,omitempty"`
	MaxHeight       *int            `json:"max_height,omitempty"`
	MinSize         *int            `json:"min_size,omitempty"`
	MaxSize         *int            `json:"max_size,omitempty"`
	SubType         json.RawMessage `json:"subtype,omitempty"`
}

// MarshalType encodes a Type into its wire form.
func MarshalType(t Type) ([]byte, error) {
	spec, err := toSpec(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(spec)
}

func toSpec(t Type) (*typeSpec, error) {
	spec := &typeSpec{ID: t.Kind()}
	switch t := t.(type) {
	case *BooleanType, *GeometryType:
	case *IntegerType:
		spec.GT, spec.GEQ, spec.LT, spec.LEQ = intNum(t.GT), intNum(t.GEQ), intNum(t.LT), intNum(t.LEQ)
	case *NumberType:
		spec.GT, spec.GEQ, spec.LT, spec.LEQ = floatNum(t.GT), floatNum(t.GEQ), floatNum(t.LT), floatNum(t.LEQ)
		spec.InfinityAllowed = t.InfinityAllowed
		spec.NaNAllowed = t.NaNAllowed
	case *StringType:
		spec.MinLength, spec.MaxLength = t.MinLength, t.MaxLength
	case *EnumerationType:
		spec.Values = t.Values
	case *DateTimeType:
		spec.Before, spec.After = t.Before, t.After
	case *FileType:
		spec.Formats, spec.MaxFileSize = t.Formats, t.MaxFileSize
	case *ImageType:
		spec.Formats, spec.MaxFileSize = t.Formats, t.MaxFileSize
		spec.MaxWidth, spec.MaxHeight = t.MaxWidth, t.MaxHeight
	case *CollectionType:
		minSize, maxSize := t.MinSize, t.MaxSize
		spec.MinSize, spec.MaxSize = &minSize, &maxSize
		sub, err := MarshalType(t.SubType)
		if err != nil {
			return nil, err
		}
		spec.SubType = sub
	default:
		return nil, fmt.Errorf("unknown type %T", t)
	}
	return spec, nil
}

// UnmarshalType decodes a Type. Both the object form ({"id": "integer", ...})
// and the bare string form ("integer") are accepted.
func UnmarshalType(data []byte) (Type, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return fromSpec(&typeSpec{ID: Kind(id)})
	}
	var spec typeSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode type: %w", err)
	}
	return fromSpec(&spec)
}

func fromSpec(spec *typeSpec) (Type, error) {
	switch spec.ID {
	case KindBoolean:
		return &BooleanType{}, nil
	case KindInteger:
		t := &IntegerType{}
		var err error
		if t.GT, err = parseInt(spec.GT); err != nil {
			return nil, err
		}
		if t.GEQ, err = parseInt(spec.GEQ); err != nil {
			return nil, err
		}
		if t.LT, err = parseInt(spec.LT); err != nil {
			return nil, err
		}
		if t.LEQ, err = parseInt(spec.LEQ); err != nil {
			return nil, err
		}
		return t, nil
	case KindNumber:
		t := &NumberType{InfinityAllowed: spec.InfinityAllowed, NaNAllowed: spec.NaNAllowed}
		var err error
		if t.GT, err = parseFloat(spec.GT); err != nil {
			return nil, err
		}
		if t.GEQ, err = parseFloat(spec.GEQ); err != nil {
			return nil, err
		}
		if t.LT, err = parseFloat(spec.LT); err != nil {
			return nil, err
		}
		if t.LEQ, err = parseFloat(spec.LEQ); err != nil {
			return nil, err
		}
		return t, nil
	case KindString:
		if spec.MaxLength > 0 && spec.MinLength > spec.MaxLength {
			return nil, fmt.Errorf("string type: min_length %d > max_length %d", spec.MinLength, spec.MaxLength)
		}
		return &StringType{MinLength: spec.MinLength, MaxLength: spec.MaxLength}, nil
	case KindEnumeration:
		if len(spec.Values) == 0 {
			return nil, fmt.Errorf("enumeration type requires values")
		}
		return &EnumerationType{Values: spec.Values}, nil
	case KindDateTime:
		return &DateTimeType{Before: spec.Before, After: spec.After}, nil
	case KindGeometry:
		return &GeometryType{}, nil
	case KindFile:
		return &FileType{Formats: spec.Formats, MaxFileSize: spec.MaxFileSize}, nil
	case KindImage:
		return &ImageType{
			Formats:     spec.Formats,
			MaxFileSize: spec.MaxFileSize,
			MaxWidth:    spec.MaxWidth,
			MaxHeight:   spec.MaxHeight,
		}, nil
	case KindCollection:
		if len(spec.SubType) == 0 {
			return nil, fmt.Errorf("array type requires a subtype")
		}
		sub, err := UnmarshalType(spec.SubType)
		if err != nil {
			return nil, fmt.Errorf("array subtype: %w", err)
		}
		t := &CollectionType{SubType: sub, MaxSize: -1}
		if spec.MinSize != nil {
			t.MinSize = *spec.MinSize
		}
		if spec.MaxSize != nil {
			t.MaxSize = *spec.MaxSize
		}
		if t.MaxSize < 0 {
			return nil, fmt.Errorf("array type requires max_size")
		}
		if t.MinSize < 0 || t.MinSize > t.MaxSize {
			return nil, fmt.Errorf("array type: invalid size bounds [%d..%d]", t.MinSize, t.MaxSize)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown type id %q", spec.ID)
	}
}

func intNum(v *int64) *json.Number {
	if v == nil {
		return nil
	}
	n := json.Number(strconv.FormatInt(*v, 10))
	return &n
}

func floatNum(v *float64) *json.Number {
	if v == nil {
		return nil
	}
	n := json.Number(strconv.FormatFloat(*v, 'g', -1, 64))
	return &n
}

func parseInt(n *json.Number) (*int64, error) {
	if n == nil {
		return nil, nil
	}
	v, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("integer bound %q: %w", n.String(), err)
	}
	return &v, nil
}

func parseFloat(n *json.Number) (*float64, error) {
	if n == nil {
		return nil, nil
	}
	v, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("number bound %q: %w", n.String(), err)
	}
	return &v, nil
}
