package typesys

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/validator"
)

// GeoJSON container types accepted as a whole geometry collection.
const (
	FeatureCollection  = "FeatureCollection"
	GeometryCollection = "GeometryCollection"
)

type geometryHeader struct {
	Type        string            `json:"type"`
	Coordinates json.RawMessage   `json:"coordinates"`
	Geometries  []json.RawMessage `json:"geometries"`
}

// ValidateGeometry checks a GeoJSON geometry document and returns its compact
// encoding. Polygon rings must be closed.
func ValidateGeometry(doc []byte) ([]byte, error) {
	v, err := validator.Default()
	if err != nil {
		return nil, err
	}
	if res := v.ValidateGeometryJSON(doc); !res.Valid {
		return nil, apperr.New(apperr.ErrInvalidFormat, "invalid geometry: %s", res.Summary())
	}
	if err := checkRings(doc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return nil, apperr.New(apperr.ErrInvalidFormat, "invalid geometry: %v", err)
	}
	return buf.Bytes(), nil
}

func checkRings(doc []byte) error {
	var h geometryHeader
	if err := json.Unmarshal(doc, &h); err != nil {
		return apperr.New(apperr.ErrInvalidFormat, "invalid geometry: %v", err)
	}
	switch h.Type {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(h.Coordinates, &rings); err != nil {
			return apperr.New(apperr.ErrInvalidFormat, "invalid polygon: %v", err)
		}
		return closedRings(rings)
	case "MultiPolygon":
		var polygons [][][][]float64
		if err := json.Unmarshal(h.Coordinates, &polygons); err != nil {
			return apperr.New(apperr.ErrInvalidFormat, "invalid multipolygon: %v", err)
		}
		for _, rings := range polygons {
			if err := closedRings(rings); err != nil {
				return err
			}
		}
	case GeometryCollection:
		for _, g := range h.Geometries {
			if err := checkRings(g); err != nil {
				return err
			}
		}
	}
	return nil
}

func closedRings(rings [][][]float64) error {
	for i, ring := range rings {
		if len(ring) < 4 {
			return apperr.New(apperr.ErrInvalidFormat, "ring %d has %d positions, need at least 4", i, len(ring))
		}
		if !slices.Equal(ring[0], ring[len(ring)-1]) {
			return apperr.New(apperr.ErrInvalidFormat, "ring %d is not closed", i)
		}
	}
	return nil
}

// IsGeometryCollection reports whether doc is a FeatureCollection or a
// GeometryCollection object.
func IsGeometryCollection(v any) bool {
	doc, err := geometryBytes(v)
	if err != nil {
		return false
	}
	var h struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(doc, &h) != nil {
		return false
	}
	return h.Type == FeatureCollection || h.Type == GeometryCollection
}

// GeometryMembers returns the geometries held by a FeatureCollection or
// GeometryCollection document along with its compact encoding. Every member is
// validated.
func GeometryMembers(v any) ([]json.RawMessage, []byte, error) {
	doc, err := geometryBytes(v)
	if err != nil {
		return nil, nil, err
	}
	var c struct {
		Type       string            `json:"type"`
		Geometries []json.RawMessage `json:"geometries"`
		Features   []struct {
			Type     string          `json:"type"`
			Geometry json.RawMessage `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, nil, apperr.New(apperr.ErrInvalidFormat, "invalid geometry collection: %v", err)
	}
	var members []json.RawMessage
	switch c.Type {
	case GeometryCollection:
		members = c.Geometries
	case FeatureCollection:
		members = make([]json.RawMessage, 0, len(c.Features))
		for i, f := range c.Features {
			if f.Type != "Feature" || len(f.Geometry) == 0 {
				return nil, nil, apperr.New(apperr.ErrInvalidFormat, "feature %d has no geometry", i)
			}
			members = append(members, f.Geometry)
		}
	default:
		return nil, nil, apperr.New(apperr.ErrInvalidFormat, "%q is not a geometry collection", c.Type)
	}
	for i, m := range members {
		if _, err := ValidateGeometry(m); err != nil {
			return nil, nil, apperr.New(apperr.ErrInvalidFormat, "member %d: %v", i, err)
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return nil, nil, apperr.New(apperr.ErrInvalidFormat, "invalid geometry collection: %v", err)
	}
	return members, buf.Bytes(), nil
}

// geometryBytes accepts a GeoJSON document as raw JSON, JSON text in a string
// or a decoded object.
func geometryBytes(v any) ([]byte, error) {
	switch g := v.(type) {
	case json.RawMessage:
		return g, nil
	case []byte:
		return g, nil
	case string:
		return []byte(g), nil
	case map[string]any:
		b, err := json.Marshal(g)
		if err != nil {
			return nil, apperr.New(apperr.ErrInvalidFormat, "encode geometry: %v", err)
		}
		return b, nil
	}
	return nil, apperr.New(apperr.ErrParameterTypeMismatch, "expected geometry, got %s", describe(v))
}
