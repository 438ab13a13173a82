package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TargetKind discriminates the four Target variants, one per
// (surface, shape) combination.
type TargetKind string

const (
	TargetImagePoint    TargetKind = "image_point"
	TargetImageRegion   TargetKind = "image_region"
	TargetElementPoint  TargetKind = "element_point"
	TargetElementRegion TargetKind = "element_region"
)

// Vec2 is a two-dimensional coordinate.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ElementRect is the bounding box of an element at capture time.
type ElementRect struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
}

// NormalizedBox is a box in the 0..1 design space of an image.
type NormalizedBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// AnchoredPoint is a position expressed relative to a DOM element found by
// its structural locator. AbsolutePosition and ElementRect are diagnostics
// only; rendering uses Locator and RelativePosition.
type AnchoredPoint struct {
	Locator          string      `json:"locator"`
	TagName          string      `json:"tagName"`
	RelativePosition Vec2        `json:"relativePosition"`
	AbsolutePosition Vec2        `json:"absolutePosition"`
	ElementRect      ElementRect `json:"elementRect"`
	CapturedAt       time.Time   `json:"capturedAt"`
}

// AnchoredRegion is a rectangle whose opposite corners are anchored
// independently.
type AnchoredRegion struct {
	Start AnchoredPoint `json:"start"`
	End   AnchoredPoint `json:"end"`
}

// Target is the persisted description of where an annotation points.
// Exactly one of Box, Anchor or Region is set, as selected by Kind.
type Target struct {
	Kind   TargetKind
	Box    *NormalizedBox
	Anchor *AnchoredPoint
	Region *AnchoredRegion
}

// NewImagePoint returns a zero-size box target on an image.
func NewImagePoint(x, y float64) Target {
	return Target{Kind: TargetImagePoint, Box: &NormalizedBox{X: x, Y: y}}
}

// NewImageRegion returns a normalized box target on an image.
func NewImageRegion(box NormalizedBox) Target {
	return Target{Kind: TargetImageRegion, Box: &box}
}

// NewElementPoint returns a point anchored to a website element.
func NewElementPoint(p AnchoredPoint) Target {
	return Target{Kind: TargetElementPoint, Anchor: &p}
}

// NewElementRegion returns a region anchored to two website elements.
func NewElementRegion(start, end AnchoredPoint) Target {
	return Target{Kind: TargetElementRegion, Region: &AnchoredRegion{Start: start, End: end}}
}

// Shape returns the annotation type this target describes.
func (t Target) Shape() AnnotationType {
	switch t.Kind {
	case TargetImagePoint, TargetElementPoint:
		return AnnotationTypePoint
	case TargetImageRegion, TargetElementRegion:
		return AnnotationTypeRegion
	}
	return ""
}

// Surface returns the surface type this target can live on.
func (t Target) Surface() SurfaceType {
	switch t.Kind {
	case TargetImagePoint, TargetImageRegion:
		return SurfaceImage
	case TargetElementPoint, TargetElementRegion:
		return SurfaceWebsite
	}
	return ""
}

type boxJSON struct {
	Kind TargetKind `json:"kind"`
	NormalizedBox
}

type anchorJSON struct {
	Kind TargetKind `json:"kind"`
	AnchoredPoint
}

type regionJSON struct {
	Kind TargetKind `json:"kind"`
	AnchoredRegion
}

// MarshalJSON encodes the target as a flat object tagged with "kind".
func (t Target) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case TargetImagePoint, TargetImageRegion:
		if t.Box == nil {
			return nil, fmt.Errorf("target %s has no box", t.Kind)
		}
		return json.Marshal(boxJSON{Kind: t.Kind, NormalizedBox: *t.Box})
	case TargetElementPoint:
		if t.Anchor == nil {
			return nil, fmt.Errorf("target %s has no anchor", t.Kind)
		}
		return json.Marshal(anchorJSON{Kind: t.Kind, AnchoredPoint: *t.Anchor})
	case TargetElementRegion:
		if t.Region == nil {
			return nil, fmt.Errorf("target %s has no region", t.Kind)
		}
		return json.Marshal(regionJSON{Kind: t.Kind, AnchoredRegion: *t.Region})
	case "":
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("unknown target kind %q", t.Kind)
}

// UnmarshalJSON decodes a target produced by MarshalJSON.
func (t *Target) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Target{}
		return nil
	}

	var head struct {
		Kind TargetKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	switch head.Kind {
	case TargetImagePoint, TargetImageRegion:
		var v boxJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*t = Target{Kind: head.Kind, Box: &v.NormalizedBox}
	case TargetElementPoint:
		var v anchorJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*t = Target{Kind: head.Kind, Anchor: &v.AnchoredPoint}
	case TargetElementRegion:
		var v regionJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*t = Target{Kind: head.Kind, Region: &v.AnchoredRegion}
	default:
		return fmt.Errorf("unknown target kind %q", head.Kind)
	}
	return nil
}
