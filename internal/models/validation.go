package models

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/surface-annotator/backend/internal/locator"
)

// ValidationError reports a malformed, missing or out-of-range field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks the structural integrity of the target.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetImagePoint, TargetImageRegion:
		if t.Box == nil || t.Anchor != nil || t.Region != nil {
			return invalid("target", "%s requires exactly a box", t.Kind)
		}
		b := t.Box
		if !unit(b.X) || !unit(b.Y) {
			return invalid("target", "box origin must be within [0,1]")
		}
		if t.Kind == TargetImagePoint {
			if b.W != 0 || b.H != 0 {
				return invalid("target", "image point must have zero size")
			}
			return nil
		}
		if !unit(b.W) || !unit(b.H) || b.W == 0 || b.H == 0 {
			return invalid("target", "box size must be within (0,1]")
		}
		if b.X+b.W > 1+1e-9 || b.Y+b.H > 1+1e-9 {
			return invalid("target", "box must lie within the image")
		}
	case TargetElementPoint:
		if t.Anchor == nil || t.Box != nil || t.Region != nil {
			return invalid("target", "%s requires exactly an anchor", t.Kind)
		}
		return t.Anchor.validate("target")
	case TargetElementRegion:
		if t.Region == nil || t.Box != nil || t.Anchor != nil {
			return invalid("target", "%s requires exactly a region", t.Kind)
		}
		if err := t.Region.Start.validate("target.start"); err != nil {
			return err
		}
		return t.Region.End.validate("target.end")
	case "":
		return invalid("target", "is required")
	default:
		return invalid("target.kind", "unknown kind %q", t.Kind)
	}
	return nil
}

func (p AnchoredPoint) validate(field string) error {
	if err := locator.Validate(p.Locator); err != nil {
		return invalid(field+".locator", "%v", err)
	}
	if strings.TrimSpace(p.TagName) == "" {
		return invalid(field+".tagName", "is required")
	}
	if !unit(p.RelativePosition.X) || !unit(p.RelativePosition.Y) {
		return invalid(field+".relativePosition", "must be within [0,1]")
	}
	if !finite(p.AbsolutePosition.X) || !finite(p.AbsolutePosition.Y) {
		return invalid(field+".absolutePosition", "must be finite")
	}
	r := p.ElementRect
	if !finite(r.Top) || !finite(r.Left) || !finite(r.Width) || !finite(r.Height) || r.Width < 0 || r.Height < 0 {
		return invalid(field+".elementRect", "must be finite with non-negative size")
	}
	return nil
}

// Validate checks style ranges.
func (s *Style) Validate() error {
	if s == nil {
		return nil
	}
	if !unit(s.Opacity) {
		return invalid("style.opacity", "must be within [0,1]")
	}
	if !finite(s.StrokeWidth) || s.StrokeWidth < 0 || s.StrokeWidth > 50 {
		return invalid("style.strokeWidth", "must be within [0,50]")
	}
	if len(s.Color) > 32 {
		return invalid("style.color", "is too long")
	}
	return nil
}

// ValidateCommentText enforces the comment length rules. Text may be empty
// only when the comment carries images.
func ValidateCommentText(text string, images int) error {
	if utf8.RuneCountInString(text) > MaxCommentLength {
		return invalid("text", "exceeds maximum length of %d characters", MaxCommentLength)
	}
	if strings.TrimSpace(text) == "" && images == 0 {
		return invalid("text", "is required unless images are attached")
	}
	return nil
}
