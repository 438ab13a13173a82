// Package target turns raw pointer interactions on a rendered surface into
// persisted annotation targets. It is the single place that decides what
// counts as a valid annotation shape and it performs no I/O.
package target

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/surface-annotator/backend/internal/geometry"
	"github.com/surface-annotator/backend/internal/locator"
	"github.com/surface-annotator/backend/internal/models"
)

// MinRegionFraction is the smallest accepted region edge as a fraction of
// the container, about 10px at typical zoom.
const MinRegionFraction = 0.01

var (
	ErrTooSmall       = errors.New("region is below the minimum size")
	ErrMissingElement = errors.New("interaction did not resolve to an element")
	ErrMissingDrag    = errors.New("region requires a drag end point")
	ErrUnsupported    = errors.New("unsupported surface or annotation type")
)

// ElementHit is the element under the pointer, captured at interaction time.
// Rect is the element's bounding box in document pixels.
type ElementHit struct {
	Locator string
	TagName string
	Rect    models.ElementRect
}

// NewElementHit builds a hit for el, failing when no locator can be produced
// for it.
func NewElementHit(el *html.Node, rect models.ElementRect) (*ElementHit, error) {
	loc, err := locator.Generate(el)
	if err != nil {
		return nil, fmt.Errorf("failed to locate element: %w", err)
	}
	return &ElementHit{Locator: loc, TagName: strings.ToUpper(el.Data), Rect: rect}, nil
}

// Interaction is a click (End nil) or a drag from Start to End, in screen
// pixels. Website interactions carry the element under each end.
type Interaction struct {
	Start        geometry.Point
	End          *geometry.Point
	StartElement *ElementHit
	EndElement   *ElementHit
	CapturedAt   time.Time
}

// Resolve builds the target for an interaction on a surface mapped by m.
func Resolve(m *geometry.Mapper, surface models.SurfaceType, kind models.AnnotationType, in Interaction) (models.Target, error) {
	switch {
	case surface == models.SurfaceImage && kind == models.AnnotationTypePoint:
		p := m.ToNormalized(in.Start)
		return models.NewImagePoint(p.X, p.Y), nil

	case surface == models.SurfaceImage && kind == models.AnnotationTypeRegion:
		if in.End == nil {
			return models.Target{}, ErrMissingDrag
		}
		r := geometry.RectFromCorners(m.ToNormalized(in.Start), m.ToNormalized(*in.End))
		if r.Width < MinRegionFraction || r.Height < MinRegionFraction {
			return models.Target{}, ErrTooSmall
		}
		return models.NewImageRegion(models.NormalizedBox{X: r.Left, Y: r.Top, W: r.Width, H: r.Height}), nil

	case surface == models.SurfaceWebsite && kind == models.AnnotationTypePoint:
		if in.StartElement == nil {
			return models.Target{}, ErrMissingElement
		}
		return models.NewElementPoint(anchor(m, in.Start, in.StartElement, in.CapturedAt)), nil

	case surface == models.SurfaceWebsite && kind == models.AnnotationTypeRegion:
		if in.End == nil {
			return models.Target{}, ErrMissingDrag
		}
		if in.StartElement == nil || in.EndElement == nil {
			return models.Target{}, ErrMissingElement
		}
		start := anchor(m, in.Start, in.StartElement, in.CapturedAt)
		end := anchor(m, *in.End, in.EndElement, in.CapturedAt)
		r := m.AnchorRect(start.ElementRect, start.RelativePosition, end.ElementRect, end.RelativePosition)
		if fw, fh := m.Fraction(r); fw < MinRegionFraction || fh < MinRegionFraction {
			return models.Target{}, ErrTooSmall
		}
		return models.NewElementRegion(start, end), nil
	}
	return models.Target{}, fmt.Errorf("%w: %s %s", ErrUnsupported, surface, kind)
}

// anchor expresses the screen point relative to the hit element.
func anchor(m *geometry.Mapper, screen geometry.Point, hit *ElementHit, at time.Time) models.AnchoredPoint {
	doc := m.ContainerToDocument(m.ScreenToContainer(screen))
	abs := models.Vec2{X: doc.X - hit.Rect.Left, Y: doc.Y - hit.Rect.Top}
	return models.AnchoredPoint{
		Locator: hit.Locator,
		TagName: hit.TagName,
		RelativePosition: models.Vec2{
			X: ratio(abs.X, hit.Rect.Width),
			Y: ratio(abs.Y, hit.Rect.Height),
		},
		AbsolutePosition: abs,
		ElementRect:      hit.Rect,
		CapturedAt:       at.UTC(),
	}
}

func ratio(offset, length float64) float64 {
	if length <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, offset/length))
}
