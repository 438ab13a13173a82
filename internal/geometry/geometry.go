// Package geometry converts between the coordinate spaces of a rendered
// surface: screen pixels as seen by the pointer, pixels relative to the
// rendering container, document pixels of a rendered website, and the
// normalized 0..1 design space.
//
// A Mapper belongs to one open file and is not safe for concurrent use.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/surface-annotator/backend/internal/models"
)

// Point is a position in pixels or normalized units depending on context.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width and height in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an axis-aligned rectangle.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Right returns the right edge.
func (r Rect) Right() float64 { return r.Left + r.Width }

// Bottom returns the bottom edge.
func (r Rect) Bottom() float64 { return r.Top + r.Height }

// RectFromCorners returns the rectangle spanned by two opposite corners in
// any order.
func RectFromCorners(a, b Point) Rect {
	left, right := math.Min(a.X, b.X), math.Max(a.X, b.X)
	top, bottom := math.Min(a.Y, b.Y), math.Max(a.Y, b.Y)
	return Rect{Left: left, Top: top, Width: right - left, Height: bottom - top}
}

// ViewportPresets are the fixed website rendering sizes.
var ViewportPresets = map[models.Viewport]Size{
	models.ViewportDesktop: {Width: 1440, Height: 900},
	models.ViewportTablet:  {Width: 768, Height: 1024},
	models.ViewportMobile:  {Width: 375, Height: 812},
}

// ErrInvalidSize is returned for empty or non-finite sizes.
var ErrInvalidSize = errors.New("size must be positive and finite")

// DesignSize returns the design space of a surface: the natural size of an
// image, or the preset of a website viewport.
func DesignSize(surface models.SurfaceType, viewport *models.Viewport, natural Size) (Size, error) {
	switch surface {
	case models.SurfaceImage:
		if !natural.valid() {
			return Size{}, fmt.Errorf("image natural size: %w", ErrInvalidSize)
		}
		return natural, nil
	case models.SurfaceWebsite:
		if viewport == nil {
			return Size{}, errors.New("website surface requires a viewport")
		}
		s, ok := ViewportPresets[*viewport]
		if !ok {
			return Size{}, fmt.Errorf("unknown viewport %q", *viewport)
		}
		return s, nil
	}
	return Size{}, fmt.Errorf("unknown surface %q", surface)
}

func (s Size) valid() bool {
	return s.Width > 0 && s.Height > 0 && !math.IsInf(s.Width, 0) && !math.IsInf(s.Height, 0)
}

// Mapper maps between coordinate spaces of one rendering surface.
type Mapper struct {
	design    Size
	container Rect
	scroll    Point
}

// NewMapper returns a mapper for a surface of the given design size shown in
// the container rectangle (screen pixels, zoom already applied).
func NewMapper(design Size, container Rect) (*Mapper, error) {
	if !design.valid() {
		return nil, fmt.Errorf("design size: %w", ErrInvalidSize)
	}
	m := &Mapper{design: design}
	if err := m.SetContainer(container); err != nil {
		return nil, err
	}
	return m, nil
}

// SetContainer replaces the current container rectangle.
func (m *Mapper) SetContainer(r Rect) error {
	if !(Size{Width: r.Width, Height: r.Height}).valid() {
		return fmt.Errorf("container: %w", ErrInvalidSize)
	}
	m.container = r
	return nil
}

// SetScroll records the document scroll offset of a website surface in
// design pixels.
func (m *Mapper) SetScroll(p Point) { m.scroll = p }

// Container returns the current container rectangle.
func (m *Mapper) Container() Rect { return m.container }

// Design returns the design size.
func (m *Mapper) Design() Size { return m.design }

// Scale returns container pixels per design pixel along each axis.
func (m *Mapper) Scale() (float64, float64) {
	return m.container.Width / m.design.Width, m.container.Height / m.design.Height
}

// ToNormalized converts a screen point to the 0..1 design space, clamping
// points outside the container to its edges.
func (m *Mapper) ToNormalized(screen Point) Point {
	return Point{
		X: clamp01((screen.X - m.container.Left) / m.container.Width),
		Y: clamp01((screen.Y - m.container.Top) / m.container.Height),
	}
}

// ToScreenRect projects a normalized box to pixels relative to the current
// container.
func (m *Mapper) ToScreenRect(box models.NormalizedBox) Rect {
	return Rect{
		Left:   box.X * m.container.Width,
		Top:    box.Y * m.container.Height,
		Width:  box.W * m.container.Width,
		Height: box.H * m.container.Height,
	}
}

// ToScreen converts a container-relative point to screen pixels.
func (m *Mapper) ToScreen(p Point) Point {
	return Point{X: p.X + m.container.Left, Y: p.Y + m.container.Top}
}

// ScreenToContainer converts a screen point to container-relative pixels.
func (m *Mapper) ScreenToContainer(p Point) Point {
	return Point{X: p.X - m.container.Left, Y: p.Y - m.container.Top}
}

// DocumentToContainer converts a point in website document pixels to
// container-relative pixels, applying scroll and zoom.
func (m *Mapper) DocumentToContainer(p Point) Point {
	sx, sy := m.Scale()
	return Point{X: (p.X - m.scroll.X) * sx, Y: (p.Y - m.scroll.Y) * sy}
}

// ContainerToDocument is the inverse of DocumentToContainer.
func (m *Mapper) ContainerToDocument(p Point) Point {
	sx, sy := m.Scale()
	return Point{X: p.X/sx + m.scroll.X, Y: p.Y/sy + m.scroll.Y}
}

// AnchorPosition returns the document position of an anchor given the
// element rectangle it currently resolves to.
func AnchorPosition(el models.ElementRect, rel models.Vec2) Point {
	return Point{X: el.Left + rel.X*el.Width, Y: el.Top + rel.Y*el.Height}
}

// AnchorRect projects two anchors, each with the rectangle its element
// resolves to now, into a container-relative rectangle.
func (m *Mapper) AnchorRect(startEl models.ElementRect, start models.Vec2, endEl models.ElementRect, end models.Vec2) Rect {
	a := m.DocumentToContainer(AnchorPosition(startEl, start))
	b := m.DocumentToContainer(AnchorPosition(endEl, end))
	return RectFromCorners(a, b)
}

// Fraction returns r's size as a fraction of the container size.
func (m *Mapper) Fraction(r Rect) (float64, float64) {
	return r.Width / m.container.Width, r.Height / m.container.Height
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
