package geometry

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultObserveRate caps container refreshes at display frame rate.
const DefaultObserveRate = 60

// ContainerObserver feeds resize and scroll observations into a Mapper at a
// bounded rate. Observations arriving faster than the limit are held and the
// most recent one is applied by Flush or by the next permitted Observe.
type ContainerObserver struct {
	mapper  *Mapper
	limiter *rate.Limiter
	pending *Rect
	now     func() time.Time
}

// NewContainerObserver returns an observer applying at most hz updates per
// second to m.
func NewContainerObserver(m *Mapper, hz float64) *ContainerObserver {
	if hz <= 0 {
		hz = DefaultObserveRate
	}
	return &ContainerObserver{
		mapper:  m,
		limiter: rate.NewLimiter(rate.Limit(hz), 1),
		now:     time.Now,
	}
}

// Observe records a new container rectangle. It reports whether the mapper
// was updated immediately.
func (o *ContainerObserver) Observe(r Rect) bool {
	if r == o.mapper.Container() && o.pending == nil {
		return false
	}
	if !o.limiter.AllowN(o.now(), 1) {
		o.pending = &r
		return false
	}
	o.pending = nil
	return o.mapper.SetContainer(r) == nil
}

// Pending reports whether an observation is waiting to be applied.
func (o *ContainerObserver) Pending() bool { return o.pending != nil }

// Flush applies the held observation, if any. Render passes call it before
// reading the mapper.
func (o *ContainerObserver) Flush() error {
	if o.pending == nil {
		return nil
	}
	r := *o.pending
	o.pending = nil
	return o.mapper.SetContainer(r)
}
