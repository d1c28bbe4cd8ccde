package route

import (
	"sync"

	"github.com/google/uuid"
)

// Sample is a device reading before it is stored.
type Sample struct {
	LatDeg     float64
	LonDeg     float64
	AltFeet    float64
	HeadingDeg float64
	GroundKt   float64
}

// Point is one stored position. Seq is its index within the current route
// generation and restarts at 0 after Reset.
type Point struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Alt   float64 `json:"alt"`
	Hdg   float64 `json:"hdg"`
	Speed float64 `json:"speed"`
	Seq   int     `json:"seq"`
}

// Diff is the answer to an incremental read. Points is never nil.
//
// An empty Points means either nothing new or a reset happened underneath the
// caller; callers compare ID with their cached id to tell the two apart.
type Diff struct {
	ID     string  `json:"id"`
	Points []Point `json:"points"`
}

// Route is the position history of one tracked session.
//
// All methods are safe for concurrent use. Locks are held only for slice and
// id bookkeeping; nothing under the lock blocks.
type Route struct {
	mu sync.Mutex

	id     string
	points []Point

	newID func() string
}

func New() *Route {
	return newRoute(uuid.NewString)
}

func newRoute(newID func() string) *Route {
	return &Route{id: newID(), newID: newID}
}

// Append stores s at the end of the route and returns the stored point.
func (r *Route) Append(s Sample) Point {
	p := Point{
		Lat:   s.LatDeg,
		Lon:   s.LonDeg,
		Alt:   s.AltFeet,
		Hdg:   s.HeadingDeg,
		Speed: s.GroundKt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p.Seq = len(r.points)
	r.points = append(r.points, p)
	return p
}

// Latest returns the most recent point. ok is false for an empty route.
func (r *Route) Latest() (p Point, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.points) == 0 {
		return Point{}, false
	}
	return r.points[len(r.points)-1], true
}

// DiffSince returns every point at position >= known together with the
// current id. Negative values read from the start; values past the end yield
// an empty diff.
func (r *Route) DiffSince(known int) Diff {
	if known < 0 {
		known = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := Diff{ID: r.id, Points: []Point{}}
	if known >= len(r.points) {
		return out
	}
	out.Points = append(make([]Point, 0, len(r.points)-known), r.points[known:]...)
	return out
}

// Reset starts a new session: history is dropped and a new id is assigned.
// It returns the new id.
func (r *Route) Reset() string {
	id := r.newID()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id == r.id {
		id = r.newID()
	}
	// Replace, don't truncate: the old backing array is never written again.
	r.id = id
	r.points = nil
	return id
}

func (r *Route) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Route) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}
