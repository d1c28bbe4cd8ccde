package bridge

import (
	"simroute/internal/control"
	"simroute/internal/metrics"
	"simroute/internal/route"
)

// Handle is what the serving layer holds: shared access to the route and a
// sender for worker control. A Handle is safe for concurrent use.
type Handle struct {
	route *route.Route
	tx    *control.Sender
}

func NewHandle(r *route.Route, tx *control.Sender) *Handle {
	return &Handle{route: r, tx: tx}
}

func (h *Handle) Route() *route.Route { return h.route }

func (h *Handle) Latest() (route.Point, bool) { return h.route.Latest() }

func (h *Handle) DiffSince(known int) route.Diff { return h.route.DiffSince(known) }

func (h *Handle) ID() string { return h.route.ID() }

// Reset starts a new route session and returns its id.
func (h *Handle) Reset() string {
	id := h.route.Reset()
	metrics.RouteResets.Inc()
	metrics.RouteLength.Set(0)
	return id
}

// Shutdown asks the worker to stop. It does not wait for the worker and is
// safe to call any number of times.
func (h *Handle) Shutdown() {
	h.tx.Stop()
}

// Send delivers a non-stop control message without blocking.
func (h *Handle) Send(m control.Message) bool {
	return h.tx.Send(m)
}
