package web

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"simroute/internal/worker"
)

// Status carries process-level facts that no other component owns: start
// time and the GDL90 relay counters.
type Status struct {
	startUnixNano int64
	framesSent    uint64
	lastTickNano  int64
	gdl90Dest     atomic.Value // string
	interval      atomic.Value // string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.gdl90Dest.Store("")
	s.interval.Store("")
	return s
}

// SetRelay records the relay destination; an empty dest means disabled.
func (s *Status) SetRelay(dest string, interval time.Duration) {
	s.gdl90Dest.Store(dest)
	s.interval.Store(interval.String())
}

// MarkTick is called by the relay after every broadcast.
func (s *Status) MarkTick(nowUTC time.Time, framesSentThisTick int) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastTickNano, nowUTC.UnixNano())
	if framesSentThisTick > 0 {
		atomic.AddUint64(&s.framesSent, uint64(framesSentThisTick))
	}
}

type RouteStatus struct {
	ID     string `json:"id"`
	Points int    `json:"points"`
}

type RelayStatus struct {
	Dest            string `json:"dest"`
	Interval        string `json:"interval"`
	FramesSentTotal uint64 `json:"frames_sent_total"`
	LastTickUTC     string `json:"last_tick_utc,omitempty"`
}

type StatusSnapshot struct {
	Service   string           `json:"service"`
	NowUTC    string           `json:"now_utc"`
	UptimeSec int64            `json:"uptime_sec"`
	Route     RouteStatus      `json:"route"`
	Worker    *worker.Snapshot `json:"worker,omitempty"`
	GDL90     *RelayStatus     `json:"gdl90,omitempty"`
}

func (s *Status) relay() *RelayStatus {
	dest := s.gdl90Dest.Load().(string)
	if dest == "" {
		return nil
	}
	rs := &RelayStatus{
		Dest:            dest,
		Interval:        s.interval.Load().(string),
		FramesSentTotal: atomic.LoadUint64(&s.framesSent),
	}
	if lastTick := atomic.LoadInt64(&s.lastTickNano); lastTick != 0 {
		rs.LastTickUTC = time.Unix(0, lastTick).UTC().Format(time.RFC3339Nano)
	}
	return rs
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	st := s.d.Status
	start := time.Unix(0, atomic.LoadInt64(&st.startUnixNano)).UTC()

	rt := s.d.Handle.Route()
	snap := StatusSnapshot{
		Service:   "simroute",
		NowUTC:    now.Format(time.RFC3339Nano),
		UptimeSec: int64(now.Sub(start).Seconds()),
		Route:     RouteStatus{ID: rt.ID(), Points: rt.Len()},
		GDL90:     st.relay(),
	}
	if s.d.Worker != nil {
		ws := s.d.Worker.Snapshot()
		snap.Worker = &ws
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
