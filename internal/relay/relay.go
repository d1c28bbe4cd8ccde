// Package relay broadcasts the newest route point as GDL90 ownship traffic so
// EFB apps on the same network can show the simulated aircraft.
package relay

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"simroute/internal/gdl90"
	"simroute/internal/metrics"
	"simroute/internal/route"
)

// Sender writes each frame as one datagram and reports how many went out.
type Sender interface {
	SendAll(frames [][]byte) (int, error)
}

// Source yields the newest stored position.
type Source interface {
	Latest() (route.Point, bool)
}

// TickRecorder is told about every completed broadcast.
type TickRecorder interface {
	MarkTick(nowUTC time.Time, frames int)
}

type Config struct {
	Interval time.Duration
	ICAO     [3]byte
	Callsign string
}

type Relay struct {
	cfg    Config
	src    Source
	out    Sender
	rec    TickRecorder
	log    zerolog.Logger
	now    func() time.Time
	failed bool
}

func New(cfg Config, src Source, out Sender, rec TickRecorder, logger zerolog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Relay{
		cfg: cfg,
		src: src,
		out: out,
		rec: rec,
		log: logger.With().Str("component", "gdl90").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Run broadcasts once immediately and then every interval until ctx ends.
func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	r.log.Info().Dur("interval", r.cfg.Interval).Msg("gdl90 relay started")
	r.Tick()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("gdl90 relay stopped")
			return
		case <-t.C:
			r.Tick()
		}
	}
}

// Tick sends one round of frames.
func (r *Relay) Tick() {
	now := r.now()
	frames := r.Frames(now)
	n, err := r.out.SendAll(frames)
	if n > 0 {
		metrics.RelayFramesSent.Add(float64(n))
	}
	if r.rec != nil {
		r.rec.MarkTick(now, n)
	}
	switch {
	case err != nil && !r.failed:
		r.failed = true
		r.log.Warn().Err(err).Msg("gdl90 send failed")
	case err == nil && r.failed:
		r.failed = false
		r.log.Info().Msg("gdl90 send recovered")
	}
}

// Frames builds the heartbeat and ID frames plus, once the route has a point,
// the ownship report and geometric altitude.
func (r *Relay) Frames(now time.Time) [][]byte {
	p, ok := r.src.Latest()
	frames := [][]byte{
		gdl90.HeartbeatFrameAt(now, ok, false),
		gdl90.ForeFlightIDFrame("simroute", "simroute relay"),
	}
	if !ok {
		return frames
	}
	alt := int(math.Round(p.Alt))
	return append(frames,
		gdl90.OwnshipReportFrame(Ownship(p, r.cfg.ICAO, r.cfg.Callsign)),
		gdl90.OwnshipGeoAltitudeFrame(alt),
	)
}

// Ownship maps a route point onto an ownship report. The aircraft is treated
// as airborne when it moves faster than 30 kt.
func Ownship(p route.Point, icao [3]byte, callsign string) gdl90.Ownship {
	return gdl90.Ownship{
		ICAO:     icao,
		LatDeg:   p.Lat,
		LonDeg:   p.Lon,
		AltFeet:  int(math.Round(p.Alt)),
		GroundKt: int(math.Round(p.Speed)),
		TrackDeg: p.Hdg,
		OnGround: p.Speed < 30,
		Callsign: callsign,
	}
}
