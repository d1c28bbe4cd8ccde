package device

import (
	"context"
	"math"
	"time"
)

type SimConfig struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltFeet      int
	GroundKt     int
	RadiusNm     float64
	Period       time.Duration
}

// Sim is a deterministic ownship flying a figure-eight around a center point.
type Sim struct {
	cfg SimConfig
	now func() time.Time
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.Period <= 0 {
		cfg.Period = 120 * time.Second
	}
	if cfg.RadiusNm <= 0 {
		cfg.RadiusNm = 0.5
	}
	if cfg.GroundKt <= 0 {
		cfg.GroundKt = 90
	}
	if cfg.AltFeet == 0 {
		cfg.AltFeet = 3000
	}
	return &Sim{cfg: cfg, now: time.Now}
}

func (s *Sim) Name() string { return "sim" }

func (s *Sim) Open(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &simDevice{sim: s}, nil
}

type simDevice struct {
	sim    *Sim
	closed bool
}

func (d *simDevice) Sample(ctx context.Context) (Reading, error) {
	if d.closed {
		return Reading{}, terminal(errClosed)
	}
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	now := d.sim.now().UTC()
	lat, lon, trk, alt := d.sim.Kinematics(now)
	return Reading{
		Time:     now,
		LatDeg:   lat,
		LonDeg:   lon,
		AltFeet:  alt,
		TrackDeg: trk,
		GroundKt: float64(d.sim.cfg.GroundKt),
	}, nil
}

func (d *simDevice) Close() error {
	d.closed = true
	return nil
}

// Kinematics returns the position at now plus a sinusoidal altitude profile
// around AltFeet.
func (s *Sim) Kinematics(now time.Time) (latDeg, lonDeg, trackDeg, altFeet float64) {
	latDeg, lonDeg, trackDeg = s.Position(now)

	// Vertical period is decoupled from horizontal to avoid repetitive sync.
	vp := s.cfg.Period / 2
	if vp < 30*time.Second {
		vp = 30 * time.Second
	}
	amp := 500.0 // ft

	phase := float64(now.UnixNano()%vp.Nanoseconds()) / float64(vp.Nanoseconds())
	altFeet = math.Round(float64(s.cfg.AltFeet) + amp*math.Sin(2*math.Pi*phase))
	return latDeg, lonDeg, trackDeg, altFeet
}

// Position returns a figure-eight (Lissajous) track that stays within the
// configured radius.
func (s *Sim) Position(now time.Time) (latDeg, lonDeg, trackDeg float64) {
	// ~60 NM per degree of latitude.
	radiusDeg := s.cfg.RadiusNm / 60.0

	period := s.cfg.Period
	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())

	//	x = cos(2πt)        east-west
	//	y = 0.5*sin(4πt)    north-south
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	latDeg = s.cfg.CenterLatDeg + radiusDeg*y
	lonDeg = s.cfg.CenterLonDeg + (radiusDeg*x)/math.Cos(s.cfg.CenterLatDeg*math.Pi/180.0)

	// Track from instantaneous velocity, atan2(east, north).
	vx := -2 * math.Pi * math.Sin(w)
	vy := 2 * math.Pi * math.Cos(2*w)
	trackDeg = math.Mod((math.Atan2(vx, vy)*180/math.Pi)+360, 360)
	return latDeg, lonDeg, trackDeg
}
