package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var errClosed = errors.New("device closed")

// TrackScript is a recorded or hand-written flight replayed as a device.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the last keyframe.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 10m
//	keyframes:
//	  - t: 0s
//	    lat_deg: 46.91
//	    lon_deg: 7.50
//	    alt_feet: 1700
//	    ground_kt: 0
//	    track_deg: 140
//	  - t: 2m
//	    ...
//
// Keyframes must be sorted by non-decreasing t.
type TrackScript struct {
	Version   int             `yaml:"version"`
	Duration  time.Duration   `yaml:"duration"`
	Keyframes []TrackKeyframe `yaml:"keyframes"`
}

type TrackKeyframe struct {
	T        time.Duration `yaml:"t"`
	LatDeg   float64       `yaml:"lat_deg"`
	LonDeg   float64       `yaml:"lon_deg"`
	AltFeet  float64       `yaml:"alt_feet"`
	GroundKt float64       `yaml:"ground_kt"`
	TrackDeg float64       `yaml:"track_deg"`
}

type TrackConfig struct {
	Path string
	// Speed scales replay time; 2 plays twice as fast. Zero means 1.
	Speed float64
	// Loop restarts the track at the end instead of ending the session.
	Loop bool
}

func LoadTrackScript(path string) (TrackScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TrackScript{}, err
	}
	return ParseTrackScriptYAML(b)
}

func ParseTrackScriptYAML(b []byte) (TrackScript, error) {
	var s TrackScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return TrackScript{}, err
	}
	return s, nil
}

// Track is a validated TrackScript.
type Track struct {
	script   TrackScript
	duration time.Duration
}

func NewTrackFromScript(script TrackScript) (*Track, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported track version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
	}
	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	return &Track{script: script, duration: dur}, nil
}

func (t *Track) Duration() time.Duration { return t.duration }

// StateAt interpolates the track at elapsed, clamped to [0, Duration()].
func (t *Track) StateAt(elapsed time.Duration) Reading {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > t.duration {
		elapsed = t.duration
	}
	kf0, kf1, alpha := selectSegment(t.script.Keyframes, elapsed)
	return Reading{
		LatDeg:   lerp(kf0.LatDeg, kf1.LatDeg, alpha),
		LonDeg:   lerp(kf0.LonDeg, kf1.LonDeg, alpha),
		AltFeet:  lerp(kf0.AltFeet, kf1.AltFeet, alpha),
		GroundKt: lerp(kf0.GroundKt, kf1.GroundKt, alpha),
		TrackDeg: lerpAngleDeg(kf0.TrackDeg, kf1.TrackDeg, alpha),
	}
}

// TrackSource replays a Track. Every Open starts from the beginning.
type TrackSource struct {
	cfg   TrackConfig
	track *Track
	now   func() time.Time
}

func NewTrack(cfg TrackConfig) (*TrackSource, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("track path is required")
	}
	script, err := LoadTrackScript(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load track %s: %w", cfg.Path, err)
	}
	tr, err := NewTrackFromScript(script)
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", cfg.Path, err)
	}
	return newTrackSource(cfg, tr), nil
}

func newTrackSource(cfg TrackConfig, tr *Track) *TrackSource {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &TrackSource{cfg: cfg, track: tr, now: time.Now}
}

func (s *TrackSource) Name() string { return "track" }

func (s *TrackSource) Open(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &trackDevice{src: s, start: s.now()}, nil
}

type trackDevice struct {
	src    *TrackSource
	start  time.Time
	ended  bool
	closed bool
}

func (d *trackDevice) Sample(ctx context.Context) (Reading, error) {
	if d.closed {
		return Reading{}, terminal(errClosed)
	}
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	now := d.src.now()
	elapsed := time.Duration(float64(now.Sub(d.start)) * d.src.cfg.Speed)
	dur := d.src.track.Duration()
	if elapsed > dur {
		if !d.src.cfg.Loop {
			// Report the final keyframe once, then the recording is over.
			if d.ended {
				return Reading{}, terminal(errors.New("track finished"))
			}
			d.ended = true
		} else if dur > 0 {
			elapsed %= dur
		}
	}
	r := d.src.track.StateAt(elapsed)
	r.Time = now.UTC()
	return r, nil
}

func (d *trackDevice) Close() error {
	d.closed = true
	return nil
}

func selectSegment(kfs []TrackKeyframe, t time.Duration) (TrackKeyframe, TrackKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngleDeg interpolates along the shortest arc, result in [0, 360).
func lerpAngleDeg(a0, a1, t float64) float64 {
	norm := func(x float64) float64 {
		for x < 0 {
			x += 360
		}
		for x >= 360 {
			x -= 360
		}
		return x
	}
	a0 = norm(a0)
	a1 = norm(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return norm(a0 + delta*t)
}
