package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTerminal marks a device that is permanently gone. Wrap it with %w; the
// worker stops instead of retrying when errors.Is(err, ErrTerminal).
var ErrTerminal = errors.New("device permanently unavailable")

// ErrNoFix is returned by receivers that are connected but have no position yet.
var ErrNoFix = errors.New("no position fix")

// Reading is one sample of simulator or receiver state.
type Reading struct {
	Time     time.Time
	LatDeg   float64
	LonDeg   float64
	AltFeet  float64
	TrackDeg float64
	GroundKt float64
}

// Source attaches to a device. Open may be called again after the previous
// Device was closed.
type Source interface {
	Name() string
	Open(ctx context.Context) (Device, error)
}

// Device is an attached position source.
//
// Sample blocks until a new reading is available or ctx expires. It is only
// ever called from one goroutine.
type Device interface {
	Sample(ctx context.Context) (Reading, error)
	Close() error
}

// Config selects and configures a Source. All fields are optional unless noted.
type Config struct {
	// Source is one of "sim", "track", "gpsd", "nmea". Empty means "sim".
	Source string

	Sim   SimConfig
	Track TrackConfig

	// GPSDAddr is host:port for Source=="gpsd".
	GPSDAddr string

	// Device and Baud configure Source=="nmea". Empty Device auto-detects.
	Device string
	Baud   int
}

func New(cfg Config) (Source, error) {
	src := strings.ToLower(strings.TrimSpace(cfg.Source))
	switch src {
	case "", "sim":
		return NewSim(cfg.Sim), nil
	case "track":
		return NewTrack(cfg.Track)
	case "gpsd":
		return NewGPSD(cfg.GPSDAddr), nil
	case "nmea":
		return NewNMEA(cfg.Device, cfg.Baud), nil
	default:
		return nil, fmt.Errorf("unknown device source %q", cfg.Source)
	}
}

// IsTerminal reports whether err means the device is gone for good.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

func terminal(err error) error {
	if err == nil || IsTerminal(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTerminal, err)
}

// deadlineFrom returns the ctx deadline or now+fallback.
func deadlineFrom(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}
