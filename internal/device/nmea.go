package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

const feetPerMeter = 3.280839895013123

// NMEA reads a serial GNSS receiver. Position, speed and track come from RMC;
// altitude from the most recent GGA with a valid fix.
type NMEA struct {
	device string
	baud   int
	open   func(path string, baud int) (*os.File, error)
}

func NewNMEA(device string, baud int) *NMEA {
	if baud == 0 {
		baud = 9600
	}
	return &NMEA{device: strings.TrimSpace(device), baud: baud, open: openSerial}
}

func (n *NMEA) Name() string { return "nmea" }

func (n *NMEA) Open(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := n.device
	if path == "" {
		if path = autoDetectSerial(); path == "" {
			return nil, errors.New("nmea auto-detect: no /dev/ttyACM* or /dev/ttyUSB* found")
		}
	}
	f, err := n.open(path, n.baud)
	if err != nil {
		return nil, fmt.Errorf("nmea open device=%s baud=%d: %w", path, n.baud, err)
	}
	return newNMEADevice(f, f.SetReadDeadline), nil
}

type nmeaDevice struct {
	rc          io.ReadCloser
	r           *bufio.Reader
	setDeadline func(time.Time) error
	st          nmeaState
}

func newNMEADevice(rc io.ReadCloser, setDeadline func(time.Time) error) *nmeaDevice {
	return &nmeaDevice{rc: rc, r: bufio.NewReaderSize(rc, 4096), setDeadline: setDeadline}
}

// Sample reads sentences until an active RMC arrives. Lines that fail to
// parse, including checksum mismatches and receiver chatter, are skipped.
func (d *nmeaDevice) Sample(ctx context.Context) (Reading, error) {
	if d.setDeadline != nil {
		_ = d.setDeadline(deadlineFrom(ctx, 5*time.Second))
	}
	for {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return Reading{}, fmt.Errorf("nmea read: %w", ErrNoFix)
			}
			return Reading{}, fmt.Errorf("nmea read: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") {
			continue
		}
		s, err := nmea.Parse(line)
		if err != nil {
			continue
		}
		if d.st.apply(time.Now().UTC(), s) {
			return d.st.reading(), nil
		}
	}
}

func (d *nmeaDevice) Close() error {
	return d.rc.Close()
}

type nmeaState struct {
	latDeg   float64
	lonDeg   float64
	groundKt float64
	trackDeg float64
	altFeet  float64
	fixTime  time.Time
}

// apply folds s into the state and reports whether a new fix is ready.
func (st *nmeaState) apply(now time.Time, s nmea.Sentence) bool {
	switch m := s.(type) {
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return false
		}
		st.latDeg = m.Latitude
		st.lonDeg = m.Longitude
		st.groundKt = m.Speed
		st.trackDeg = math.Mod(m.Course+360, 360)
		st.fixTime = now
		return true
	case nmea.GGA:
		if m.FixQuality != "" && m.FixQuality != nmea.Invalid {
			st.altFeet = math.Round(m.Altitude * feetPerMeter)
		}
	}
	return false
}

func (st *nmeaState) reading() Reading {
	return Reading{
		Time:     st.fixTime,
		LatDeg:   st.latDeg,
		LonDeg:   st.lonDeg,
		AltFeet:  st.altFeet,
		TrackDeg: st.trackDeg,
		GroundKt: st.groundKt,
	}
}

// autoDetectSerial returns the first USB CDC or USB serial adapter, ACM
// devices first.
func autoDetectSerial() string {
	for _, pattern := range []string{"/dev/ttyACM*", "/dev/ttyUSB*"} {
		matches, _ := filepath.Glob(pattern)
		sort.Strings(matches)
		if len(matches) > 0 {
			return matches[0]
		}
	}
	return ""
}
