package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// GPSD follows a gpsd daemon's JSON watch stream.
type GPSD struct {
	addr string
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

func NewGPSD(addr string) *GPSD {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}
	return &GPSD{addr: addr, dial: dialGPSD}
}

func (g *GPSD) Name() string { return "gpsd" }

func (g *GPSD) Open(ctx context.Context) (Device, error) {
	conn, err := g.dial(ctx, g.addr)
	if err != nil {
		return nil, fmt.Errorf("gpsd dial addr=%s: %w", g.addr, err)
	}
	if err := gpsdWatch(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gpsd watch: %w", err)
	}
	return &gpsdDevice{conn: conn, scanner: newGPSDScanner(conn)}, nil
}

func newGPSDScanner(conn net.Conn) *bufio.Scanner {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	return scanner
}

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports. scaled=true yields SI units.
func gpsdWatch(conn net.Conn) error {
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdDevice struct {
	conn    net.Conn
	scanner *bufio.Scanner
	st      gpsdState
}

// Sample reads reports until the next TPV that carries a 2D/3D fix.
func (d *gpsdDevice) Sample(ctx context.Context) (Reading, error) {
	_ = d.conn.SetReadDeadline(deadlineFrom(ctx, 5*time.Second))
	for {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		if !d.scanner.Scan() {
			err := d.scanner.Err()
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// A Scanner stays failed after an error; the connection does not.
				d.scanner = newGPSDScanner(d.conn)
				return Reading{}, fmt.Errorf("gpsd read: %w", ErrNoFix)
			}
			if err == nil {
				err = errors.New("connection closed")
			}
			return Reading{}, fmt.Errorf("gpsd read: %w", err)
		}
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		fixed, err := d.st.applyLine(time.Now().UTC(), line)
		if err != nil {
			continue
		}
		if fixed {
			return d.st.reading(), nil
		}
	}
}

func (d *gpsdDevice) Close() error {
	return d.conn.Close()
}

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Class string `json:"class"`
	Mode  *int   `json:"mode"`
	Time  string `json:"time"`

	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`

	Alt     *float64 `json:"alt"`
	AltMSL  *float64 `json:"altMSL"`
	SpeedMS *float64 `json:"speed"`
	Track   *float64 `json:"track"`
}

type gpsdState struct {
	latDeg   float64
	lonDeg   float64
	altFeet  float64
	groundKt float64
	trackDeg float64
	fixTime  time.Time
}

// applyLine folds one gpsd report into the state. It reports true when the
// line was a TPV with a usable fix.
func (s *gpsdState) applyLine(nowUTC time.Time, line string) (bool, error) {
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return false, fmt.Errorf("gpsd json parse failed: %v", err)
	}
	// Ignore VERSION/DEVICES/WATCH/SKY.
	if strings.ToUpper(strings.TrimSpace(base.Class)) != "TPV" {
		return false, nil
	}
	var tpv gpsdTPV
	if err := json.Unmarshal([]byte(line), &tpv); err != nil {
		return false, fmt.Errorf("gpsd tpv parse failed: %v", err)
	}
	return s.applyTPV(nowUTC, tpv), nil
}

func (s *gpsdState) applyTPV(nowUTC time.Time, tpv gpsdTPV) bool {
	if tpv.Mode == nil || *tpv.Mode < 2 || tpv.Lat == nil || tpv.Lon == nil {
		return false
	}
	s.latDeg = *tpv.Lat
	s.lonDeg = *tpv.Lon

	// m/s -> kt
	if tpv.SpeedMS != nil {
		s.groundKt = (*tpv.SpeedMS) * 1.9438444924406
	}
	if tpv.Track != nil {
		s.trackDeg = *tpv.Track
	}
	altM := tpv.AltMSL
	if altM == nil {
		altM = tpv.Alt
	}
	if altM != nil {
		s.altFeet = (*altM) * 3.280839895013123
	}

	s.fixTime = nowUTC
	if strings.TrimSpace(tpv.Time) != "" {
		if t, err := time.Parse(time.RFC3339Nano, tpv.Time); err == nil {
			s.fixTime = t.UTC()
		}
	}
	return true
}

func (s *gpsdState) reading() Reading {
	return Reading{
		Time:     s.fixTime,
		LatDeg:   s.latDeg,
		LonDeg:   s.lonDeg,
		AltFeet:  s.altFeet,
		TrackDeg: s.trackDeg,
		GroundKt: s.groundKt,
	}
}
