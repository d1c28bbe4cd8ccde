package gdl90

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// DefaultCallsign is used when an ownship report has no callsign.
const DefaultCallsign = "SIMROUTE"

const (
	// Signed 24-bit semicircle encoding of latitude and longitude.
	degPerLSB = 180.0 / (1 << 23)
	// Track is one byte over 360 degrees.
	trackPerLSB = 360.0 / 256.0

	altInvalid  = 0xFFF
	vvelUnknown = 0x800

	emitterLight = 0x01
)

// Ownship is the aircraft position sent in an ownship report.
type Ownship struct {
	ICAO    [3]byte
	LatDeg  float64
	LonDeg  float64
	AltFeet int

	// NIC and NACp are sent when HaveNICNACp is set, 8/8 otherwise.
	HaveNICNACp bool
	NIC         byte
	NACp        byte

	GroundKt  int
	TrackDeg  float64
	OnGround  bool
	VvelFpm   int
	VvelValid bool

	Callsign  string
	Emitter   byte // 0 means light aircraft
	Emergency byte
}

// OwnshipReportFrame builds an ownship report (0x0A). Vertical velocity is
// sent as unknown unless VvelValid is set.
func OwnshipReportFrame(o Ownship) []byte {
	msg := make([]byte, 28)
	msg[0] = msgOwnship
	msg[1] = 0x00 // no alert, ADS-B with ICAO address
	copy(msg[2:5], o.ICAO[:])
	put24(msg[5:8], encodeLatLon24(o.LatDeg))
	put24(msg[8:11], encodeLatLon24(o.LonDeg))

	// 12-bit altitude, then the misc nibble: bit0 true track, bit3 airborne.
	alt := encodeAltitude12(o.AltFeet)
	misc := byte(0x01)
	if !o.OnGround {
		misc |= 0x08
	}
	msg[11] = byte(alt >> 4)
	msg[12] = byte(alt&0x0F)<<4 | misc

	msg[13] = 0x88
	if o.HaveNICNACp {
		msg[13] = (o.NIC&0x0F)<<4 | o.NACp&0x0F
	}

	// 12-bit ground speed and 12-bit vertical velocity share three bytes.
	gs := encodeU12(o.GroundKt)
	vv := uint16(vvelUnknown)
	if o.VvelValid {
		vv = uint16(int16(math.Round(float64(o.VvelFpm)/64))) & 0x0FFF
	}
	msg[14] = byte(gs >> 4)
	msg[15] = byte(gs&0x0F)<<4 | byte(vv>>8)
	msg[16] = byte(vv)

	msg[17] = encodeTrack8(o.TrackDeg)
	msg[18] = o.Emitter
	if msg[18] == 0 {
		msg[18] = emitterLight
	}
	copy(msg[19:27], sanitizeCallsign(o.Callsign))
	msg[27] = (o.Emergency & 0x0F) << 4
	return Frame(msg)
}

// ParseICAOHex parses a 24-bit address such as "F00000" or "0xf00000".
func ParseICAOHex(s string) ([3]byte, error) {
	var out [3]byte
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) != 6 {
		return out, fmt.Errorf("icao must be 6 hex chars, got %q", s)
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, fmt.Errorf("icao: %w", err)
	}
	return out, nil
}

func put24(dst []byte, v uint32) {
	dst[0], dst[1], dst[2] = byte(v>>16), byte(v>>8), byte(v)
}

// encodeLatLon24 truncates toward zero.
func encodeLatLon24(deg float64) uint32 {
	return uint32(int32(deg/degPerLSB)) & 0x00FFFFFF
}

// encodeAltitude12 uses 25 ft steps from -1000 ft.
func encodeAltitude12(altFeet int) uint16 {
	if altFeet < -1000 || altFeet > 101350 {
		return altInvalid
	}
	return uint16((altFeet+1000)/25) & 0x0FFF
}

func encodeU12(v int) uint16 {
	return uint16(min(max(v, 0), 0xFFF))
}

func encodeTrack8(deg float64) byte {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return byte(int(math.Floor((deg+trackPerLSB/2)/trackPerLSB)) & 0xFF)
}

// sanitizeCallsign returns exactly eight bytes of [0-9A-Z ].
func sanitizeCallsign(s string) []byte {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		s = DefaultCallsign
	}
	out := []byte("        ")
	for i := 0; i < len(s) && i < len(out); i++ {
		if c := s[i]; (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') {
			out[i] = c
		}
	}
	return out
}
