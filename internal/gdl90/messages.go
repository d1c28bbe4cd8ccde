package gdl90

import (
	"strings"
	"time"
)

const (
	msgHeartbeat      = 0x00
	msgOwnship        = 0x0A
	msgOwnshipGeoAlt  = 0x0B
	msgForeFlight     = 0x65
	foreFlightIDSubID = 0x00
)

// HeartbeatFrameAt builds a heartbeat (0x00) for the given time. The
// timestamp is seconds since 0000Z, 17 bits split across bytes 2..4.
func HeartbeatFrameAt(now time.Time, gpsValid, maintenance bool) []byte {
	msg := make([]byte, 7)
	msg[0] = msgHeartbeat

	// bit0 initialized, bit4 address talkback, bit6 maintenance, bit7 GPS valid.
	status := byte(0x01 | 0x10)
	if gpsValid {
		status |= 0x80
	}
	if maintenance {
		status |= 0x40
	}
	msg[1] = status

	now = now.UTC()
	secs := uint32(now.Hour()*3600 + now.Minute()*60 + now.Second())
	msg[2] = byte((secs>>16)<<7) | 0x01 // UTC OK
	msg[3] = byte(secs)
	msg[4] = byte(secs >> 8)
	return Frame(msg)
}

// OwnshipGeoAltitudeFrame builds an ownship geometric altitude report (0x0B)
// in 5 ft units. The vertical metrics field is left as "not available".
func OwnshipGeoAltitudeFrame(altFeet int) []byte {
	msg := make([]byte, 5)
	msg[0] = msgOwnshipGeoAlt
	v := int16(altFeet / 5)
	msg[1] = byte(uint16(v) >> 8)
	msg[2] = byte(v)
	msg[3] = 0x7F
	msg[4] = 0xFF
	return Frame(msg)
}

// ForeFlightIDFrame builds the ForeFlight device ID message (0x65, sub-id 0).
// Empty names fall back to "simroute".
func ForeFlightIDFrame(shortName, longName string) []byte {
	msg := make([]byte, 39)
	msg[0] = msgForeFlight
	msg[1] = foreFlightIDSubID
	msg[2] = 0x01 // version

	// Serial number unknown.
	for i := 3; i <= 10; i++ {
		msg[i] = 0xFF
	}
	copy(msg[11:19], idName(shortName, "simroute", 8))
	copy(msg[19:35], idName(longName, "simroute relay", 16))

	// Capabilities: geometric altitude is MSL.
	msg[38] = 0x01
	return Frame(msg)
}

func idName(s, fallback string, max int) []byte {
	s = strings.TrimSpace(s)
	if s == "" {
		s = fallback
	}
	if len(s) > max {
		s = s[:max]
	}
	return []byte(s)
}
