package edm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Profile describes one instrument family: how to ask for a reading and how
// to read the answer.
type Profile struct {
	ID        string
	BaudRate  int
	Delimiter byte
	// Prelude frames are exchanged before Request, each answer checked by
	// CheckPrelude.
	Prelude      [][]byte
	CheckPrelude func(frame []byte) error
	Request      []byte
	Decode       func(frame []byte) (RawReading, error)
}

var polyfieldReadCommand = []byte{0x11, 0x0d, 0x0a}

var profiles = map[string]Profile{
	"polyfield": {
		ID:        "polyfield",
		BaudRate:  9600,
		Delimiter: '\n',
		Request:   polyfieldReadCommand,
		Decode:    decodePolyfield,
	},
	"ascii-bcc": {
		ID:        "ascii-bcc",
		BaudRate:  9600,
		Delimiter: '\n',
		Request:   polyfieldReadCommand,
		Decode:    decodeBCC,
	},
	"geocom": {
		ID:           "geocom",
		BaudRate:     19200,
		Delimiter:    '\n',
		Prelude:      [][]byte{[]byte("%R1Q,2008:1,1\r\n")},
		CheckPrelude: checkGeoCOMAck,
		Request:      []byte("%R1Q,2108:5000,1\r\n"),
		Decode:       decodeGeoCOM,
	},
}

// LookupProfile returns the profile registered under id.
func LookupProfile(id string) (Profile, error) {
	p, ok := profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedDeviceProfile, id)
	}
	return p, nil
}

// Profiles lists the registered profile ids.
func Profiles() []string {
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Polyfield frames carry the slope distance as a fixed seven-digit
// millimetre field.
const polyfieldDistanceDigits = 7

// decodePolyfield reads "SD VAZ HAR STATUS" with SD in millimetres and the
// angles packed as DDDMMSS.
func decodePolyfield(frame []byte) (RawReading, error) {
	parts := strings.Fields(strings.TrimSpace(string(frame)))
	if len(parts) != 4 {
		return RawReading{}, malformed("got %d parts, want 4", len(parts))
	}
	if len(parts[0]) != polyfieldDistanceDigits || !allDigits(parts[0]) {
		return RawReading{}, malformed("slope distance %q", parts[0])
	}
	if !allDigits(parts[3]) {
		return RawReading{}, malformed("status %q", parts[3])
	}
	sdMm, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return RawReading{}, malformed("slope distance %q", parts[0])
	}
	vaz, err := ParseDDDMMSS(parts[1])
	if err != nil {
		return RawReading{}, malformed("vertical angle: %v", err)
	}
	har, err := ParseDDDMMSS(parts[2])
	if err != nil {
		return RawReading{}, malformed("horizontal angle: %v", err)
	}
	return validated(RawReading{
		SlopeDistanceM:     sdMm / 1000.0,
		HorizontalAngleDeg: har,
		VerticalAngleDeg:   vaz,
		HasVertical:        true,
	})
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// decodeBCC is the polyfield grammar followed by "*HH", the XOR of every byte
// before the asterisk in hex.
func decodeBCC(frame []byte) (RawReading, error) {
	line := strings.TrimRight(string(frame), "\r\n")
	star := strings.LastIndexByte(line, '*')
	if star < 0 || len(line)-star-1 != 2 {
		return RawReading{}, malformed("missing block check")
	}
	want, err := strconv.ParseUint(line[star+1:], 16, 8)
	if err != nil {
		return RawReading{}, malformed("block check %q", line[star+1:])
	}
	payload := line[:star]
	if got := BlockCheck([]byte(payload)); got != byte(want) {
		return RawReading{}, fmt.Errorf("%w: computed %02X, frame says %02X", ErrChecksumMismatch, got, byte(want))
	}
	return decodePolyfield([]byte(payload))
}

// BlockCheck is the ascii-bcc check byte: the XOR of every byte of p.
func BlockCheck(p []byte) byte {
	var x byte
	for _, b := range p {
		x ^= b
	}
	return x
}

// geoCOMReply splits "%R1P,0,0:RC,a,b,..." into its return code and values.
func geoCOMReply(frame []byte) (rc int, values []string, err error) {
	line := strings.TrimSpace(string(frame))
	header, body, ok := strings.Cut(line, ":")
	if !ok || !strings.HasPrefix(header, "%R1P,") {
		return 0, nil, malformed("not a GeoCOM reply")
	}
	hdr := strings.Split(header, ",")
	if len(hdr) != 3 {
		return 0, nil, malformed("reply header %q", header)
	}
	if hdr[1] != "0" {
		return 0, nil, fmt.Errorf("%w: communication code %s", ErrInstrumentStatus, hdr[1])
	}
	fields := strings.Split(body, ",")
	rc, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, nil, malformed("return code %q", fields[0])
	}
	return rc, fields[1:], nil
}

func checkGeoCOMAck(frame []byte) error {
	rc, _, err := geoCOMReply(frame)
	if err != nil {
		return err
	}
	if rc != 0 {
		return fmt.Errorf("%w: return code %d", ErrInstrumentStatus, rc)
	}
	return nil
}

// decodeGeoCOM reads a TMC_GetSimpleMea reply: Hz and V in radians, slope
// distance in metres.
func decodeGeoCOM(frame []byte) (RawReading, error) {
	rc, values, err := geoCOMReply(frame)
	if err != nil {
		return RawReading{}, err
	}
	if rc != 0 {
		return RawReading{}, fmt.Errorf("%w: return code %d", ErrInstrumentStatus, rc)
	}
	if len(values) != 3 {
		return RawReading{}, malformed("expected 3 values, got %d", len(values))
	}
	var nums [3]float64
	for i, v := range values {
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return RawReading{}, malformed("value %q", v)
		}
		nums[i] = n
	}
	return validated(RawReading{
		SlopeDistanceM:     nums[2],
		HorizontalAngleDeg: nums[0] * 180.0 / math.Pi,
		VerticalAngleDeg:   nums[1] * 180.0 / math.Pi,
		HasVertical:        true,
	})
}

// validated rejects readings that parse but cannot be real observations.
func validated(r RawReading) (RawReading, error) {
	if math.IsNaN(r.SlopeDistanceM) || math.IsInf(r.SlopeDistanceM, 0) || r.SlopeDistanceM <= 0 {
		return RawReading{}, malformed("slope distance %v", r.SlopeDistanceM)
	}
	if math.IsNaN(r.HorizontalAngleDeg) || r.HorizontalAngleDeg < 0 || r.HorizontalAngleDeg >= 360 {
		return RawReading{}, malformed("horizontal angle %v", r.HorizontalAngleDeg)
	}
	if r.HasVertical && (math.IsNaN(r.VerticalAngleDeg) || r.VerticalAngleDeg <= 0 || r.VerticalAngleDeg >= 180) {
		return RawReading{}, malformed("vertical angle %v outside face-left range", r.VerticalAngleDeg)
	}
	return r, nil
}
