// Package wind reads a single signed wind speed from a wind gauge. Tailwind
// is positive. There is no calibration state and no tolerance logic.
package wind

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"polyfield-edm/internal/edm"
	"polyfield-edm/internal/transport"
)

// Profile describes one wind gauge family. Gauges stream readings, so an
// empty Request just waits for the next frame.
type Profile struct {
	ID       string
	BaudRate int
	Request  []byte
	Decode   func(frame []byte) (float64, error)
}

var profiles = map[string]Profile{
	"polyfield-wind": {ID: "polyfield-wind", BaudRate: 9600, Decode: decodeSigned},
	"nmea-mwv":       {ID: "nmea-mwv", BaudRate: 4800, Decode: decodeMWV},
}

// LookupProfile returns the wind profile registered under id.
func LookupProfile(id string) (Profile, error) {
	p, ok := profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", edm.ErrUnsupportedDeviceProfile, id)
	}
	return p, nil
}

// Profiles lists the registered wind profile ids.
func Profiles() []string {
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", edm.ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// decodeSigned reads "<id>,<+|-value>,<unit>..." where the second field is
// the signed speed in m/s.
func decodeSigned(frame []byte) (float64, error) {
	parts := strings.Split(strings.TrimSpace(string(frame)), ",")
	if len(parts) < 2 {
		return 0, malformed("got %d fields", len(parts))
	}
	field := strings.TrimSpace(parts[1])
	if !strings.HasPrefix(field, "+") && !strings.HasPrefix(field, "-") {
		return 0, malformed("speed %q is not signed", field)
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, malformed("speed %q", field)
	}
	return v, nil
}

// speed units used in MWV sentences, to m/s
var mwvUnits = map[string]float64{
	"M": 1,
	"K": 1 / 3.6,
	"N": 0.514444,
	"S": 0.44704,
}

// mwvParser reports checksum failures as edm.ErrChecksumMismatch.
var mwvParser = nmea.SentenceParser{
	CheckCRC: func(s nmea.BaseSentence, rawFields string) error {
		if s.Checksum == "" {
			return malformed("sentence has no checksum")
		}
		if got := nmea.Checksum(rawFields); got != s.Checksum {
			return fmt.Errorf("%w: computed %s, sentence says %s", edm.ErrChecksumMismatch, got, s.Checksum)
		}
		return nil
	},
}

// decodeMWV converts a relative NMEA wind sentence to the along-track
// component. The gauge's zero bearing faces down the runway, so wind from
// 180° is a pure tailwind. True-north sentences are rejected since the
// runway heading is unknown.
func decodeMWV(frame []byte) (float64, error) {
	line := strings.TrimSpace(string(frame))
	sentence, err := mwvParser.Parse(line)
	if err != nil {
		if errors.Is(err, edm.ErrChecksumMismatch) || errors.Is(err, edm.ErrMalformedResponse) {
			return 0, err
		}
		return 0, malformed("%v", err)
	}
	if sentence.DataType() != nmea.TypeMWV {
		return 0, malformed("unexpected %s sentence", sentence.DataType())
	}
	m := sentence.(nmea.MWV)
	if !m.StatusValid {
		return 0, malformed("gauge reports invalid data")
	}
	if m.Reference != nmea.RelativeMWV {
		return 0, malformed("wind reference %q, want relative", m.Reference)
	}
	scale, ok := mwvUnits[m.WindSpeedUnit]
	if !ok {
		return 0, malformed("speed unit %q", m.WindSpeedUnit)
	}
	if m.WindAngle < 0 || m.WindAngle >= 360 || m.WindSpeed < 0 {
		return 0, malformed("angle %v speed %v", m.WindAngle, m.WindSpeed)
	}
	return -m.WindSpeed * scale * math.Cos(m.WindAngle*math.Pi/180), nil
}

// Adapter reads wind values with one profile.
type Adapter struct {
	profile Profile
	timeout time.Duration
}

// NewAdapter returns an Adapter for profileID. A zero timeout means
// transport.DefaultTimeout.
func NewAdapter(profileID string, timeout time.Duration) (*Adapter, error) {
	p, err := LookupProfile(profileID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	return &Adapter{profile: p, timeout: timeout}, nil
}

func (a *Adapter) Profile() Profile { return a.profile }

// MeasureWind returns the next wind value from ch in m/s.
func (a *Adapter) MeasureWind(ctx context.Context, ch transport.Channel) (float64, error) {
	if ch == nil {
		return 0, transport.ErrNotConnected
	}
	resp, err := ch.WriteThenRead(ctx, a.profile.Request, a.timeout)
	if err != nil {
		return 0, fmt.Errorf("wind: %s read: %w", a.profile.ID, err)
	}
	v, err := a.profile.Decode(resp)
	if err != nil {
		return 0, &edm.DecodeError{Profile: a.profile.ID, Frame: string(resp), Err: err}
	}
	return v, nil
}
