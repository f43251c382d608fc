// Package simulator provides virtual instruments for simulated mode. They
// implement transport.Channel and speak the real wire formats, so simulated
// readings pass through the same codecs and checks as live ones.
package simulator

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"polyfield-edm/internal/calibration"
	"polyfield-edm/internal/edm"
	"polyfield-edm/internal/geometry"
	"polyfield-edm/internal/transport"
)

// Target is what the simulated prism is currently standing on.
type Target string

const (
	TargetCentre Target = "centre"
	TargetEdge   Target = "edge"
	TargetSector Target = "sector"
	TargetThrow  Target = "throw"
)

// Options tune a simulated instrument.
type Options struct {
	Seed    int64
	Latency time.Duration
	// EdgeErrorM is the largest radius error of a simulated edge point.
	EdgeErrorM float64
	// NoiseM is the largest slope distance noise of a single read.
	NoiseM float64
	// EDMProfile and WindProfile pick the wire formats the virtual
	// devices speak. Empty means polyfield and polyfield-wind.
	EDMProfile   string
	WindProfile  string
	WindInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Seed:         time.Now().UnixNano(),
		Latency:      300 * time.Millisecond,
		EdgeErrorM:   0.002,
		NoiseM:       0.0005,
		EDMProfile:   "polyfield",
		WindProfile:  "polyfield-wind",
		WindInterval: time.Second,
	}
}

// throw distance ranges from the circle edge, per event
var throwRanges = map[calibration.CircleType][2]float64{
	calibration.Shot:       {8.0, 18.0},
	calibration.Discus:     {25.0, 65.0},
	calibration.Hammer:     {20.0, 75.0},
	calibration.Weight:     {8.0, 20.0},
	calibration.JavelinArc: {35.0, 85.0},
}

// Instrument is a virtual EDM speaking one of the edm profiles.
type Instrument struct {
	opts     Options
	profile  edm.Profile
	inflight sync.Mutex
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	rng     *rand.Rand
	spec    calibration.CircleSpec
	station geometry.Point
	target  Target
	aimed   geometry.Point
	zenith  float64
}

// NewInstrument places a virtual station 8-15 m from the circle centre. An
// instrument with an unknown profile never answers.
func NewInstrument(opts Options) *Instrument {
	if opts.EDMProfile == "" {
		opts.EDMProfile = "polyfield"
	}
	profile, err := edm.LookupProfile(opts.EDMProfile)
	if err != nil {
		log.Printf("simulator: %v", err)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	distance := 8.0 + rng.Float64()*7.0
	angle := rng.Float64() * 2 * math.Pi
	spec, _ := calibration.Spec(calibration.Shot)
	in := &Instrument{
		opts:    opts,
		profile: profile,
		closed:  make(chan struct{}),
		rng:     rng,
		spec:    spec,
		station: geometry.Point{X: distance * math.Cos(angle), Y: distance * math.Sin(angle)},
	}
	in.Aim(TargetCentre)
	log.Printf("simulator: station at X=%.4fm, Y=%.4fm", in.station.X, in.station.Y)
	return in
}

// Station returns the true station position, for tests.
func (in *Instrument) Station() geometry.Point {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.station
}

// Aimed returns the true position of the current target.
func (in *Instrument) Aimed() geometry.Point {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.aimed
}

// SetCircle changes the circle the simulated targets are placed around.
func (in *Instrument) SetCircle(t calibration.CircleType) error {
	spec, err := calibration.Spec(t)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.spec = spec
	in.mu.Unlock()
	return nil
}

// Aim moves the simulated prism onto a new target. Every read until the
// next Aim observes the same point.
func (in *Instrument) Aim(t Target) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.target = t
	in.zenith = 88.0 + in.rng.Float64()*4.0
	switch t {
	case TargetCentre:
		in.aimed = geometry.Point{}
	case TargetEdge:
		r := in.spec.TargetRadiusM + (in.rng.Float64()*2-1)*in.opts.EdgeErrorM
		a := in.rng.Float64() * 2 * math.Pi
		in.aimed = geometry.Point{X: r * math.Cos(a), Y: r * math.Sin(a)}
	case TargetSector:
		d := in.spec.TargetRadiusM + 15.0 + in.rng.Float64()*10.0
		in.aimed = geometry.SectorPoint(d, in.spec.HalfSectorAngleDeg)
	case TargetThrow:
		rng := throwRanges[in.spec.Type]
		d := in.spec.TargetRadiusM + rng[0] + in.rng.Float64()*(rng[1]-rng[0])
		a := (in.rng.Float64()*2 - 1) * in.spec.HalfSectorAngleDeg * 0.9
		in.aimed = geometry.SectorPoint(d, a)
	}
	log.Printf("simulator: aimed at %s X=%.4fm, Y=%.4fm", t, in.aimed.X, in.aimed.Y)
}

// frame renders one reading of the current target in the profile's format.
func (in *Instrument) frame() []byte {
	in.mu.Lock()
	d, bearing := geometry.ReadingTo(in.station, in.aimed)
	zenith := in.zenith
	slope := geometry.SlopeDistance(d, zenith) + (in.rng.Float64()*2-1)*in.opts.NoiseM
	in.mu.Unlock()

	if in.profile.ID == "geocom" {
		return []byte(fmt.Sprintf("%%R1P,0,0:0,%.9f,%.9f,%.4f\r\n",
			bearing*math.Pi/180, zenith*math.Pi/180, slope))
	}
	payload := fmt.Sprintf("%07.0f %s %s 83",
		slope*1000, edm.FormatDDDMMSS(zenith), edm.FormatDDDMMSS(bearing))
	if in.profile.ID == "ascii-bcc" {
		payload += fmt.Sprintf("*%02X", edm.BlockCheck([]byte(payload)))
	}
	return []byte(payload + "\r\n")
}

// geoCOMAck is the reply to a successful GeoCOM measurement start.
var geoCOMAck = []byte("%R1P,0,0:0\r\n")

// reply returns the frame that answers request, or nil if the profile has
// no answer for it.
func (in *Instrument) reply(request []byte) []byte {
	if in.profile.ID == "" {
		return nil
	}
	if bytes.Equal(request, in.profile.Request) {
		return in.frame()
	}
	for _, p := range in.profile.Prelude {
		if bytes.Equal(request, p) {
			return geoCOMAck
		}
	}
	return nil
}

// WriteThenRead answers the profile's commands after the configured
// latency. Any other request goes unanswered.
func (in *Instrument) WriteThenRead(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	if !in.inflight.TryLock() {
		return nil, transport.ErrBusy
	}
	defer in.inflight.Unlock()

	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	wait := in.opts.Latency
	resp := in.reply(request)
	if resp == nil || wait > timeout {
		wait, resp = timeout, nil
	}
	if err := pause(ctx, in.closed, wait); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, transport.ErrTimeout
	}
	return resp, nil
}

func (in *Instrument) Close() error {
	err := transport.ErrNotConnected
	in.once.Do(func() {
		close(in.closed)
		err = nil
	})
	return err
}

func pause(ctx context.Context, closed <-chan struct{}, d time.Duration) error {
	select {
	case <-closed:
		return transport.ErrNotConnected
	default:
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-closed:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}
