package simulator

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"polyfield-edm/internal/edm"
	"polyfield-edm/internal/transport"
	"polyfield-edm/internal/wind"
)

// WindGauge is a virtual streaming wind gauge emitting readings between
// -2.0 and +2.0 m/s, as polyfield-wind frames unless told otherwise.
type WindGauge struct {
	interval time.Duration
	profile  string
	inflight sync.Mutex
	closed   chan struct{}
	once     sync.Once

	mu  sync.Mutex
	rng *rand.Rand
}

func NewWindGauge(seed int64, interval time.Duration) *WindGauge {
	return &WindGauge{
		interval: interval,
		profile:  "polyfield-wind",
		closed:   make(chan struct{}),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// WriteThenRead waits one interval and returns the next frame. Requests are
// ignored; the gauge streams.
func (g *WindGauge) WriteThenRead(ctx context.Context, _ []byte, timeout time.Duration) ([]byte, error) {
	if !g.inflight.TryLock() {
		return nil, transport.ErrBusy
	}
	defer g.inflight.Unlock()
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	if g.interval > timeout {
		if err := pause(ctx, g.closed, timeout); err != nil {
			return nil, err
		}
		return nil, transport.ErrTimeout
	}
	if err := pause(ctx, g.closed, g.interval); err != nil {
		return nil, err
	}
	g.mu.Lock()
	v := g.rng.Float64()*4.0 - 2.0
	g.mu.Unlock()
	return windFrame(g.profile, v), nil
}

// windFrame renders v m/s of tailwind. MWV frames carry it as a relative
// wind from straight behind (180°) or straight ahead (0°).
func windFrame(profile string, v float64) []byte {
	if profile == "nmea-mwv" {
		angle, speed := 180.0, v
		if v < 0 {
			angle, speed = 0, -v
		}
		body := fmt.Sprintf("WIMWV,%05.1f,R,%.2f,M,A", angle, speed)
		return []byte(fmt.Sprintf("$%s*%s\r\n", body, nmea.Checksum(body)))
	}
	return []byte(fmt.Sprintf("0,%+.2f,M\r\n", v))
}

func (g *WindGauge) Close() error {
	err := transport.ErrNotConnected
	g.once.Do(func() {
		close(g.closed)
		err = nil
	})
	return err
}

// Display is a virtual scoreboard. It logs what it is sent and keeps the
// last line.
type Display struct {
	mu     sync.Mutex
	last   string
	closed bool
}

func NewDisplay() *Display { return &Display{} }

func (d *Display) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, transport.ErrNotConnected
	}
	d.last = strings.TrimRight(string(p), "\r\n")
	log.Printf("simulator: scoreboard shows %q", d.last)
	return len(p), nil
}

// Last returns the most recent line shown.
func (d *Display) Last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// WriteThenRead shows request; displays never answer.
func (d *Display) WriteThenRead(_ context.Context, request []byte, _ time.Duration) ([]byte, error) {
	if _, err := d.Write(request); err != nil {
		return nil, err
	}
	return nil, transport.ErrTimeout
}

func (d *Display) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return transport.ErrNotConnected
	}
	d.closed = true
	return nil
}

// Open is a transport.Factory simulator: it returns a virtual device for
// cfg.Device ("edm", "wind" or "scoreboard") speaking the profiles in opts.
func Open(opts Options) func(cfg transport.Config) (transport.Channel, error) {
	return func(cfg transport.Config) (transport.Channel, error) {
		switch cfg.Device {
		case "edm":
			if opts.EDMProfile != "" {
				if _, err := edm.LookupProfile(opts.EDMProfile); err != nil {
					return nil, fmt.Errorf("simulator: %w", err)
				}
			}
			return NewInstrument(opts), nil
		case "wind":
			interval := opts.WindInterval
			if interval <= 0 {
				interval = time.Second
			}
			g := NewWindGauge(opts.Seed+1, interval)
			if opts.WindProfile != "" {
				if _, err := wind.LookupProfile(opts.WindProfile); err != nil {
					return nil, fmt.Errorf("simulator: %w", err)
				}
				g.profile = opts.WindProfile
			}
			return g, nil
		case "scoreboard":
			return NewDisplay(), nil
		}
		return nil, fmt.Errorf("simulator: no virtual %q device", cfg.Device)
	}
}
