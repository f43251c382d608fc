package wind

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"polyfield-edm/internal/transport"
)

const (
	// about two minutes at one reading per second
	bufferSize    = 120
	averageWindow = 5 * time.Second
)

var ErrNoRecentReadings = errors.New("wind: no wind readings in the last 5 seconds")

// Reading is one buffered wind value.
type Reading struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Gauge listens to a streaming wind gauge and keeps recent readings for
// averaging.
type Gauge struct {
	adapter *Adapter
	ch      transport.Channel

	mu      sync.Mutex
	buf     []Reading
	running bool

	now func() time.Time
}

func NewGauge(adapter *Adapter, ch transport.Channel) *Gauge {
	return &Gauge{adapter: adapter, ch: ch, now: time.Now}
}

// Add buffers one reading, dropping the oldest beyond the buffer size.
func (g *Gauge) Add(v float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buf = append(g.buf, Reading{Value: v, Timestamp: at})
	if len(g.buf) > bufferSize {
		g.buf = g.buf[len(g.buf)-bufferSize:]
	}
}

// Readings returns a copy of the buffer, oldest first.
func (g *Gauge) Readings() []Reading {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Reading(nil), g.buf...)
}

func (g *Gauge) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Average returns the mean of the readings from the last five seconds and
// how many there were.
func (g *Gauge) Average() (float64, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	since := g.now().Add(-averageWindow)
	var sum float64
	n := 0
	for _, r := range g.buf {
		if r.Timestamp.After(since) {
			sum += r.Value
			n++
		}
	}
	if n == 0 {
		return 0, 0, ErrNoRecentReadings
	}
	return sum / float64(n), n, nil
}

// Run reads the gauge until ctx is done or the channel goes away. Frames
// that do not decode are skipped.
func (g *Gauge) Run(ctx context.Context) error {
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	for {
		v, err := g.adapter.MeasureWind(ctx, g.ch)
		switch {
		case err == nil:
			g.Add(v, g.now())
		case ctx.Err() != nil:
			log.Printf("wind: stopping listener")
			return nil
		case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrIOFailure):
			log.Printf("wind: listener stopped: %v", err)
			return err
		case errors.Is(err, transport.ErrTimeout):
			// gauge quiet; keep listening
		default:
			log.Printf("wind: skipping frame: %v", err)
		}
	}
}
