// Package scoreboard drives a line-oriented results display.
package scoreboard

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// TestPattern lights every segment; it is shown when a board connects.
const TestPattern = "88:88"

var ErrNotConnected = errors.New("scoreboard not connected")

// Board writes one value per line to a display.
type Board struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a Board writing to w. A nil w gives a disconnected board.
func New(w io.Writer) *Board {
	return &Board{w: w}
}

// Show sends value followed by CR LF.
func (b *Board) Show(value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.w == nil {
		return ErrNotConnected
	}
	if _, err := io.WriteString(b.w, value+"\r\n"); err != nil {
		return fmt.Errorf("failed to write to scoreboard: %w", err)
	}
	return nil
}

// ShowDistance shows a throw distance in metres with two decimals.
func (b *Board) ShowDistance(distanceM float64) error {
	return b.Show(FormatDistance(distanceM))
}

// ShowWind shows a signed wind speed.
func (b *Board) ShowWind(speed float64) error {
	return b.Show(FormatWind(speed))
}

func (b *Board) ShowTestPattern() error {
	return b.Show(TestPattern)
}

// FormatDistance renders a distance the way results are read out, e.g.
// "14.27". Throw distances are truncated to the centimetre, never rounded up.
func FormatDistance(distanceM float64) string {
	return fmt.Sprintf("%.2f", math.Floor(distanceM*100+1e-6)/100)
}

// FormatWind renders a wind speed such as "+1.2 m/s".
func FormatWind(speed float64) string {
	return fmt.Sprintf("%+.1f m/s", speed)
}
