// Package edm speaks to electronic distance meters. A Codec turns one
// request/response exchange on a transport.Channel into a RawReading using a
// device profile chosen by the caller.
package edm

import (
	"errors"
	"fmt"
	"time"

	"polyfield-edm/internal/geometry"
)

var (
	ErrMalformedResponse        = errors.New("edm: malformed response")
	ErrChecksumMismatch         = errors.New("edm: checksum mismatch")
	ErrUnsupportedDeviceProfile = errors.New("edm: unsupported device profile")
	// ErrInstrumentStatus is returned when the instrument answers with a
	// non-zero status code, e.g. no prism in view.
	ErrInstrumentStatus = errors.New("edm: instrument reported an error")
)

// DecodeError carries the frame that could not be decoded.
type DecodeError struct {
	Profile string
	Frame   string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("edm: %s response %q: %v", e.Profile, e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RawReading is one decoded instrument response.
type RawReading struct {
	SlopeDistanceM     float64   `json:"slopeDistanceM"`
	HorizontalAngleDeg float64   `json:"horizontalAngleDeg"`
	VerticalAngleDeg   float64   `json:"verticalAngleDeg,omitempty"`
	HasVertical        bool      `json:"hasVertical"`
	CapturedAt         time.Time `json:"capturedAt"`
}

// HorizontalDistanceM reduces the slope distance by the zenith angle when the
// instrument reported one.
func (r RawReading) HorizontalDistanceM() float64 {
	if !r.HasVertical {
		return r.SlopeDistanceM
	}
	return geometry.HorizontalDistance(r.SlopeDistanceM, r.VerticalAngleDeg)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
