// Package reliability turns raw instrument samples into accepted readings,
// cross-checking paired samples against a distance tolerance within a
// bounded number of attempts.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"polyfield-edm/internal/edm"
	"polyfield-edm/internal/telemetry"
	"polyfield-edm/internal/transport"
)

// Mode chooses between one sample and a cross-checked pair.
type Mode int

const (
	Single Mode = iota
	Double
)

func (m Mode) String() string {
	if m == Single {
		return "single"
	}
	return "double"
}

// ParseMode accepts "single" or "double".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return Single, nil
	case "double", "":
		return Double, nil
	}
	return Double, fmt.Errorf("unknown read mode %q", s)
}

const (
	DefaultToleranceM  = 0.003
	DefaultMaxAttempts = 3
	DefaultPairDelay   = 100 * time.Millisecond

	// absorbs float noise when a difference sits exactly on the tolerance
	toleranceEpsilon = 1e-9
)

var (
	ErrToleranceExceeded = errors.New("reliability: readings disagree beyond tolerance")
	ErrRetriesExhausted  = errors.New("reliability: retry budget exhausted")
)

// ToleranceError is returned when every attempt produced a disagreeing pair.
// The distances are those of the last attempt.
type ToleranceError struct {
	Attempts   int
	FirstM     float64
	SecondM    float64
	ToleranceM float64
}

func (e *ToleranceError) Error() string {
	return fmt.Sprintf("readings inconsistent after %d attempts. R1: %.3fm, R2: %.3fm (tolerance %.0fmm)",
		e.Attempts, e.FirstM, e.SecondM, e.ToleranceM*1000)
}

func (e *ToleranceError) Is(target error) bool { return target == ErrToleranceExceeded }

// RetriesError is returned when the attempt budget ran out on transient
// read failures.
type RetriesError struct {
	Attempts int
	Err      error
}

func (e *RetriesError) Error() string {
	return fmt.Sprintf("reliability: no reading after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Err} }

// ReliableReading is an accepted observation: horizontal distance from the
// station and bearing.
type ReliableReading struct {
	DistanceM     float64 `json:"distanceM"`
	BearingDeg    float64 `json:"bearingDeg"`
	SampleCount   int     `json:"sampleCount"`
	MaxDeviationM float64 `json:"maxDeviationM"`
}

// Sampler produces one raw reading per call. *edm.Instrument is one.
type Sampler interface {
	Sample(ctx context.Context) (edm.RawReading, error)
}

// Policy is the read strategy for one logical operation.
type Policy struct {
	Mode        Mode
	ToleranceM  float64
	MaxAttempts int
	PairDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Mode:        Double,
		ToleranceM:  DefaultToleranceM,
		MaxAttempts: DefaultMaxAttempts,
		PairDelay:   DefaultPairDelay,
	}
}

func (p Policy) Validate() error {
	if p.Mode != Single && p.Mode != Double {
		return fmt.Errorf("reliability: unknown mode %d", p.Mode)
	}
	if p.ToleranceM <= 0 || math.IsNaN(p.ToleranceM) {
		return fmt.Errorf("reliability: tolerance must be positive, got %v", p.ToleranceM)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("reliability: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.PairDelay < 0 {
		return fmt.Errorf("reliability: pair delay must not be negative")
	}
	return nil
}

// terminal reports errors that another attempt cannot fix.
func terminal(err error) bool {
	return errors.Is(err, transport.ErrNotConnected) ||
		errors.Is(err, transport.ErrBusy) ||
		errors.Is(err, edm.ErrUnsupportedDeviceProfile) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Read performs one logical reading according to the policy.
func (p Policy) Read(ctx context.Context, src Sampler) (ReliableReading, error) {
	if err := p.Validate(); err != nil {
		return ReliableReading{}, err
	}
	ctx, span := telemetry.GetTracer().Start(ctx, "reliability.read")
	span.SetAttributes(attribute.String("read.mode", p.Mode.String()))

	var (
		r   ReliableReading
		err error
	)
	if p.Mode == Single {
		r, err = p.readSingle(ctx, src)
	} else {
		r, err = p.readDouble(ctx, src)
	}
	telemetry.EndSpan(span, err)
	return r, err
}

func (p Policy) sample(ctx context.Context, src Sampler) (edm.RawReading, error) {
	m := telemetry.Metrics()
	r, err := src.Sample(ctx)
	if err != nil {
		telemetry.Add(ctx, m.ReadFailures)
		return r, err
	}
	telemetry.Add(ctx, m.RawReads)
	return r, nil
}

func (p Policy) readSingle(ctx context.Context, src Sampler) (ReliableReading, error) {
	r, err := p.sample(ctx, src)
	if err != nil {
		return ReliableReading{}, fmt.Errorf("read failed: %w", err)
	}
	return ReliableReading{
		DistanceM:   r.HorizontalDistanceM(),
		BearingDeg:  r.HorizontalAngleDeg,
		SampleCount: 1,
	}, nil
}

func (p Policy) readDouble(ctx context.Context, src Sampler) (ReliableReading, error) {
	attempts := 0
	op := func() (ReliableReading, error) {
		attempts++
		r1, err := p.sample(ctx, src)
		if err != nil {
			return ReliableReading{}, p.classify(fmt.Errorf("first read failed: %w", err))
		}
		if err := sleep(ctx, p.PairDelay); err != nil {
			return ReliableReading{}, backoff.Permanent(err)
		}
		r2, err := p.sample(ctx, src)
		if err != nil {
			return ReliableReading{}, p.classify(fmt.Errorf("second read failed: %w", err))
		}

		d1, d2 := r1.HorizontalDistanceM(), r2.HorizontalDistanceM()
		dev := math.Abs(d1 - d2)
		if dev > p.ToleranceM+toleranceEpsilon {
			telemetry.Add(ctx, telemetry.Metrics().ToleranceRejections)
			log.Printf("reliability: attempt %d/%d rejected, R1: %.4fm R2: %.4fm differ by %.1fmm",
				attempts, p.MaxAttempts, d1, d2, dev*1000)
			return ReliableReading{}, &ToleranceError{Attempts: attempts, FirstM: d1, SecondM: d2, ToleranceM: p.ToleranceM}
		}
		return ReliableReading{
			DistanceM:     (d1 + d2) / 2.0,
			BearingDeg:    r2.HorizontalAngleDeg,
			SampleCount:   2,
			MaxDeviationM: dev,
		}, nil
	}

	r, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.PairDelay)),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	if err == nil {
		return r, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if terminal(err) {
		return ReliableReading{}, err
	}
	var te *ToleranceError
	if errors.As(err, &te) {
		te.Attempts = attempts
		return ReliableReading{}, te
	}
	return ReliableReading{}, &RetriesError{Attempts: attempts, Err: err}
}

func (p Policy) classify(err error) error {
	if terminal(err) {
		return backoff.Permanent(err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
