// Package calibration holds the per-circle calibration state machine. It
// places the instrument station in a frame with the circle centre at the
// origin, verifies the circle edge against the rule tolerance and fixes the
// sector lines.
//
// A Session is not safe for concurrent use; one workflow drives it.
package calibration

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"polyfield-edm/internal/geometry"
	"polyfield-edm/internal/reliability"
)

// State is the calibration progress of a session.
type State int

const (
	Uncalibrated State = iota
	CentreSet
	EdgeVerified
	SectorSet
)

// Ready is the state in which throws may be measured.
const Ready = SectorSet

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "UNCALIBRATED"
	case CentreSet:
		return "CENTRE_SET"
	case EdgeVerified:
		return "EDGE_VERIFIED"
	case SectorSet:
		return "READY"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := Uncalibrated; st <= SectorSet; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown calibration state %q", b)
}

// Op names a session operation for sequencing checks.
type Op string

const (
	OpSetCentre     Op = "set centre"
	OpVerifyEdge    Op = "verify edge"
	OpAcknowledge   Op = "acknowledge edge"
	OpSetSectorLine Op = "set sector line"
	OpSnapshot      Op = "snapshot"
)

var ErrWrongState = errors.New("calibration: operation not valid in current state")

// SequenceError reports an operation attempted out of order.
type SequenceError struct {
	Op     Op
	State  State
	Reason string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("calibration: cannot %s while %s: %s", e.Op, e.State, e.Reason)
}

func (e *SequenceError) Is(target error) bool { return target == ErrWrongState }

// CentreResult locates the station relative to the circle centre.
type CentreResult struct {
	Station           geometry.Point `json:"station"`
	DistanceToCentreM float64        `json:"distanceToCentreM"`
}

// EdgeResult is the outcome of one edge measurement. WithinTolerance is the
// legality signal; the measurement itself always succeeds.
type EdgeResult struct {
	MeasuredRadiusM float64        `json:"measuredRadiusM"`
	DeviationM      float64        `json:"deviationM"`
	WithinTolerance bool           `json:"withinTolerance"`
	ToleranceM      float64        `json:"toleranceM"`
	Point           geometry.Point `json:"point"`
}

// SectorResult is the right-hand sector line point. The left line is its
// mirror and is never measured.
type SectorResult struct {
	DistanceBeyondCircleM float64        `json:"distanceBeyondCircleM"`
	Coordinates           geometry.Point `json:"coordinates"`
	MeasuredDistanceM     float64        `json:"measuredDistanceM"`
}

// Left returns the mirrored left-hand sector point.
func (r SectorResult) Left() geometry.Point {
	return r.Coordinates.Mirror()
}

// Session is the calibration of one circle.
type Session struct {
	id    string
	spec  CircleSpec
	state State

	centre           *CentreResult
	edge             *EdgeResult
	edgeAcknowledged bool
	sector           *SectorResult
	updatedAt        time.Time

	now func() time.Time
}

// NewSession starts an uncalibrated session for circle type t.
func NewSession(t CircleType) (*Session, error) {
	spec, err := Spec(t)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:   uuid.NewString(),
		spec: spec,
		now:  time.Now,
	}, nil
}

func (s *Session) ID() string { return s.id }
func (s *Session) Spec() CircleSpec { return s.spec }
func (s *Session) State() State { return s.state }
func (s *Session) UpdatedAt() time.Time { return s.updatedAt }

// Station returns the instrument position in the circle frame. It is the
// zero point until the centre has been set.
func (s *Session) Station() geometry.Point {
	if s.centre == nil {
		return geometry.Point{}
	}
	return s.centre.Station
}

func (s *Session) Centre() (CentreResult, bool) {
	if s.centre == nil {
		return CentreResult{}, false
	}
	return *s.centre, true
}

func (s *Session) Edge() (EdgeResult, bool) {
	if s.edge == nil {
		return EdgeResult{}, false
	}
	return *s.edge, true
}

func (s *Session) Sector() (SectorResult, bool) {
	if s.sector == nil {
		return SectorResult{}, false
	}
	return *s.sector, true
}

func (s *Session) EdgeAcknowledged() bool { return s.edgeAcknowledged }

// Check reports whether op may run now, so a caller can refuse before
// taking an instrument reading.
func (s *Session) Check(op Op) error {
	fail := func(reason string) error {
		return &SequenceError{Op: op, State: s.state, Reason: reason}
	}
	switch op {
	case OpSetCentre:
		if s.state != Uncalibrated {
			return fail("reset the session before setting a new centre")
		}
	case OpVerifyEdge:
		if s.state != CentreSet && s.state != EdgeVerified {
			if s.state == Uncalibrated {
				return fail("centre not set")
			}
			return fail("reset the session to re-verify the edge")
		}
	case OpAcknowledge:
		if s.state != EdgeVerified {
			return fail("edge not verified")
		}
	case OpSetSectorLine:
		if s.state != EdgeVerified && s.state != SectorSet {
			return fail("edge not verified")
		}
		if !s.edge.WithinTolerance && !s.edgeAcknowledged {
			return fail(fmt.Sprintf("edge is %.1fmm out of tolerance and has not been acknowledged", s.edge.DeviationM*1000))
		}
	case OpSnapshot:
		if s.state != Ready {
			return fail("calibration incomplete")
		}
	default:
		return fail("unknown operation")
	}
	return nil
}

func (s *Session) touch() {
	s.updatedAt = s.now().UTC()
}

// SetCentre fixes the station from a reading taken to the centre stake.
func (s *Session) SetCentre(r reliability.ReliableReading) (CentreResult, error) {
	if err := s.Check(OpSetCentre); err != nil {
		return CentreResult{}, err
	}
	station := geometry.StationFrom(r.DistanceM, r.BearingDeg)
	res := CentreResult{Station: station, DistanceToCentreM: r.DistanceM}

	log.Printf("calibration: %s centre set, station X=%.4fm Y=%.4fm, horizontal distance to centre %.4fm",
		s.spec.Type, station.X, station.Y, r.DistanceM)

	s.centre = &res
	s.state = CentreSet
	s.touch()
	return res, nil
}

// VerifyEdge measures a point on the circle edge and compares its radius to
// the rule radius. Re-measuring replaces the previous result and clears any
// acknowledgement of it.
func (s *Session) VerifyEdge(r reliability.ReliableReading) (EdgeResult, error) {
	if err := s.Check(OpVerifyEdge); err != nil {
		return EdgeResult{}, err
	}
	p := geometry.PointFrom(s.centre.Station, r.DistanceM, r.BearingDeg)
	radius := p.Norm()
	res := EdgeResult{
		MeasuredRadiusM: radius,
		DeviationM:      radius - s.spec.TargetRadiusM,
		WithinTolerance: s.spec.WithinEdgeTolerance(radius),
		ToleranceM:      s.spec.EdgeToleranceM,
		Point:           p,
	}

	log.Printf("calibration: %s edge at X=%.4fm Y=%.4fm, measured radius %.4fm, target %.4fm, difference %.1fmm (tolerance ±%.1fmm): %s",
		s.spec.Type, p.X, p.Y, radius, s.spec.TargetRadiusM, res.DeviationM*1000, s.spec.EdgeToleranceM*1000,
		map[bool]string{true: "PASS", false: "FAIL"}[res.WithinTolerance])

	s.edge = &res
	s.edgeAcknowledged = false
	s.state = EdgeVerified
	s.touch()
	return res, nil
}

// AcknowledgeEdge records that the official accepts the current edge result,
// allowing the sector line to be set even when the edge is out of tolerance.
func (s *Session) AcknowledgeEdge() error {
	if err := s.Check(OpAcknowledge); err != nil {
		return err
	}
	s.edgeAcknowledged = true
	s.touch()
	return nil
}

// SetSectorLine measures a point on the right-hand sector line and derives
// the canonical sector coordinates from its distance to the centre.
func (s *Session) SetSectorLine(r reliability.ReliableReading) (SectorResult, error) {
	if err := s.Check(OpSetSectorLine); err != nil {
		return SectorResult{}, err
	}
	p := geometry.PointFrom(s.centre.Station, r.DistanceM, r.BearingDeg)
	d := p.Norm()
	res := SectorResult{
		DistanceBeyondCircleM: d - s.spec.TargetRadiusM,
		Coordinates:           geometry.SectorPoint(d, s.spec.HalfSectorAngleDeg),
		MeasuredDistanceM:     d,
	}

	log.Printf("calibration: %s sector line at %.4fm from centre (%.4fm beyond circle), right X=%.4fm Y=%.4fm",
		s.spec.Type, d, res.DistanceBeyondCircleM, res.Coordinates.X, res.Coordinates.Y)

	s.sector = &res
	s.state = SectorSet
	s.touch()
	return res, nil
}

// Reset returns the session to Uncalibrated, discarding every result.
func (s *Session) Reset() {
	s.centre = nil
	s.edge = nil
	s.edgeAcknowledged = false
	s.sector = nil
	s.state = Uncalibrated
	s.touch()
	log.Printf("calibration: %s session %s reset", s.spec.Type, s.id)
}
