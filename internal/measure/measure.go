// Package measure turns a reading to an implement's landing mark into a
// rule distance, measured from the circle edge, using a calibrated session.
package measure

import (
	"errors"
	"fmt"

	"polyfield-edm/internal/calibration"
	"polyfield-edm/internal/geometry"
	"polyfield-edm/internal/reliability"
)

var ErrNotReady = errors.New("measure: calibration is not complete")

// ThrowMeasurement is one measured throw.
type ThrowMeasurement struct {
	CircleType          calibration.CircleType `json:"circleType"`
	DistanceM           float64                `json:"distanceM"`
	DistanceFromCentreM float64                `json:"distanceFromCentreM"`
	Coordinates         geometry.Point         `json:"coordinates"`
	// InsideCircle is set when the mark lies within the circle or arc, which
	// usually means the wrong point was sighted.
	InsideCircle bool `json:"insideCircle"`
}

// Measure computes the throw distance for r. It reads session but never
// changes it.
func Measure(session *calibration.Session, r reliability.ReliableReading) (ThrowMeasurement, error) {
	if session == nil {
		return ThrowMeasurement{}, ErrNotReady
	}
	if st := session.State(); st != calibration.Ready {
		return ThrowMeasurement{}, fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}
	spec := session.Spec()
	p := geometry.PointFrom(session.Station(), r.DistanceM, r.BearingDeg)
	fromCentre := p.Norm()
	return ThrowMeasurement{
		CircleType:          spec.Type,
		DistanceM:           fromCentre - spec.TargetRadiusM,
		DistanceFromCentreM: fromCentre,
		Coordinates:         p,
		InsideCircle:        !spec.ValidateThrowCoordinates(p),
	}, nil
}
