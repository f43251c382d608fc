// Package geometry holds the single polar-to-plane convention shared by
// centre, edge, sector and throw computations.
//
// The circle-centred frame has the circle centre at the origin. Instrument
// bearings are applied as plane angles: bearing zero lies along +X and the
// angle grows toward +Y. Every caller goes through Offset, so the sign
// convention is defined here and nowhere else.
package geometry

import (
	"math"

	"github.com/golang/geo/r2"
)

// Point is a position in the circle-centred frame, in metres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func fromVec(v r2.Point) Point {
	return Point{X: v.X, Y: v.Y}
}

func (p Point) vec() r2.Point {
	return r2.Point{X: p.X, Y: p.Y}
}

// Norm returns the distance of p from the circle centre.
func (p Point) Norm() float64 {
	return p.vec().Norm()
}

// Mirror reflects p across the Y axis.
func (p Point) Mirror() Point {
	return Point{X: -p.X, Y: p.Y}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func degrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// Offset returns the horizontal displacement from the instrument to a target
// observed at the given horizontal distance and bearing.
func Offset(distanceM, bearingDeg float64) r2.Point {
	rad := radians(bearingDeg)
	return r2.Point{X: distanceM * math.Cos(rad), Y: distanceM * math.Sin(rad)}
}

// StationFrom places the instrument in the circle-centred frame from a
// reading taken to the centre stake.
func StationFrom(distanceM, bearingDeg float64) Point {
	return fromVec(Offset(distanceM, bearingDeg).Mul(-1))
}

// PointFrom locates an observed target in the circle-centred frame.
func PointFrom(station Point, distanceM, bearingDeg float64) Point {
	return fromVec(station.vec().Add(Offset(distanceM, bearingDeg)))
}

// ReadingTo is the inverse of PointFrom: the horizontal distance and bearing
// (normalised to [0, 360)) at which the instrument would observe target.
func ReadingTo(station, target Point) (distanceM, bearingDeg float64) {
	d := target.vec().Sub(station.vec())
	bearingDeg = degrees(math.Atan2(d.Y, d.X))
	if bearingDeg < 0 {
		bearingDeg += 360.0
	}
	return d.Norm(), bearingDeg
}

// HorizontalDistance reduces a slope distance using the zenith angle
// reported by the instrument (90° is level).
func HorizontalDistance(slopeM, zenithDeg float64) float64 {
	return slopeM * math.Sin(radians(zenithDeg))
}

// SlopeDistance is the inverse of HorizontalDistance.
func SlopeDistance(horizontalM, zenithDeg float64) float64 {
	return horizontalM / math.Sin(radians(zenithDeg))
}

// SectorPoint returns the right-hand sector line point at distanceM from the
// centre, with the centre line along +Y.
func SectorPoint(distanceM, halfAngleDeg float64) Point {
	rad := radians(halfAngleDeg)
	return Point{X: distanceM * math.Sin(rad), Y: distanceM * math.Cos(rad)}
}
