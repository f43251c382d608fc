package calibration

import (
	"fmt"
	"math"
	"strings"

	"polyfield-edm/internal/geometry"
)

// CircleType names a throwing event's circle or arc.
type CircleType string

const (
	Shot       CircleType = "SHOT"
	Discus     CircleType = "DISCUS"
	Hammer     CircleType = "HAMMER"
	Weight     CircleType = "WEIGHT"
	JavelinArc CircleType = "JAVELIN_ARC"
)

// UKA radii in metres.
const (
	UkaRadiusShot       = 1.0675
	UkaRadiusDiscus     = 1.250
	UkaRadiusHammer     = 1.0675
	UkaRadiusWeight     = 1.0675
	UkaRadiusJavelinArc = 8.000
)

const (
	ToleranceThrowsCircleM = 0.005
	ToleranceJavelinM      = 0.010

	HalfSectorAngleDeg        = 17.46
	JavelinHalfSectorAngleDeg = 14.48
)

// CircleSpec holds the rule constants for one circle type.
type CircleSpec struct {
	Type               CircleType `json:"circleType"`
	TargetRadiusM      float64    `json:"targetRadiusM"`
	EdgeToleranceM     float64    `json:"edgeToleranceM"`
	HalfSectorAngleDeg float64    `json:"halfSectorAngleDeg"`
}

var circleSpecs = []CircleSpec{
	{Shot, UkaRadiusShot, ToleranceThrowsCircleM, HalfSectorAngleDeg},
	{Discus, UkaRadiusDiscus, ToleranceThrowsCircleM, HalfSectorAngleDeg},
	{Hammer, UkaRadiusHammer, ToleranceThrowsCircleM, HalfSectorAngleDeg},
	{Weight, UkaRadiusWeight, ToleranceThrowsCircleM, HalfSectorAngleDeg},
	{JavelinArc, UkaRadiusJavelinArc, ToleranceJavelinM, JavelinHalfSectorAngleDeg},
}

// Specs returns every circle spec, in a fixed order.
func Specs() []CircleSpec {
	return append([]CircleSpec(nil), circleSpecs...)
}

// Spec looks up the rule constants for t.
func Spec(t CircleType) (CircleSpec, error) {
	for _, s := range circleSpecs {
		if s.Type == t {
			return s, nil
		}
	}
	return CircleSpec{}, fmt.Errorf("unknown circle type %q", string(t))
}

// ParseCircleType accepts the upper-case names, case-insensitively.
// "JAVELIN" is read as JAVELIN_ARC.
func ParseCircleType(s string) (CircleType, error) {
	t := CircleType(strings.ToUpper(strings.TrimSpace(s)))
	if t == "JAVELIN" {
		t = JavelinArc
	}
	if _, err := Spec(t); err != nil {
		return "", err
	}
	return t, nil
}

func (t CircleType) String() string { return string(t) }

func (t *CircleType) UnmarshalText(b []byte) error {
	parsed, err := ParseCircleType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WithinEdgeTolerance reports whether a measured radius is legal for the
// circle.
func (s CircleSpec) WithinEdgeTolerance(measuredRadiusM float64) bool {
	return math.Abs(measuredRadiusM-s.TargetRadiusM) <= s.EdgeToleranceM+1e-9
}

// ValidateThrowCoordinates checks that a landing point lies outside the
// circle.
func (s CircleSpec) ValidateThrowCoordinates(p geometry.Point) bool {
	return p.Norm() >= s.TargetRadiusM
}
